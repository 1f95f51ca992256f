package tenant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/churnguard/tenant-governor/internal/models"
	"gorm.io/gorm"
)

// CallLedger records calls holding a concurrency slot. It is the source the
// reconciler trusts when rewriting the shared slot counters.
type CallLedger struct {
	db *gorm.DB
}

// NewCallLedger constructs a ledger. It returns nil for a nil db.
func NewCallLedger(db *gorm.DB) *CallLedger {
	if db == nil {
		return nil
	}
	return &CallLedger{db: db}
}

// Open records callID as in flight for tenantID.
func (l *CallLedger) Open(ctx context.Context, tenantID, callID string, startedAt time.Time) error {
	if l == nil || l.db == nil {
		return nil
	}
	row := models.ActiveCall{
		CallID:    strings.TrimSpace(callID),
		TenantID:  strings.TrimSpace(tenantID),
		StartedAt: startedAt.UTC(),
	}
	if errCreate := l.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("call ledger: open %s: %w", row.CallID, errCreate)
	}
	return nil
}

// Close removes callID. Closing an unknown call is a no-op.
func (l *CallLedger) Close(ctx context.Context, callID string) error {
	if l == nil || l.db == nil {
		return nil
	}
	errDelete := l.db.WithContext(ctx).
		Where("call_id = ?", strings.TrimSpace(callID)).
		Delete(&models.ActiveCall{}).Error
	if errDelete != nil {
		return fmt.Errorf("call ledger: close %s: %w", callID, errDelete)
	}
	return nil
}

// CountByTenant returns in-flight call counts keyed by tenant.
func (l *CallLedger) CountByTenant(ctx context.Context) (map[string]int, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("call ledger: nil db")
	}
	var rows []struct {
		TenantID string
		Total    int
	}
	errScan := l.db.WithContext(ctx).
		Model(&models.ActiveCall{}).
		Select("tenant_id, COUNT(*) AS total").
		Group("tenant_id").
		Scan(&rows).Error
	if errScan != nil {
		return nil, fmt.Errorf("call ledger: count: %w", errScan)
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.TenantID] = row.Total
	}
	return out, nil
}

// DeleteStale removes rows started before cutoff and reports how many were dropped.
// These are calls whose owner crashed without releasing the slot.
func (l *CallLedger) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("call ledger: nil db")
	}
	res := l.db.WithContext(ctx).Where("started_at < ?", cutoff.UTC()).Delete(&models.ActiveCall{})
	if res.Error != nil {
		return 0, fmt.Errorf("call ledger: delete stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}
