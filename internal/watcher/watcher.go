// Package watcher polls the quota override table and reloads the in-process
// quota snapshot when another instance changes it.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/churnguard/tenant-governor/internal/models"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Default timings for the watcher loop.
const (
	// defaultPollInterval controls how often the table fingerprint is checked.
	defaultPollInterval = internalsettings.DefaultQuotaCacheTTL
	// defaultQueryTimeout bounds DB query duration.
	defaultQueryTimeout = 10 * time.Second
)

// Refresher reloads a cached view of the quota table.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// QuotaWatcher refreshes a Refresher whenever the tenant_quotas fingerprint changes.
type QuotaWatcher struct {
	db           *gorm.DB
	target       Refresher
	pollInterval time.Duration

	mu   sync.Mutex
	hash string
	wg   sync.WaitGroup
}

// New constructs a QuotaWatcher. A zero interval uses the quota cache TTL.
func New(db *gorm.DB, target Refresher, interval time.Duration) *QuotaWatcher {
	if db == nil || target == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &QuotaWatcher{db: db, target: target, pollInterval: interval}
}

// Start launches the polling loop.
func (w *QuotaWatcher) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	log.Infof("quota watcher started (poll_interval=%s)", w.pollInterval)
}

// Wait blocks until the polling loop has exited.
func (w *QuotaWatcher) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

func (w *QuotaWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil {
			log.WithError(err).Warn("quota watcher: poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll checks the table once and refreshes the target when it changed. The
// first poll only records the fingerprint.
func (w *QuotaWatcher) Poll(ctx context.Context) (bool, error) {
	ctxQuery, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	hash, errHash := w.fingerprint(ctxQuery)
	if errHash != nil {
		return false, errHash
	}

	w.mu.Lock()
	prev := w.hash
	w.hash = hash
	w.mu.Unlock()
	if prev == "" || prev == hash {
		return false, nil
	}

	if errRefresh := w.target.Refresh(ctxQuery); errRefresh != nil {
		w.mu.Lock()
		w.hash = prev
		w.mu.Unlock()
		return false, fmt.Errorf("quota watcher: refresh: %w", errRefresh)
	}
	log.Debug("quota watcher: overrides reloaded")
	return true, nil
}

// fingerprintRow mirrors the columns that identify a quota revision.
type fingerprintRow struct {
	TenantID  string
	UpdatedAt time.Time
}

func (w *QuotaWatcher) fingerprint(ctx context.Context) (string, error) {
	var rows []fingerprintRow
	if errFind := w.db.WithContext(ctx).
		Model(&models.TenantQuota{}).
		Select("tenant_id", "updated_at").
		Order("tenant_id ASC").
		Scan(&rows).Error; errFind != nil {
		return "", fmt.Errorf("quota watcher: load fingerprint: %w", errFind)
	}
	h := sha256.New()
	for _, row := range rows {
		_, _ = fmt.Fprintf(h, "%s|%d\n", row.TenantID, row.UpdatedAt.UnixNano())
	}
	// Always non-empty so an empty table still counts as a first observation.
	return "v1:" + hex.EncodeToString(h.Sum(nil)), nil
}
