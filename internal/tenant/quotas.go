package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/churnguard/tenant-governor/internal/config"
	"github.com/churnguard/tenant-governor/internal/models"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Quota is a tenant's effective resource ceiling.
type Quota struct {
	TenantID            string `json:"tenant_id"`
	Plan                string `json:"plan"`
	MaxConcurrentCalls  int    `json:"max_concurrent_calls"`
	DailyMinutesLimit   int    `json:"daily_minutes_limit"`
	MonthlyMinutesLimit int    `json:"monthly_minutes_limit"`
	APIRateLimit        int    `json:"api_rate_limit"`
	Priority            int    `json:"priority"`
}

// Validate rejects ceilings that cannot be enforced.
func (q Quota) Validate() error {
	if strings.TrimSpace(q.TenantID) == "" {
		return errors.New("tenant: missing tenant id")
	}
	if q.MaxConcurrentCalls <= 0 || q.DailyMinutesLimit <= 0 || q.MonthlyMinutesLimit <= 0 || q.APIRateLimit <= 0 {
		return fmt.Errorf("tenant: quota limits must be positive for %s", q.TenantID)
	}
	if q.Priority < internalsettings.MinQueuePriority || q.Priority > internalsettings.MaxQueuePriority {
		return fmt.Errorf("tenant: priority out of range for %s: %d", q.TenantID, q.Priority)
	}
	return nil
}

// PlanTable maps plan tier names to their default ceilings.
type PlanTable map[string]Quota

// PlansFromConfig builds the plan table from config.
func PlansFromConfig(plans map[string]config.PlanConfig) PlanTable {
	out := make(PlanTable, len(plans))
	for name, p := range plans {
		name = normalizePlan(name)
		out[name] = Quota{
			Plan:                name,
			MaxConcurrentCalls:  p.MaxConcurrentCalls,
			DailyMinutesLimit:   p.DailyMinutesLimit,
			MonthlyMinutesLimit: p.MonthlyMinutesLimit,
			APIRateLimit:        p.APIRateLimit,
			Priority:            p.Priority,
		}
	}
	return out
}

// Lookup returns the plan, falling back to the default plan for unknown names.
func (p PlanTable) Lookup(plan string) (Quota, bool) {
	if q, ok := p[normalizePlan(plan)]; ok {
		return q, true
	}
	return p[internalsettings.DefaultPlan], false
}

func normalizePlan(plan string) string {
	plan = strings.ToLower(strings.TrimSpace(plan))
	if plan == "" {
		return internalsettings.DefaultPlan
	}
	return plan
}

// QuotaStore persists per-tenant plan assignments and overrides.
type QuotaStore interface {
	LoadAll(ctx context.Context) ([]models.TenantQuota, error)
	Save(ctx context.Context, row models.TenantQuota) error
}

// GormQuotaStore persists overrides in the tenant_quotas table.
type GormQuotaStore struct {
	db *gorm.DB
}

// NewGormQuotaStore constructs a GormQuotaStore.
func NewGormQuotaStore(db *gorm.DB) *GormQuotaStore {
	return &GormQuotaStore{db: db}
}

// LoadAll returns every stored override.
func (s *GormQuotaStore) LoadAll(ctx context.Context) ([]models.TenantQuota, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("tenant quota store: nil db")
	}
	var rows []models.TenantQuota
	if errFind := s.db.WithContext(ctx).Order("tenant_id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("tenant quota store: load: %w", errFind)
	}
	return rows, nil
}

// Save upserts the override for row.TenantID.
func (s *GormQuotaStore) Save(ctx context.Context, row models.TenantQuota) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tenant quota store: nil db")
	}
	row.UpdatedAt = time.Now().UTC()
	errSave := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan",
			"max_concurrent_calls",
			"daily_minutes_limit",
			"monthly_minutes_limit",
			"api_rate_limit",
			"priority",
			"updated_at",
		}),
	}).Create(&row).Error
	if errSave != nil {
		return fmt.Errorf("tenant quota store: save %s: %w", row.TenantID, errSave)
	}
	return nil
}

// Quotas resolves effective quotas from the plan table and stored overrides.
// Overrides are served from an in-process snapshot refreshed by Refresh.
type Quotas struct {
	plans PlanTable
	store QuotaStore

	writeMu  sync.Mutex
	snapshot atomic.Value // map[string]models.TenantQuota
}

// NewQuotas constructs a resolver. store may be nil for plan-only resolution.
func NewQuotas(plans PlanTable, store QuotaStore) *Quotas {
	if len(plans) == 0 {
		plans = PlansFromConfig(config.DefaultPlans())
	}
	q := &Quotas{plans: plans, store: store}
	q.snapshot.Store(map[string]models.TenantQuota{})
	return q
}

// Plans returns the plan table.
func (q *Quotas) Plans() PlanTable { return q.plans }

// Refresh reloads the override snapshot from the store.
func (q *Quotas) Refresh(ctx context.Context) error {
	if q == nil || q.store == nil {
		return nil
	}
	rows, errLoad := q.store.LoadAll(ctx)
	if errLoad != nil {
		return errLoad
	}
	next := make(map[string]models.TenantQuota, len(rows))
	for _, row := range rows {
		next[row.TenantID] = row
	}
	q.writeMu.Lock()
	q.snapshot.Store(next)
	q.writeMu.Unlock()
	return nil
}

// Get returns the effective quota for tenantID. Stored override fields win
// over the plan; zero fields inherit the plan value.
func (q *Quotas) Get(tenantID string) Quota {
	tenantID = strings.TrimSpace(tenantID)
	row, ok := q.load()[tenantID]
	plan := internalsettings.DefaultPlan
	if ok {
		plan = row.Plan
	}
	base, _ := q.plans.Lookup(plan)
	base.TenantID = tenantID
	base.Plan = normalizePlan(plan)
	if !ok {
		return base
	}
	if row.MaxConcurrentCalls > 0 {
		base.MaxConcurrentCalls = row.MaxConcurrentCalls
	}
	if row.DailyMinutesLimit > 0 {
		base.DailyMinutesLimit = row.DailyMinutesLimit
	}
	if row.MonthlyMinutesLimit > 0 {
		base.MonthlyMinutesLimit = row.MonthlyMinutesLimit
	}
	if row.APIRateLimit > 0 {
		base.APIRateLimit = row.APIRateLimit
	}
	if row.Priority > 0 {
		base.Priority = row.Priority
	}
	return base
}

// Set stores a full quota override for quota.TenantID.
func (q *Quotas) Set(ctx context.Context, quota Quota) (Quota, error) {
	quota.TenantID = strings.TrimSpace(quota.TenantID)
	quota.Plan = normalizePlan(quota.Plan)
	if _, ok := q.plans[quota.Plan]; !ok {
		return Quota{}, fmt.Errorf("tenant: unknown plan %q", quota.Plan)
	}
	if errValidate := quota.Validate(); errValidate != nil {
		return Quota{}, errValidate
	}
	row := models.TenantQuota{
		TenantID:            quota.TenantID,
		Plan:                quota.Plan,
		MaxConcurrentCalls:  quota.MaxConcurrentCalls,
		DailyMinutesLimit:   quota.DailyMinutesLimit,
		MonthlyMinutesLimit: quota.MonthlyMinutesLimit,
		APIRateLimit:        quota.APIRateLimit,
		Priority:            quota.Priority,
	}
	if errSave := q.save(ctx, row); errSave != nil {
		return Quota{}, errSave
	}
	return q.Get(quota.TenantID), nil
}

// AssignPlan moves tenantID to plan and clears any per-field overrides.
func (q *Quotas) AssignPlan(ctx context.Context, tenantID, plan string) (Quota, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Quota{}, errors.New("tenant: missing tenant id")
	}
	plan = normalizePlan(plan)
	if _, ok := q.plans[plan]; !ok {
		return Quota{}, fmt.Errorf("tenant: unknown plan %q", plan)
	}
	if errSave := q.save(ctx, models.TenantQuota{TenantID: tenantID, Plan: plan}); errSave != nil {
		return Quota{}, errSave
	}
	return q.Get(tenantID), nil
}

func (q *Quotas) save(ctx context.Context, row models.TenantQuota) error {
	if q.store != nil {
		if errSave := q.store.Save(ctx, row); errSave != nil {
			return errSave
		}
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	current := q.load()
	next := make(map[string]models.TenantQuota, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[row.TenantID] = row
	q.snapshot.Store(next)
	return nil
}

func (q *Quotas) load() map[string]models.TenantQuota {
	snap, ok := q.snapshot.Load().(map[string]models.TenantQuota)
	if !ok || snap == nil {
		return map[string]models.TenantQuota{}
	}
	return snap
}
