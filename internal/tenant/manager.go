package tenant

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/store"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// slotRetryHint is the retry-after reported for a full concurrency pool.
const slotRetryHint = time.Second

var errMissingTenant = errors.New("tenant: missing tenant id")

// acquireSlotScript increments the in-flight counter and rolls the increment
// back when it would exceed the ceiling.
var acquireSlotScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local current = redis.call("INCR", KEYS[1])
if current > max then
  current = redis.call("DECR", KEYS[1])
  return {0, current}
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {1, current}
`)

// releaseSlotScript decrements the in-flight counter, clamping at zero.
var releaseSlotScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
if tonumber(raw) <= 0 then
  return 0
end
return redis.call("DECR", KEYS[1])
`)

// SlotResult reports the outcome of AcquireCallSlot.
type SlotResult struct {
	Acquired bool
	Current  int
	Max      int
	Reason   string
	// Degraded is set when the store failed and the fail-open policy admitted
	// the call without touching the counter. Such slots must not be released.
	Degraded bool
}

// MinutesUsage reports quota counters after TrackMinutes.
type MinutesUsage struct {
	WithinLimit      bool    `json:"within_limit"`
	DailyUsed        float64 `json:"daily_used"`
	DailyLimit       int     `json:"daily_limit"`
	DailyRemaining   float64 `json:"daily_remaining"`
	MonthlyUsed      float64 `json:"monthly_used"`
	MonthlyLimit     int     `json:"monthly_limit"`
	MonthlyRemaining float64 `json:"monthly_remaining"`
}

// UsageSnapshot aggregates a tenant's concurrency and minutes against its quota.
type UsageSnapshot struct {
	TenantID        string       `json:"tenant_id"`
	Plan            string       `json:"plan"`
	ConcurrentCalls int          `json:"concurrent_calls"`
	MaxConcurrent   int          `json:"max_concurrent_calls"`
	APIRateLimit    int          `json:"api_rate_limit"`
	Priority        int          `json:"priority"`
	Minutes         MinutesUsage `json:"minutes"`
	At              time.Time    `json:"at"`
}

// Manager enforces per-tenant concurrency slots and minute quotas.
type Manager struct {
	store   *store.Store
	quotas  *Quotas
	nowFn   func() time.Time
	slotTTL time.Duration
}

// NewManager constructs a Manager.
func NewManager(st *store.Store, quotas *Quotas, nowFn func() time.Time) *Manager {
	if quotas == nil {
		quotas = NewQuotas(nil, nil)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		store:   st,
		quotas:  quotas,
		nowFn:   nowFn,
		slotTTL: internalsettings.DefaultSlotTTL,
	}
}

// SetSlotTTL bounds how long an untouched slot counter survives.
func (m *Manager) SetSlotTTL(ttl time.Duration) {
	if ttl > 0 {
		m.slotTTL = ttl
	}
}

// Quotas returns the quota resolver.
func (m *Manager) Quotas() *Quotas { return m.quotas }

// GetQuota returns the effective quota for tenantID.
func (m *Manager) GetQuota(tenantID string) Quota { return m.quotas.Get(tenantID) }

// SetTenantQuota stores a full override for quota.TenantID.
func (m *Manager) SetTenantQuota(ctx context.Context, quota Quota) (Quota, error) {
	return m.quotas.Set(ctx, quota)
}

// AssignPlan moves tenantID to plan.
func (m *Manager) AssignPlan(ctx context.Context, tenantID, plan string) (Quota, error) {
	return m.quotas.AssignPlan(ctx, tenantID, plan)
}

func (m *Manager) slotKey(tenantID string) string {
	return m.store.Key("tenant", "{"+tenantID+"}", "calls")
}

func (m *Manager) dailyKey(tenantID string, now time.Time) string {
	return m.store.Key("tenant", "{"+tenantID+"}", "minutes", "daily", now.UTC().Format("2006-01-02"))
}

func (m *Manager) monthlyKey(tenantID string, now time.Time) string {
	return m.store.Key("tenant", "{"+tenantID+"}", "minutes", "monthly", now.UTC().Format("2006-01"))
}

// AcquireCallSlot takes one concurrency slot for tenantID. A full pool returns
// *admission.ConcurrencyLimitExceededError.
func (m *Manager) AcquireCallSlot(ctx context.Context, tenantID string) (SlotResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return SlotResult{}, errMissingTenant
	}
	quota := m.quotas.Get(tenantID)
	key := m.slotKey(tenantID)

	var acquired bool
	var current int64
	errDo := m.store.Do(ctx, "tenant.acquire_slot", func(ctx context.Context, client redis.UniversalClient) error {
		res, errEval := acquireSlotScript.Run(ctx, client, []string{key}, quota.MaxConcurrentCalls, m.slotTTL.Milliseconds()).Int64Slice()
		if errEval != nil {
			return errEval
		}
		if len(res) != 2 {
			return errors.New("tenant: unexpected acquire response")
		}
		acquired = res[0] == 1
		current = res[1]
		return nil
	})
	if errDo != nil {
		if admission.KindOf(errDo) == admission.KindStoreUnavailable && m.store.AdmitOnFailure("tenant.acquire_slot", errDo) {
			return SlotResult{Acquired: true, Max: quota.MaxConcurrentCalls, Degraded: true}, nil
		}
		return SlotResult{Max: quota.MaxConcurrentCalls}, errDo
	}

	result := SlotResult{Acquired: acquired, Current: int(current), Max: quota.MaxConcurrentCalls}
	if !acquired {
		result.Reason = "max concurrent calls reached"
		log.WithFields(log.Fields{
			"tenant_id": tenantID,
			"current":   current,
			"max":       quota.MaxConcurrentCalls,
		}).Warn("tenant: concurrency limit reached")
		return result, &admission.ConcurrencyLimitExceededError{
			TenantID: tenantID,
			Current:  int(current),
			Max:      quota.MaxConcurrentCalls,
			Retry:    slotRetryHint,
		}
	}
	return result, nil
}

// ReleaseCallSlot returns one slot for tenantID and reports the remaining
// in-flight count. Releasing an empty pool is a no-op.
func (m *Manager) ReleaseCallSlot(ctx context.Context, tenantID string) (int, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return 0, errMissingTenant
	}
	key := m.slotKey(tenantID)
	var current int64
	errDo := m.store.Do(ctx, "tenant.release_slot", func(ctx context.Context, client redis.UniversalClient) error {
		var errEval error
		current, errEval = releaseSlotScript.Run(ctx, client, []string{key}).Int64()
		return errEval
	})
	if errDo != nil {
		log.WithError(errDo).WithField("tenant_id", tenantID).Warn("tenant: release slot failed")
		return 0, errDo
	}
	return int(current), nil
}

// CheckCallSlot is a read-only pre-check that reports
// *admission.ConcurrencyLimitExceededError when the tenant's pool is already
// full. AcquireCallSlot remains the authoritative gate.
func (m *Manager) CheckCallSlot(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return errMissingTenant
	}
	quota := m.quotas.Get(tenantID)
	current, errRead := m.ConcurrentCalls(ctx, tenantID)
	if errRead != nil {
		if admission.KindOf(errRead) == admission.KindStoreUnavailable && m.store.AdmitOnFailure("tenant.check_slot", errRead) {
			return nil
		}
		return errRead
	}
	if current >= quota.MaxConcurrentCalls {
		return &admission.ConcurrencyLimitExceededError{
			TenantID: tenantID,
			Current:  current,
			Max:      quota.MaxConcurrentCalls,
			Retry:    slotRetryHint,
		}
	}
	return nil
}

// ConcurrentCalls returns the in-flight counter for tenantID.
func (m *Manager) ConcurrentCalls(ctx context.Context, tenantID string) (int, error) {
	key := m.slotKey(strings.TrimSpace(tenantID))
	var current int64
	errDo := m.store.Do(ctx, "tenant.concurrent_calls", func(ctx context.Context, client redis.UniversalClient) error {
		var errGet error
		current, errGet = client.Get(ctx, key).Int64()
		return errGet
	})
	if errors.Is(errDo, redis.Nil) {
		return 0, nil
	}
	if errDo != nil {
		return 0, errDo
	}
	return int(max(current, 0)), nil
}

// swapSlotScript overwrites the in-flight counter only when it still holds
// the value the caller observed.
var swapSlotScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current < 0 then
  current = 0
end
if current ~= tonumber(ARGV[1]) then
  return 0
end
if tonumber(ARGV[2]) <= 0 then
  redis.call("DEL", KEYS[1])
else
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return 1
`)

// SwapConcurrentCalls sets the in-flight counter to n when it still equals
// observed. It reports false, leaving the counter alone, when an acquire or
// release landed in between. Used by reconciliation.
func (m *Manager) SwapConcurrentCalls(ctx context.Context, tenantID string, observed, n int) (bool, error) {
	key := m.slotKey(strings.TrimSpace(tenantID))
	var swapped int64
	errDo := m.store.Do(ctx, "tenant.swap_concurrent_calls", func(ctx context.Context, client redis.UniversalClient) error {
		var errEval error
		swapped, errEval = swapSlotScript.Run(ctx, client, []string{key}, observed, n, m.slotTTL.Milliseconds()).Int64()
		return errEval
	})
	if errDo != nil {
		return false, errDo
	}
	return swapped == 1, nil
}

// SlotTenants lists tenants that currently have a slot counter.
func (m *Manager) SlotTenants(ctx context.Context) ([]string, error) {
	pattern := m.store.Key("tenant", "*", "calls")
	prefix := m.store.Key("tenant", "{")
	const suffix = "}:calls"
	var tenants []string
	errDo := m.store.Do(ctx, "tenant.scan_slots", func(ctx context.Context, client redis.UniversalClient) error {
		iter := client.Scan(ctx, 0, pattern, 200).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
				continue
			}
			tenants = append(tenants, strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix))
		}
		return iter.Err()
	})
	if errDo != nil {
		return nil, errDo
	}
	return tenants, nil
}

// TrackMinutes adds minutes to the tenant's daily and monthly counters. The
// addition always happens; the bool reports whether both counters are still
// within their limits.
func (m *Manager) TrackMinutes(ctx context.Context, tenantID string, minutes float64) (bool, MinutesUsage, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return false, MinutesUsage{}, errMissingTenant
	}
	if minutes < 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		return false, MinutesUsage{}, fmt.Errorf("tenant: invalid minutes %v", minutes)
	}
	quota := m.quotas.Get(tenantID)
	now := m.nowFn()
	dailyKey := m.dailyKey(tenantID, now)
	monthlyKey := m.monthlyKey(tenantID, now)

	var daily, monthly *redis.FloatCmd
	errDo := m.store.Do(ctx, "tenant.track_minutes", func(ctx context.Context, client redis.UniversalClient) error {
		_, errPipe := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			daily = pipe.IncrByFloat(ctx, dailyKey, minutes)
			pipe.Expire(ctx, dailyKey, internalsettings.DailyUsageTTL)
			monthly = pipe.IncrByFloat(ctx, monthlyKey, minutes)
			pipe.Expire(ctx, monthlyKey, internalsettings.MonthlyUsageTTL)
			return nil
		})
		return errPipe
	})
	if errDo != nil {
		log.WithError(errDo).WithFields(log.Fields{
			"tenant_id": tenantID,
			"minutes":   minutes,
		}).Warn("tenant: track minutes failed")
		return false, MinutesUsage{}, errDo
	}

	usage := buildMinutesUsage(quota, daily.Val(), monthly.Val())
	if !usage.WithinLimit {
		log.WithFields(log.Fields{
			"tenant_id":     tenantID,
			"daily_used":    usage.DailyUsed,
			"daily_limit":   usage.DailyLimit,
			"monthly_used":  usage.MonthlyUsed,
			"monthly_limit": usage.MonthlyLimit,
		}).Warn("tenant: minutes quota exceeded")
	}
	return usage.WithinLimit, usage, nil
}

func buildMinutesUsage(quota Quota, daily, monthly float64) MinutesUsage {
	usage := MinutesUsage{
		DailyUsed:        daily,
		DailyLimit:       quota.DailyMinutesLimit,
		DailyRemaining:   math.Max(0, float64(quota.DailyMinutesLimit)-daily),
		MonthlyUsed:      monthly,
		MonthlyLimit:     quota.MonthlyMinutesLimit,
		MonthlyRemaining: math.Max(0, float64(quota.MonthlyMinutesLimit)-monthly),
	}
	usage.WithinLimit = daily <= float64(quota.DailyMinutesLimit) && monthly <= float64(quota.MonthlyMinutesLimit)
	return usage
}

// readMinutes returns the current daily and monthly counters.
func (m *Manager) readMinutes(ctx context.Context, tenantID string, now time.Time) (float64, float64, error) {
	keys := []string{m.dailyKey(tenantID, now), m.monthlyKey(tenantID, now)}
	var values []interface{}
	errDo := m.store.Do(ctx, "tenant.read_minutes", func(ctx context.Context, client redis.UniversalClient) error {
		var errGet error
		values, errGet = client.MGet(ctx, keys...).Result()
		return errGet
	})
	if errDo != nil {
		return 0, 0, errDo
	}
	return parseCounter(values, 0), parseCounter(values, 1), nil
}

func parseCounter(values []interface{}, idx int) float64 {
	if idx >= len(values) {
		return 0
	}
	raw, ok := values[idx].(string)
	if !ok {
		return 0
	}
	f, errParse := strconv.ParseFloat(raw, 64)
	if errParse != nil {
		return 0
	}
	return f
}

// CheckMinutes is a pre-flight check returning *admission.QuotaExceededError
// when the daily or monthly quota is already used up.
func (m *Manager) CheckMinutes(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return errMissingTenant
	}
	quota := m.quotas.Get(tenantID)
	now := m.nowFn().UTC()
	daily, monthly, errRead := m.readMinutes(ctx, tenantID, now)
	if errRead != nil {
		if admission.KindOf(errRead) == admission.KindStoreUnavailable && m.store.AdmitOnFailure("tenant.check_minutes", errRead) {
			return nil
		}
		return errRead
	}
	if monthly >= float64(quota.MonthlyMinutesLimit) {
		return admission.NewQuotaExceededError(tenantID, admission.PeriodMonthly, monthly, quota.MonthlyMinutesLimit, nextMonth(now), now)
	}
	if daily >= float64(quota.DailyMinutesLimit) {
		return admission.NewQuotaExceededError(tenantID, admission.PeriodDaily, daily, quota.DailyMinutesLimit, nextDay(now), now)
	}
	return nil
}

// GetUsageStats returns a read-only aggregate for dashboards.
func (m *Manager) GetUsageStats(ctx context.Context, tenantID string) (UsageSnapshot, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return UsageSnapshot{}, errMissingTenant
	}
	quota := m.quotas.Get(tenantID)
	now := m.nowFn().UTC()

	current, errCalls := m.ConcurrentCalls(ctx, tenantID)
	if errCalls != nil {
		return UsageSnapshot{}, errCalls
	}
	daily, monthly, errRead := m.readMinutes(ctx, tenantID, now)
	if errRead != nil {
		return UsageSnapshot{}, errRead
	}
	return UsageSnapshot{
		TenantID:        tenantID,
		Plan:            quota.Plan,
		ConcurrentCalls: current,
		MaxConcurrent:   quota.MaxConcurrentCalls,
		APIRateLimit:    quota.APIRateLimit,
		Priority:        quota.Priority,
		Minutes:         buildMinutesUsage(quota, daily, monthly),
		At:              now,
	}, nil
}

func nextDay(now time.Time) time.Time {
	y, mo, d := now.UTC().Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, time.UTC)
}

func nextMonth(now time.Time) time.Time {
	y, mo, _ := now.UTC().Date()
	return time.Date(y, mo+1, 1, 0, 0, 0, 0, time.UTC)
}
