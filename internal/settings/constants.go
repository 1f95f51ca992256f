package settings

import "time"

// Resource names and defaults shared across packages.
const (
	// ResourceAPI is the rate limit resource for inbound API requests.
	ResourceAPI = "api"
	// ResourceCalls is the rate limit resource for call initiation.
	ResourceCalls = "calls"
	// AlgorithmTokenBucket selects the token bucket limiter.
	AlgorithmTokenBucket = "token_bucket"
	// AlgorithmSlidingWindow selects the exact sliding window limiter.
	AlgorithmSlidingWindow = "sliding_window"
	// DefaultBurstMultiplier is the fallback bucket capacity multiplier.
	DefaultBurstMultiplier = 1.0
	// DefaultRateWindow is the fallback window for per-minute limits.
	DefaultRateWindow = time.Minute
	// DefaultCallsPerHour is the fallback calls resource limit.
	DefaultCallsPerHour = 100
)

// Shared store defaults.
const (
	// DefaultRedisAddr is the fallback Redis address.
	DefaultRedisAddr = "127.0.0.1:6379"
	// DefaultRedisPrefix is the fallback Redis key prefix.
	DefaultRedisPrefix = "gov"
	// DefaultRedisDialTimeout bounds connection setup and the startup ping.
	DefaultRedisDialTimeout = 2 * time.Second
	// StoreBreakerName is the circuit breaker guarding the shared store.
	StoreBreakerName = "redis"
	// FailPolicyOpen admits work when the shared store is unreachable.
	FailPolicyOpen = "open"
	// FailPolicyClosed rejects work when the shared store is unreachable.
	FailPolicyClosed = "closed"
	// DefaultFailPolicy is the fallback store failure policy.
	DefaultFailPolicy = FailPolicyClosed
)

// Tenant plan tiers.
const (
	// PlanStarter is the entry plan tier.
	PlanStarter = "starter"
	// PlanProfessional is the mid plan tier.
	PlanProfessional = "professional"
	// PlanEnterprise is the top plan tier.
	PlanEnterprise = "enterprise"
	// DefaultPlan is assigned to tenants without a stored quota.
	DefaultPlan = PlanStarter
)

// Tenant counter TTLs. Each outlives its period so a counter is never read as zero mid-period.
const (
	DailyUsageTTL   = 2 * 24 * time.Hour
	MonthlyUsageTTL = 35 * 24 * time.Hour
)

// MaxReportedCallDuration caps a caller-reported call length.
const MaxReportedCallDuration = 24 * time.Hour

// Queue and background worker defaults.
const (
	// DefaultQueuePriority is used when enqueue omits a priority.
	DefaultQueuePriority = 1
	// MinQueuePriority is the lowest accepted queue priority.
	MinQueuePriority = 1
	// MaxQueuePriority is the highest accepted queue priority.
	MaxQueuePriority = 1000
	// DefaultDequeuePollTimeout bounds a blocking dequeue.
	DefaultDequeuePollTimeout = time.Second
	// DefaultDispatchWorkers is the fallback dispatcher concurrency.
	DefaultDispatchWorkers = 4
	// DefaultDispatchRate is the fallback dispatcher pace (items per second).
	DefaultDispatchRate = 20
	// DefaultReconcileInterval is the fallback slot reconciliation interval.
	DefaultReconcileInterval = time.Minute
	// DefaultSlotTTL marks ledger rows older than this as leaked.
	DefaultSlotTTL = 4 * time.Hour
	// DefaultQuotaCacheTTL bounds how long a resolved tenant quota is reused.
	DefaultQuotaCacheTTL = 30 * time.Second
)
