package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var (
	errMissingTenant = errors.New("ratelimit: missing tenant id")
	errInvalidCost   = errors.New("ratelimit: cost must be positive")
)

// Limiter enforces per-tenant, per-resource limits through the shared store.
type Limiter struct {
	store    *store.Store
	policies Policies
	nowFn    func() time.Time
	newID    func() string
}

// NewLimiter constructs a Limiter with default dependencies when nil.
func NewLimiter(st *store.Store, policies Policies, nowFn func() time.Time) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Limiter{
		store:    st,
		policies: policies,
		nowFn:    nowFn,
		newID:    uuid.NewString,
	}
}

// Policies returns the configured policy table.
func (l *Limiter) Policies() Policies { return l.policies }

// Check consumes one unit of resource for tenantID. A rejection returns the
// populated Result together with *admission.RateLimitExceededError.
func (l *Limiter) Check(ctx context.Context, tenantID, resource string, limit int, window time.Duration) (Result, error) {
	return l.CheckN(ctx, tenantID, resource, limit, window, 1)
}

// CheckN is Check with an explicit cost.
func (l *Limiter) CheckN(ctx context.Context, tenantID, resource string, limit int, window time.Duration, cost int) (Result, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Result{}, errMissingTenant
	}
	if cost <= 0 {
		return Result{}, errInvalidCost
	}
	policy := l.policies.Resolve(resource, limit, window)
	if errValidate := policy.Validate(); errValidate != nil {
		return Result{}, fmt.Errorf("ratelimit: %s: %w", resource, errValidate)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := l.nowFn()

	var result Result
	op := "ratelimit." + string(policy.Algorithm)
	errDo := l.store.Do(ctx, op, func(ctx context.Context, client redis.UniversalClient) error {
		var errRun error
		switch policy.Algorithm {
		case AlgorithmSlidingWindow:
			key := l.store.Key(keyParts(tenantID, resource, slidingWindowSuffix)...)
			result, errRun = runSlidingWindow(ctx, client, key, l.newID(), policy, cost, now)
		default:
			key := l.store.Key(keyParts(tenantID, resource, tokenBucketSuffix)...)
			var out tokenBucketOutcome
			out, errRun = runTokenBucket(ctx, client, key, policy, cost, now)
			if errRun == nil {
				result = tokenBucketResult(policy, cost, out)
			}
		}
		return errRun
	})
	if errDo != nil {
		if admission.KindOf(errDo) == admission.KindStoreUnavailable && l.store.AdmitOnFailure(op, errDo) {
			return Result{Allowed: true, Limit: policy.Limit, Algorithm: policy.Algorithm, Degraded: true}, nil
		}
		return Result{Limit: policy.Limit, Algorithm: policy.Algorithm}, errDo
	}

	if !result.Allowed {
		rejection := &admission.RateLimitExceededError{
			TenantID:   tenantID,
			Resource:   resource,
			Limit:      policy.Limit,
			Remaining:  result.Remaining,
			Retry:      result.RetryAfter(now),
			ResetAt:    result.ResetAt,
			Algorithm:  string(policy.Algorithm),
			WindowSize: policy.Window,
		}
		if rejection.ResetAt.IsZero() {
			rejection.ResetAt = now.Add(rejection.Retry)
		}
		log.WithFields(log.Fields{
			"tenant_id": tenantID,
			"resource":  resource,
			"limit":     policy.Limit,
			"algorithm": policy.Algorithm,
			"retry":     rejection.Retry.String(),
		}).Warn("rate limit exceeded")
		return result, rejection
	}
	if result.ResetAt.IsZero() {
		result.ResetAt = now.Add(result.ResetIn)
	}
	return result, nil
}

// Usage returns the number of entries in the tenant's sliding window for resource.
func (l *Limiter) Usage(ctx context.Context, tenantID, resource string, window time.Duration) (int, error) {
	if window <= 0 {
		window = l.policies.Lookup(resource).Window
	}
	key := l.store.Key(keyParts(tenantID, resource, slidingWindowSuffix)...)
	now := l.nowFn()
	var count int64
	errDo := l.store.Do(ctx, "ratelimit.usage", func(ctx context.Context, client redis.UniversalClient) error {
		var errCount error
		count, errCount = windowCount(ctx, client, key, window, now)
		return errCount
	})
	if errDo != nil {
		return 0, errDo
	}
	return int(count), nil
}

// Reset clears every limiter state kept for (tenantID, resource).
func (l *Limiter) Reset(ctx context.Context, tenantID, resource string) error {
	keys := []string{
		l.store.Key(keyParts(tenantID, resource, tokenBucketSuffix)...),
		l.store.Key(keyParts(tenantID, resource, slidingWindowSuffix)...),
	}
	return l.store.Do(ctx, "ratelimit.reset", func(ctx context.Context, client redis.UniversalClient) error {
		return client.Del(ctx, keys...).Err()
	})
}
