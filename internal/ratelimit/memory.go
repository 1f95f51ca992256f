package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type localEntry struct {
	limiter *rate.Limiter
	policy  Policy
}

// LocalLimiter is a process-local token bucket. It only protects in-process
// resources such as the dispatcher's worker pool; tenant throttling goes
// through Limiter and the shared store.
type LocalLimiter struct {
	nowFn func() time.Time

	mu       sync.Mutex
	limiters map[string]*localEntry
}

// NewLocalLimiter constructs a LocalLimiter.
func NewLocalLimiter(nowFn func() time.Time) *LocalLimiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &LocalLimiter{
		nowFn:    nowFn,
		limiters: make(map[string]*localEntry),
	}
}

// Allow consumes one token for key when available.
func (l *LocalLimiter) Allow(key string, policy Policy) Result {
	now := l.nowFn()
	lim := l.limiterFor(key, policy, now)

	reservation := lim.ReserveN(now, 1)
	if !reservation.OK() {
		return Result{Allowed: false, Limit: policy.Limit, Algorithm: AlgorithmTokenBucket}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Result{
			Allowed:   false,
			Limit:     policy.Limit,
			ResetIn:   delay,
			ResetAt:   now.Add(delay),
			Algorithm: AlgorithmTokenBucket,
		}
	}
	remaining := int(math.Floor(lim.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   true,
		Limit:     policy.Limit,
		Remaining: remaining,
		Algorithm: AlgorithmTokenBucket,
	}
}

// Wait blocks until key has a token or ctx is done.
func (l *LocalLimiter) Wait(ctx context.Context, key string, policy Policy) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return l.limiterFor(key, policy, l.nowFn()).Wait(ctx)
}

func (l *LocalLimiter) limiterFor(key string, policy Policy, now time.Time) *rate.Limiter {
	if policy.BurstMultiplier < 1 {
		policy.BurstMultiplier = 1
	}
	limit := rate.Inf
	burst := 1
	if policy.Limit > 0 && policy.Window > 0 {
		limit = rate.Limit(policy.RefillRate())
		burst = max(1, int(math.Floor(policy.Capacity())))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.limiters[key]
	if entry == nil {
		entry = &localEntry{limiter: rate.NewLimiter(limit, burst), policy: policy}
		l.limiters[key] = entry
		return entry.limiter
	}
	if entry.policy != policy {
		entry.limiter.SetLimitAt(now, limit)
		entry.limiter.SetBurstAt(now, burst)
		entry.policy = policy
	}
	return entry.limiter
}
