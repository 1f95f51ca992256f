package ratelimit

import (
	"fmt"
	"time"

	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
)

// Algorithm selects how a resource is limited.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = internalsettings.AlgorithmTokenBucket
	AlgorithmSlidingWindow Algorithm = internalsettings.AlgorithmSlidingWindow
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetIn is the wait until a rejected request could pass, or until the
	// bucket is full again for an admitted one.
	ResetIn   time.Duration
	ResetAt   time.Time
	Algorithm Algorithm
	// Degraded is set when the shared store failed and the fail-open policy admitted the request.
	Degraded bool
}

// RetryAfter normalises ResetIn/ResetAt into a wait measured from now. Admitted results return zero.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed {
		return 0
	}
	if r.ResetIn > 0 {
		return r.ResetIn
	}
	if !r.ResetAt.IsZero() {
		if d := r.ResetAt.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Policy is the limit applied to one resource.
type Policy struct {
	Limit           int
	Window          time.Duration
	Algorithm       Algorithm
	BurstMultiplier float64
}

// Validate rejects policies that cannot be enforced.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("ratelimit: limit must be positive, got %d", p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("ratelimit: window must be positive, got %s", p.Window)
	}
	if p.BurstMultiplier < 1 {
		return fmt.Errorf("ratelimit: burst multiplier must be >= 1, got %g", p.BurstMultiplier)
	}
	switch p.Algorithm {
	case AlgorithmTokenBucket, AlgorithmSlidingWindow:
		return nil
	default:
		return fmt.Errorf("ratelimit: unknown algorithm %q", p.Algorithm)
	}
}

// Capacity returns the token bucket size.
func (p Policy) Capacity() float64 {
	return float64(p.Limit) * p.BurstMultiplier
}

// RefillRate returns tokens per second.
func (p Policy) RefillRate() float64 {
	return float64(p.Limit) / p.Window.Seconds()
}
