package admission

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind identifies why a unit of work was not admitted.
type Kind int

const (
	KindNone Kind = iota
	KindRateLimited
	KindCircuitOpen
	KindConcurrencyLimited
	KindQuotaExceeded
	KindStoreUnavailable
)

// String returns the stable label used in logs, metrics and API payloads.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindConcurrencyLimited:
		return "concurrency_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "none"
	}
}

// Rejection is implemented by every admission error.
type Rejection interface {
	error
	Kind() Kind
	RetryAfter() time.Duration
}

// RateLimitExceededError reports a tenant over its request budget for a resource.
type RateLimitExceededError struct {
	TenantID   string
	Resource   string
	Limit      int
	Remaining  int
	Retry      time.Duration
	ResetAt    time.Time
	Algorithm  string
	WindowSize time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %s on %s: limit %d, retry after %s", e.TenantID, e.Resource, e.Limit, e.Retry)
}

// Kind implements Rejection.
func (e *RateLimitExceededError) Kind() Kind { return KindRateLimited }

// RetryAfter implements Rejection.
func (e *RateLimitExceededError) RetryAfter() time.Duration { return e.Retry }

// CircuitOpenError reports a dependency whose breaker rejected the attempt.
type CircuitOpenError struct {
	Dependency string
	State      string
	Retry      time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s is %s", e.Dependency, e.State)
}

// Kind implements Rejection.
func (e *CircuitOpenError) Kind() Kind { return KindCircuitOpen }

// RetryAfter implements Rejection.
func (e *CircuitOpenError) RetryAfter() time.Duration { return e.Retry }

// ConcurrencyLimitExceededError reports a tenant with no free call slot.
type ConcurrencyLimitExceededError struct {
	TenantID string
	Current  int
	Max      int
	Retry    time.Duration
}

func (e *ConcurrencyLimitExceededError) Error() string {
	return fmt.Sprintf("max concurrent calls reached for tenant %s (%d/%d)", e.TenantID, e.Current, e.Max)
}

// Kind implements Rejection.
func (e *ConcurrencyLimitExceededError) Kind() Kind { return KindConcurrencyLimited }

// RetryAfter implements Rejection.
func (e *ConcurrencyLimitExceededError) RetryAfter() time.Duration { return e.Retry }

// Quota periods.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// QuotaExceededError reports a tenant past its daily or monthly minutes.
type QuotaExceededError struct {
	TenantID string
	Period   string
	Used     float64
	Limit    int
	ResetAt  time.Time
	now      time.Time
}

// NewQuotaExceededError builds a QuotaExceededError whose retry hint is measured from now.
func NewQuotaExceededError(tenantID, period string, used float64, limit int, resetAt, now time.Time) *QuotaExceededError {
	return &QuotaExceededError{
		TenantID: tenantID,
		Period:   period,
		Used:     used,
		Limit:    limit,
		ResetAt:  resetAt,
		now:      now,
	}
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s minutes quota exceeded for tenant %s: %.2f/%d", e.Period, e.TenantID, e.Used, e.Limit)
}

// Kind implements Rejection.
func (e *QuotaExceededError) Kind() Kind { return KindQuotaExceeded }

// RetryAfter returns the time left until the period rolls over.
func (e *QuotaExceededError) RetryAfter() time.Duration {
	if e.ResetAt.IsZero() {
		return 0
	}
	now := e.now
	if now.IsZero() {
		now = time.Now()
	}
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// StoreUnavailableError wraps a failure of the shared counter store.
type StoreUnavailableError struct {
	Op    string
	Err   error
	Retry time.Duration
}

func (e *StoreUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("shared store unavailable during %s", e.Op)
	}
	return fmt.Sprintf("shared store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Kind implements Rejection.
func (e *StoreUnavailableError) Kind() Kind { return KindStoreUnavailable }

// RetryAfter implements Rejection.
func (e *StoreUnavailableError) RetryAfter() time.Duration { return e.Retry }

// KindOf returns the rejection kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var rejection Rejection
	if errors.As(err, &rejection) {
		return rejection.Kind()
	}
	return KindNone
}

// RetryAfter returns the retry hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var rejection Rejection
	if errors.As(err, &rejection) {
		return rejection.RetryAfter()
	}
	return 0
}

// RetryAfterSeconds rounds the retry hint up to whole seconds for Retry-After headers.
func RetryAfterSeconds(err error) int {
	d := RetryAfter(err)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// IsRetryable reports whether the caller may retry later. Every rejection kind is
// retryable on some horizon; plain errors are not.
func IsRetryable(err error) bool {
	return KindOf(err) != KindNone
}
