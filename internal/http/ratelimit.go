package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/governor"
	"github.com/churnguard/tenant-governor/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// TenantHeader carries the caller's tenant identifier.
const TenantHeader = "X-Tenant-ID"

// ContextTenantKey is the gin context key holding the resolved tenant.
const ContextTenantKey = "tenantID"

// StatusFor maps a rejection kind to its HTTP status.
func StatusFor(kind admission.Kind) int {
	switch kind {
	case admission.KindRateLimited, admission.KindConcurrencyLimited, admission.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case admission.KindCircuitOpen, admission.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AbortWithRejection writes a structured rejection body with a Retry-After header.
func AbortWithRejection(c *gin.Context, err error) {
	kind := admission.KindOf(err)
	body := gin.H{
		"code":    kind.String(),
		"message": err.Error(),
	}
	if seconds := admission.RetryAfterSeconds(err); seconds > 0 {
		c.Header("Retry-After", strconv.Itoa(seconds))
		body["retry_after"] = seconds
	}

	var rateErr *admission.RateLimitExceededError
	var slotErr *admission.ConcurrencyLimitExceededError
	var quotaErr *admission.QuotaExceededError
	var circuitErr *admission.CircuitOpenError
	switch {
	case errors.As(err, &rateErr):
		body["resource"] = rateErr.Resource
		body["limit"] = rateErr.Limit
		body["remaining"] = rateErr.Remaining
		body["reset_at"] = rateErr.ResetAt.UTC()
	case errors.As(err, &slotErr):
		body["current"] = slotErr.Current
		body["max"] = slotErr.Max
	case errors.As(err, &quotaErr):
		body["period"] = quotaErr.Period
		body["used"] = quotaErr.Used
		body["limit"] = quotaErr.Limit
		body["reset_at"] = quotaErr.ResetAt.UTC()
	case errors.As(err, &circuitErr):
		body["dependency"] = circuitErr.Dependency
		body["state"] = circuitErr.State
	}
	c.AbortWithStatusJSON(StatusFor(kind), gin.H{"error": body})
}

// SetRateLimitHeaders publishes the limiter's view of the caller's budget.
func SetRateLimitHeaders(c *gin.Context, res ratelimit.Result, now time.Time) {
	if res.Degraded || res.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
	wait := res.ResetIn
	if wait <= 0 && !res.ResetAt.IsZero() {
		wait = res.ResetAt.Sub(now)
	}
	if wait > 0 {
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
}

// RateLimit gates every request through the governor's api rate limit for
// the tenant named in X-Tenant-ID.
func RateLimit(gov *governor.Governor) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(TenantHeader))
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing " + TenantHeader + " header"})
			return
		}
		res, errCheck := gov.CheckRequest(c.Request.Context(), tenantID)
		SetRateLimitHeaders(c, res, time.Now())
		if errCheck != nil {
			if admission.KindOf(errCheck) == admission.KindNone {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
				return
			}
			AbortWithRejection(c, errCheck)
			return
		}
		c.Set(ContextTenantKey, tenantID)
		c.Next()
	}
}
