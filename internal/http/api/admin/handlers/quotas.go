package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/governor"
	"github.com/churnguard/tenant-governor/internal/tenant"
	"github.com/gin-gonic/gin"
)

// QuotaHandler handles admin tenant quota, usage and rate limit endpoints.
type QuotaHandler struct {
	gov *governor.Governor
}

// NewQuotaHandler constructs a QuotaHandler.
func NewQuotaHandler(gov *governor.Governor) *QuotaHandler {
	return &QuotaHandler{gov: gov}
}

// setQuotaRequest captures a full quota override.
type setQuotaRequest struct {
	Plan                string `json:"plan"`                  // Plan tier name.
	MaxConcurrentCalls  int    `json:"max_concurrent_calls"`  // Concurrent call ceiling.
	DailyMinutesLimit   int    `json:"daily_minutes_limit"`   // Minutes per UTC day.
	MonthlyMinutesLimit int    `json:"monthly_minutes_limit"` // Minutes per UTC month.
	APIRateLimit        int    `json:"api_rate_limit"`        // API requests per minute.
	Priority            int    `json:"priority"`              // Fair queue priority.
}

// assignPlanRequest captures a plan change.
type assignPlanRequest struct {
	Plan string `json:"plan"` // Plan tier name.
}

func tenantParam(c *gin.Context) (string, bool) {
	tenantID := strings.TrimSpace(c.Param("tenant"))
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant is required"})
		return "", false
	}
	return tenantID, true
}

// storeError writes a 503 for store outages and a 500 otherwise.
func storeError(c *gin.Context, err error, message string) {
	if admission.KindOf(err) == admission.KindStoreUnavailable {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": message, "detail": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}

// Get returns the tenant's effective quota.
func (h *QuotaHandler) Get(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": h.gov.Tenants().GetQuota(tenantID)})
}

// Set stores a full quota override.
func (h *QuotaHandler) Set(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	var body setQuotaRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	quota, errSet := h.gov.Tenants().SetTenantQuota(c.Request.Context(), tenant.Quota{
		TenantID:            tenantID,
		Plan:                body.Plan,
		MaxConcurrentCalls:  body.MaxConcurrentCalls,
		DailyMinutesLimit:   body.DailyMinutesLimit,
		MonthlyMinutesLimit: body.MonthlyMinutesLimit,
		APIRateLimit:        body.APIRateLimit,
		Priority:            body.Priority,
	})
	if errSet != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errSet.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": quota})
}

// AssignPlan moves the tenant to another plan tier.
func (h *QuotaHandler) AssignPlan(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	var body assignPlanRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || strings.TrimSpace(body.Plan) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plan is required"})
		return
	}
	quota, errAssign := h.gov.Tenants().AssignPlan(c.Request.Context(), tenantID, body.Plan)
	if errAssign != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errAssign.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": quota})
}

// Usage returns concurrency and minutes usage against the tenant's limits.
func (h *QuotaHandler) Usage(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	stats, errStats := h.gov.Tenants().GetUsageStats(c.Request.Context(), tenantID)
	if errStats != nil {
		storeError(c, errStats, "load usage failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": stats})
}

// ReleaseSlot returns one concurrency slot for a call whose owner crashed.
func (h *QuotaHandler) ReleaseSlot(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	current, errRelease := h.gov.Tenants().ReleaseCallSlot(c.Request.Context(), tenantID)
	if errRelease != nil {
		storeError(c, errRelease, "release slot failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "concurrent_calls": current})
}

// rateLimitQuery carries an optional window override.
type rateLimitQuery struct {
	Window string `form:"window"` // Go duration, defaults to the resource policy.
}

// RateLimitUsage returns the tenant's sliding window count for a resource.
func (h *QuotaHandler) RateLimitUsage(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	resource := strings.ToLower(strings.TrimSpace(c.Param("resource")))
	var q rateLimitQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	var window time.Duration
	if strings.TrimSpace(q.Window) != "" {
		parsed, errParse := time.ParseDuration(q.Window)
		if errParse != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
			return
		}
		window = parsed
	}
	limiter := h.gov.Limiter()
	policy := limiter.Policies().Resolve(resource, 0, window)
	count, errUsage := limiter.Usage(c.Request.Context(), tenantID, resource, policy.Window)
	if errUsage != nil {
		storeError(c, errUsage, "load rate limit usage failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id": tenantID,
		"resource":  resource,
		"algorithm": policy.Algorithm,
		"limit":     policy.Limit,
		"window":    policy.Window.String(),
		"count":     count,
	})
}

// ResetRateLimit clears the tenant's limiter state for a resource.
func (h *QuotaHandler) ResetRateLimit(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	resource := strings.ToLower(strings.TrimSpace(c.Param("resource")))
	if errReset := h.gov.Limiter().Reset(c.Request.Context(), tenantID, resource); errReset != nil {
		storeError(c, errReset, "reset rate limit failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
