package handlers

import (
	"net/http"

	apihttp "github.com/churnguard/tenant-governor/internal/http"
	"github.com/churnguard/tenant-governor/internal/tenant"
	"github.com/gin-gonic/gin"
)

// PlanFrontHandler serves plan-related front endpoints.
type PlanFrontHandler struct {
	tenants *tenant.Manager
}

// NewPlanFrontHandler constructs a PlanFrontHandler.
func NewPlanFrontHandler(tenants *tenant.Manager) *PlanFrontHandler {
	return &PlanFrontHandler{tenants: tenants}
}

// List returns the plan tiers and the caller's current plan.
func (h *PlanFrontHandler) List(c *gin.Context) {
	tenantID := c.GetString(apihttp.ContextTenantKey)
	plans := h.tenants.Quotas().Plans()

	out := make([]gin.H, 0, len(plans))
	for name, plan := range plans {
		out = append(out, gin.H{
			"name":                  name,
			"max_concurrent_calls":  plan.MaxConcurrentCalls,
			"daily_minutes_limit":   plan.DailyMinutesLimit,
			"monthly_minutes_limit": plan.MonthlyMinutesLimit,
			"api_rate_limit":        plan.APIRateLimit,
			"priority":              plan.Priority,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"plans":   out,
		"current": h.tenants.GetQuota(tenantID).Plan,
	})
}

// Usage returns the caller's own usage snapshot.
func (h *PlanFrontHandler) Usage(c *gin.Context) {
	tenantID := c.GetString(apihttp.ContextTenantKey)
	stats, errStats := h.tenants.GetUsageStats(c.Request.Context(), tenantID)
	if errStats != nil {
		apihttp.AbortWithRejection(c, errStats)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": stats})
}
