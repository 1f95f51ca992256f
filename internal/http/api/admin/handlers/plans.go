package handlers

import (
	"net/http"
	"sort"

	"github.com/churnguard/tenant-governor/internal/tenant"
	"github.com/gin-gonic/gin"
)

// PlanHandler serves the plan tier table.
type PlanHandler struct {
	plans tenant.PlanTable
}

// NewPlanHandler constructs a plan handler.
func NewPlanHandler(plans tenant.PlanTable) *PlanHandler {
	return &PlanHandler{plans: plans}
}

// List returns every plan tier ordered by priority, then name.
func (h *PlanHandler) List(c *gin.Context) {
	out := make([]tenant.Quota, 0, len(h.plans))
	for _, plan := range h.plans {
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Plan < out[j].Plan
	})

	rows := make([]gin.H, 0, len(out))
	for _, plan := range out {
		rows = append(rows, gin.H{
			"name":                  plan.Plan,
			"max_concurrent_calls":  plan.MaxConcurrentCalls,
			"daily_minutes_limit":   plan.DailyMinutesLimit,
			"monthly_minutes_limit": plan.MonthlyMinutesLimit,
			"api_rate_limit":        plan.APIRateLimit,
			"priority":              plan.Priority,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": rows})
}
