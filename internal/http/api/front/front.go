package front

import (
	"github.com/churnguard/tenant-governor/internal/governor"
	apihttp "github.com/churnguard/tenant-governor/internal/http"
	handlers "github.com/churnguard/tenant-governor/internal/http/api/front/handlers"
	"github.com/gin-gonic/gin"
)

// RegisterFrontRoutes registers tenant-facing routes behind the api rate limit.
func RegisterFrontRoutes(r *gin.Engine, gov *governor.Governor) *handlers.CallHandler {
	if r == nil || gov == nil {
		return nil
	}

	group := r.Group("/v1")
	group.Use(apihttp.RateLimit(gov))

	planHandler := handlers.NewPlanFrontHandler(gov.Tenants())
	group.GET("/plans", planHandler.List)
	group.GET("/usage", planHandler.Usage)

	callHandler := handlers.NewCallHandler(gov)
	group.POST("/calls", callHandler.Start)
	group.POST("/calls/:id/end", callHandler.End)
	if gov.Queue() != nil {
		group.POST("/queue", callHandler.Defer)
	}
	return callHandler
}
