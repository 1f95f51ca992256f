package admin

import (
	"net/http"
	"strings"

	"github.com/churnguard/tenant-governor/internal/config"
	"github.com/churnguard/tenant-governor/internal/governor"
	handlers "github.com/churnguard/tenant-governor/internal/http/api/admin/handlers"
	"github.com/churnguard/tenant-governor/internal/http/api/admin/permissions"
	"github.com/churnguard/tenant-governor/internal/security"
	"github.com/churnguard/tenant-governor/internal/store"
	"github.com/churnguard/tenant-governor/internal/tenant"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Context keys set by adminAuthMiddleware.
const (
	ContextAdminSubject     = "adminSubject"
	ContextAdminPermissions = "adminPermissions"
	ContextAdminSuperAdmin  = "adminIsSuperAdmin"
)

// Deps carries the collaborators the admin routes operate on.
type Deps struct {
	Governor   *governor.Governor
	Store      *store.Store
	DB         *gorm.DB
	Reconciler *tenant.Reconciler
	Metrics    *governor.Metrics
}

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, deps Deps, jwtCfg config.JWTConfig) {
	if r == nil || deps.Governor == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.Store, deps.DB)
	r.GET("/healthz", healthHandler.Healthz)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authed := r.Group("/v0/admin")
	authed.Use(adminAuthMiddleware(jwtCfg))
	authed.Use(adminPermissionMiddleware())

	planHandler := handlers.NewPlanHandler(deps.Governor.Tenants().Quotas().Plans())
	authed.GET("/plans", planHandler.List)

	quotaHandler := handlers.NewQuotaHandler(deps.Governor)
	authed.GET("/tenants/:tenant/quota", quotaHandler.Get)
	authed.PUT("/tenants/:tenant/quota", quotaHandler.Set)
	authed.PUT("/tenants/:tenant/plan", quotaHandler.AssignPlan)
	authed.GET("/tenants/:tenant/usage", quotaHandler.Usage)
	authed.POST("/tenants/:tenant/slots/release", quotaHandler.ReleaseSlot)
	authed.GET("/tenants/:tenant/rate-limits/:resource", quotaHandler.RateLimitUsage)
	authed.DELETE("/tenants/:tenant/rate-limits/:resource", quotaHandler.ResetRateLimit)

	reconcileHandler := handlers.NewReconcileHandler(deps.Reconciler)
	authed.POST("/reconcile", reconcileHandler.Run)

	circuitHandler := handlers.NewCircuitHandler(deps.Governor.Breakers(), deps.DB)
	authed.GET("/circuits", circuitHandler.List)
	authed.GET("/circuits/:name/events", circuitHandler.Events)
	authed.POST("/circuits/:name/reset", circuitHandler.Reset)

	if deps.Governor.Queue() != nil {
		queueHandler := handlers.NewQueueHandler(deps.Governor)
		authed.GET("/queue", queueHandler.Length)
		authed.POST("/queue", queueHandler.Enqueue)
		authed.GET("/queue/:tenant/:item", queueHandler.Position)
		authed.DELETE("/queue/:tenant/:item", queueHandler.Remove)
	}

	permissionHandler := handlers.NewPermissionHandler()
	authed.GET("/permissions", permissionHandler.List)
}

// adminAuthMiddleware validates admin JWTs and loads admin context.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextAdminSubject, claims.Subject)
		c.Set(ContextAdminPermissions, permissions.NormalizePermissions(claims.Permissions))
		c.Set(ContextAdminSuperAdmin, claims.SuperAdmin)
		c.Next()
	}
}

// adminPermissionMiddleware rejects routes the token does not grant.
func adminPermissionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool(ContextAdminSuperAdmin) {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		key := permissions.Key(c.Request.Method, route)
		granted, _ := c.Get(ContextAdminPermissions)
		perms, _ := granted.([]string)
		if !permissions.HasPermission(perms, key) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied", "permission": key})
			return
		}
		c.Next()
	}
}
