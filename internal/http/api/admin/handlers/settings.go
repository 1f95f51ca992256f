package handlers

import (
	"net/http"

	"github.com/churnguard/tenant-governor/internal/http/api/admin/permissions"
	"github.com/churnguard/tenant-governor/internal/store"
	"github.com/churnguard/tenant-governor/internal/tenant"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports store and database reachability.
type HealthHandler struct {
	store *store.Store
	db    *gorm.DB
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(st *store.Store, db *gorm.DB) *HealthHandler {
	return &HealthHandler{store: st, db: db}
}

// Healthz returns 200 when both backends answer.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	out := gin.H{"store": "ok", "database": "ok"}
	status := http.StatusOK
	if errPing := h.store.Ping(ctx); errPing != nil {
		out["store"] = errPing.Error()
		status = http.StatusServiceUnavailable
	}
	if h.db != nil {
		sqlDB, errDB := h.db.DB()
		if errDB == nil {
			errDB = sqlDB.PingContext(ctx)
		}
		if errDB != nil {
			out["database"] = errDB.Error()
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, out)
}

// ReconcileHandler triggers a slot reconciliation pass.
type ReconcileHandler struct {
	reconciler *tenant.Reconciler
}

// NewReconcileHandler constructs a ReconcileHandler.
func NewReconcileHandler(reconciler *tenant.Reconciler) *ReconcileHandler {
	return &ReconcileHandler{reconciler: reconciler}
}

// Run executes one pass and returns the corrections made.
func (h *ReconcileHandler) Run(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation disabled"})
		return
	}
	report, errRun := h.reconciler.ReconcileOnce(c.Request.Context())
	if errRun != nil {
		storeError(c, errRun, "reconcile failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stale_dropped": report.StaleDropped, "corrected": report.Corrected})
}

// PermissionHandler lists the admin permission definitions.
type PermissionHandler struct{}

// NewPermissionHandler constructs a PermissionHandler.
func NewPermissionHandler() *PermissionHandler {
	return &PermissionHandler{}
}

// List returns every permission definition.
func (h *PermissionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"permissions": permissions.Definitions()})
}
