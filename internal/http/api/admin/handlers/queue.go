package handlers

import (
	"net/http"
	"strings"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/governor"
	"github.com/gin-gonic/gin"
)

// QueueHandler exposes fair queue length, position and membership.
type QueueHandler struct {
	gov *governor.Governor
}

// NewQueueHandler constructs a QueueHandler.
func NewQueueHandler(gov *governor.Governor) *QueueHandler {
	return &QueueHandler{gov: gov}
}

// enqueueRequest captures a deferred work item.
type enqueueRequest struct {
	TenantID string `json:"tenant_id"` // Owning tenant.
	ItemID   string `json:"item_id"`   // Caller-chosen item identifier.
	Priority *int   `json:"priority"`  // Optional priority, defaults to the tenant's plan.
}

// Length returns the total pending count, or one tenant's with ?tenant_id=.
func (h *QueueHandler) Length(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Query("tenant_id"))
	n, errLen := h.gov.Queue().Len(c.Request.Context(), tenantID)
	if errLen != nil {
		storeError(c, errLen, "queue length failed")
		return
	}
	out := gin.H{"length": n}
	if tenantID != "" {
		out["tenant_id"] = tenantID
	}
	c.JSON(http.StatusOK, out)
}

// Enqueue defers an item and returns its position.
func (h *QueueHandler) Enqueue(c *gin.Context) {
	var body enqueueRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.TenantID) == "" || strings.TrimSpace(body.ItemID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and item_id are required"})
		return
	}
	pos, errDefer := h.gov.Defer(c.Request.Context(), body.TenantID, body.ItemID, body.Priority)
	if errDefer != nil {
		if admission.KindOf(errDefer) == admission.KindNone {
			c.JSON(http.StatusBadRequest, gin.H{"error": errDefer.Error()})
			return
		}
		storeError(c, errDefer, "enqueue failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"tenant_id": body.TenantID, "item_id": body.ItemID, "position": pos})
}

// Position returns the item's rank, 0 being next.
func (h *QueueHandler) Position(c *gin.Context) {
	tenantID, itemID := c.Param("tenant"), c.Param("item")
	pos, ok, errPos := h.gov.Queue().Position(c.Request.Context(), tenantID, itemID)
	if errPos != nil {
		storeError(c, errPos, "queue position failed")
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "item_id": itemID, "position": pos})
}

// Remove drops a queued item.
func (h *QueueHandler) Remove(c *gin.Context) {
	removed, errRemove := h.gov.Queue().Remove(c.Request.Context(), c.Param("tenant"), c.Param("item"))
	if errRemove != nil {
		storeError(c, errRemove, "remove failed")
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "item not queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
