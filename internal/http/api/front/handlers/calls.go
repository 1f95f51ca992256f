package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/governor"
	apihttp "github.com/churnguard/tenant-governor/internal/http"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// CallHandler admits and ends calls over HTTP. Open sessions live in process
// memory; a restart leaks their slots until the ledger rows age past the slot TTL.
type CallHandler struct {
	gov *governor.Governor

	mu       sync.Mutex
	sessions map[string]*governor.CallSession
}

// NewCallHandler constructs a CallHandler.
func NewCallHandler(gov *governor.Governor) *CallHandler {
	return &CallHandler{gov: gov, sessions: make(map[string]*governor.CallSession)}
}

// Start admits a call for the caller's tenant.
func (h *CallHandler) Start(c *gin.Context) {
	tenantID := c.GetString(apihttp.ContextTenantKey)
	session, errAdmit := h.gov.AdmitCall(c.Request.Context(), tenantID)
	if errAdmit != nil {
		apihttp.AbortWithRejection(c, errAdmit)
		return
	}

	h.mu.Lock()
	h.sessions[session.CallID] = session
	h.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{
		"call_id":    session.CallID,
		"tenant_id":  session.TenantID,
		"started_at": session.StartedAt,
		"degraded":   session.Degraded,
	})
}

// endCallRequest reports the call's billable length.
type endCallRequest struct {
	DurationSeconds *float64 `json:"duration_seconds"` // Defaults to wall time since admission.
}

// End releases the call's slot and records its minutes.
func (h *CallHandler) End(c *gin.Context) {
	tenantID := c.GetString(apihttp.ContextTenantKey)
	callID := strings.TrimSpace(c.Param("id"))

	var body endCallRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if body.DurationSeconds != nil {
		switch seconds := *body.DurationSeconds; {
		case seconds < 0:
			c.JSON(http.StatusBadRequest, gin.H{"error": "duration_seconds must not be negative"})
			return
		case seconds > internalsettings.MaxReportedCallDuration.Seconds():
			c.JSON(http.StatusBadRequest, gin.H{
				"error":       "duration_seconds exceeds the maximum call length",
				"max_seconds": int(internalsettings.MaxReportedCallDuration.Seconds()),
			})
			return
		}
	}

	h.mu.Lock()
	session, ok := h.sessions[callID]
	if ok && session.TenantID == tenantID {
		delete(h.sessions, callID)
	}
	h.mu.Unlock()
	if !ok || session.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	duration := time.Since(session.StartedAt)
	if body.DurationSeconds != nil {
		duration = time.Duration(*body.DurationSeconds * float64(time.Second))
	}
	usage, errEnd := session.End(c.Request.Context(), duration)
	if errEnd != nil {
		log.WithError(errEnd).WithFields(log.Fields{
			"tenant_id": tenantID,
			"call_id":   callID,
		}).Warn("front: end call incomplete")
	}
	c.JSON(http.StatusOK, gin.H{
		"call_id": callID,
		"minutes": duration.Minutes(),
		"usage":   usage,
	})
}

// Open returns the number of sessions this process is tracking.
func (h *CallHandler) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// deferRequest captures work the caller wants dispatched later.
type deferRequest struct {
	ItemID   string `json:"item_id"`  // Caller-chosen item identifier.
	Priority *int   `json:"priority"` // Optional, defaults to the plan priority.
}

// Defer enqueues work for the caller's tenant.
func (h *CallHandler) Defer(c *gin.Context) {
	tenantID := c.GetString(apihttp.ContextTenantKey)
	var body deferRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || strings.TrimSpace(body.ItemID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "item_id is required"})
		return
	}
	pos, errDefer := h.gov.Defer(c.Request.Context(), tenantID, body.ItemID, body.Priority)
	if errDefer != nil {
		if admission.KindOf(errDefer) == admission.KindNone {
			c.JSON(http.StatusBadRequest, gin.H{"error": errDefer.Error()})
			return
		}
		apihttp.AbortWithRejection(c, errDefer)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"item_id": body.ItemID, "position": pos})
}
