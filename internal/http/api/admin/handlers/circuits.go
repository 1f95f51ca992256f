package handlers

import (
	"net/http"
	"strings"

	"github.com/churnguard/tenant-governor/internal/circuit"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CircuitHandler exposes breaker statistics, history and reset.
type CircuitHandler struct {
	registry *circuit.Registry
	db       *gorm.DB
}

// NewCircuitHandler constructs a CircuitHandler.
func NewCircuitHandler(registry *circuit.Registry, db *gorm.DB) *CircuitHandler {
	return &CircuitHandler{registry: registry, db: db}
}

// List returns a statistics snapshot for every known breaker.
func (h *CircuitHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"circuits": h.registry.Stats()})
}

// eventsQuery limits the event list.
type eventsQuery struct {
	Limit int `form:"limit,default=50"` // Page size.
}

// Events returns recent transitions for one dependency, newest first.
func (h *CircuitHandler) Events(c *gin.Context) {
	var q eventsQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if h.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event history disabled"})
		return
	}
	rows, errList := circuit.ListEvents(c.Request.Context(), h.db, c.Param("name"), q.Limit)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list circuit events failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":          row.ID,
			"dependency":  row.Dependency,
			"from":        row.FromState,
			"to":          row.ToState,
			"stats":       row.Stats,
			"occurred_at": row.OccurredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// Reset forces a breaker closed.
func (h *CircuitHandler) Reset(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if !h.registry.Reset(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "circuit not found"})
		return
	}
	b, _ := h.registry.Lookup(name)
	c.JSON(http.StatusOK, gin.H{"circuit": b.Stats()})
}
