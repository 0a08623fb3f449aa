package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/internal/repositories"
	"example.com/bloodsync/services/inventory/internal/services"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

// AlertHandler handles operator alert and reconciliation requests
type AlertHandler struct {
	alerts    *services.AlertService
	inventory *services.InventoryService
	tracer    tracing.Tracer
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(alerts *services.AlertService, inventory *services.InventoryService, tracer tracing.Tracer) *AlertHandler {
	return &AlertHandler{
		alerts:    alerts,
		inventory: inventory,
		tracer:    tracer,
	}
}

// HandleListAlerts returns alerts, newest-triggered first
func (h *AlertHandler) HandleListAlerts(c *gin.Context) {
	filter := repositories.AlertFilter{
		AlertLevel: c.Query("level"),
	}
	if raw := c.Query("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resolved must be true or false"})
			return
		}
		filter.Resolved = &resolved
	}

	alerts, err := h.alerts.ListAlerts(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// HandleCheckAlerts triggers an alert scan outside the worker schedule
func (h *AlertHandler) HandleCheckAlerts(c *gin.Context) {
	txnTrace := h.tracer.StartTransaction("api-alert-check")
	defer h.tracer.EndTransaction(txnTrace)

	created, err := h.alerts.CheckAndCreateAlerts(c.Request.Context())
	if err != nil {
		h.tracer.RecordError(txnTrace, err)
		respondError(c, err)
		return
	}

	log.Info().Int("created", created).Msg("Manual alert scan completed")
	c.JSON(http.StatusOK, gin.H{"alerts_created": created})
}

// HandleReconciliation reports ledger-sum vs aggregate divergence per
// stock key.
func (h *AlertHandler) HandleReconciliation(c *gin.Context) {
	entries, err := h.inventory.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	divergent := 0
	for _, e := range entries {
		if e.Divergence != 0 {
			divergent++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":        entries,
		"checked":        len(entries),
		"divergent_keys": divergent,
	})
}

// RegisterRoutes registers the handler's routes
func (h *AlertHandler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.GET("/alerts", h.HandleListAlerts)
	admin.POST("/alerts/check", h.HandleCheckAlerts)
	admin.GET("/reconciliation", h.HandleReconciliation)
}
