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

// StockHandler handles stock aggregate queries
type StockHandler struct {
	inventory *services.InventoryService
	tracer    tracing.Tracer
}

// NewStockHandler creates a new stock handler
func NewStockHandler(inventory *services.InventoryService, tracer tracing.Tracer) *StockHandler {
	return &StockHandler{
		inventory: inventory,
		tracer:    tracer,
	}
}

// HandleListStock returns current stock rows for active hospitals
func (h *StockHandler) HandleListStock(c *gin.Context) {
	filter := repositories.StockFilter{
		BloodGroup:  c.Query("blood_group"),
		ProductType: c.Query("product_type"),
		City:        c.Query("city"),
	}
	if raw := c.Query("min_units"); raw != "" {
		min, err := strconv.Atoi(raw)
		if err != nil || min < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_units must be a non-negative integer"})
			return
		}
		filter.MinUnits = min
	}

	stock, err := h.inventory.ListStock(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stock": stock, "count": len(stock)})
}

// HandleNationalStatistics returns the region-wide per-blood-group aggregate
func (h *StockHandler) HandleNationalStatistics(c *gin.Context) {
	txnTrace := h.tracer.StartTransaction("api-national-statistics")
	defer h.tracer.EndTransaction(txnTrace)

	stats, err := h.inventory.GetNationalStatistics(c.Request.Context())
	if err != nil {
		h.tracer.RecordError(txnTrace, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// HandleCityAvailability returns the per-blood-group aggregate for a city
func (h *StockHandler) HandleCityAvailability(c *gin.Context) {
	txnTrace := h.tracer.StartTransaction("api-city-availability")
	defer h.tracer.EndTransaction(txnTrace)

	city := c.Param("city")
	h.tracer.AddAttribute(txnTrace, "city", city)

	availability, err := h.inventory.GetCityAvailability(c.Request.Context(), city)
	if err != nil {
		h.tracer.RecordError(txnTrace, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, availability)
}

// HandleStockSummary returns the authenticated hospital's own stock
// overview across all blood groups.
func (h *StockHandler) HandleStockSummary(c *gin.Context) {
	hospital, ok := hospitalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	summary, err := h.inventory.GetStockSummary(c.Request.Context(), hospital.ID)
	if err != nil {
		log.Error().Err(err).Str("hospital_code", hospital.Code).Msg("Failed to build stock summary")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// RegisterRoutes registers the handler's routes
func (h *StockHandler) RegisterRoutes(public *gin.RouterGroup, hospital *gin.RouterGroup) {
	public.GET("/stock", h.HandleListStock)
	public.GET("/stock/availability/:city", h.HandleCityAvailability)
	public.GET("/stock/statistics", h.HandleNationalStatistics)
	hospital.GET("/stock/summary", h.HandleStockSummary)
}
