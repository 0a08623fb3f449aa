package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/internal/services"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

// DonorHandler handles donor proximity search requests. Results carry
// donor contact details, so every route sits behind the admin key.
type DonorHandler struct {
	donors *services.DonorService
	tracer tracing.Tracer
}

// NewDonorHandler creates a new donor handler
func NewDonorHandler(donors *services.DonorService, tracer tracing.Tracer) *DonorHandler {
	return &DonorHandler{
		donors: donors,
		tracer: tracer,
	}
}

// RadiusSearchRequest is a point-centered donor search
type RadiusSearchRequest struct {
	Latitude    float64 `json:"latitude" binding:"required"`
	Longitude   float64 `json:"longitude" binding:"required"`
	BloodGroup  string  `json:"blood_group" binding:"required"`
	StartRadius float64 `json:"start_radius_meters"`
	MaxRadius   float64 `json:"max_radius_meters"`
}

// HandleRadiusSearch finds donors near an arbitrary point, expanding the
// radius until the first match.
func (h *DonorHandler) HandleRadiusSearch(c *gin.Context) {
	txnTrace := h.tracer.StartTransaction("api-donor-radius-search")
	defer h.tracer.EndTransaction(txnTrace)

	var req RadiusSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.donors.FindDonorsWithinRadius(c.Request.Context(), req.Latitude, req.Longitude, req.BloodGroup, req.StartRadius, req.MaxRadius)
	if err != nil {
		h.tracer.RecordError(txnTrace, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleLocateDonors runs a hospital-origin donor search with cooldown
// eligibility and optional city allow-list.
func (h *DonorHandler) HandleLocateDonors(c *gin.Context) {
	txnTrace := h.tracer.StartTransaction("api-donor-locate")
	defer h.tracer.EndTransaction(txnTrace)

	var req services.LocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.donors.LocateNearbyDonors(c.Request.Context(), req)
	if err != nil {
		h.tracer.RecordError(txnTrace, err)
		respondError(c, err)
		return
	}

	log.Info().
		Str("hospital_code", result.Hospital.Code).
		Str("blood_group", req.BloodGroup).
		Int("matched", len(result.Donors)).
		Float64("radius_used_km", result.RadiusUsedKm).
		Msg("Donor locate completed")

	c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers the handler's routes
func (h *DonorHandler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.POST("/donors/radius", h.HandleRadiusSearch)
	admin.POST("/donors/locate", h.HandleLocateDonors)
}
