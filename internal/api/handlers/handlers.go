package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/internal/models"
	"example.com/bloodsync/services/inventory/internal/services"
)

const hospitalCtxKey = "hospital"

// hospitalFromContext returns the hospital principal placed in the gin
// context by the hospital auth middleware.
func hospitalFromContext(c *gin.Context) (*models.Hospital, bool) {
	value, exists := c.Get(hospitalCtxKey)
	if !exists {
		return nil, false
	}
	hospital, ok := value.(*models.Hospital)
	return hospital, ok
}

// respondError maps service errors onto HTTP responses. Validation
// problems carry their per-field details; everything unexpected is a 500
// with the detail kept in the logs.
func respondError(c *gin.Context, err error) {
	if ve, ok := services.AsValidationError(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": ve.Fields})
		return
	}

	switch {
	case errors.Is(err, services.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrUpstreamUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
