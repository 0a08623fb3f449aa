package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/internal/repositories"
	"example.com/bloodsync/services/inventory/internal/services"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

// TransactionHandler handles ledger ingestion and read requests
type TransactionHandler struct {
	inventory *services.InventoryService
	tracer    tracing.Tracer
}

// NewTransactionHandler creates a new transaction handler
func NewTransactionHandler(inventory *services.InventoryService, tracer tracing.Tracer) *TransactionHandler {
	return &TransactionHandler{
		inventory: inventory,
		tracer:    tracer,
	}
}

// IngestResponse acknowledges an accepted inventory transaction
type IngestResponse struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	UnitsAvailable int       `json:"units_available"`
	Message        string    `json:"message"`
	Timestamp      string    `json:"timestamp"`
}

// HandleIngestTransaction accepts one inventory change from an
// authenticated hospital. The transaction is durably recorded before the
// response, so the acknowledgement is a 202.
func (h *TransactionHandler) HandleIngestTransaction(c *gin.Context) {
	txnTrace := h.tracer.StartTransaction("api-ingest-transaction")
	defer h.tracer.EndTransaction(txnTrace)

	hospital, ok := hospitalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload services.IngestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Warn().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txnTrace, err)
		return
	}

	h.tracer.AddAttribute(txnTrace, "hospital_code", hospital.Code)
	h.tracer.AddAttribute(txnTrace, "blood_group", payload.BloodGroup)

	txn, stock, err := h.inventory.Ingest(c.Request.Context(), hospital, payload)
	if err != nil {
		h.tracer.RecordError(txnTrace, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, IngestResponse{
		TransactionID:  txn.ID,
		UnitsAvailable: stock.UnitsAvailable,
		Message:        "Transaction recorded",
		Timestamp:      time.Now().Format(time.RFC3339),
	})
}

// HandleListTransactions returns ledger entries, newest first
func (h *TransactionHandler) HandleListTransactions(c *gin.Context) {
	filter := repositories.TransactionFilter{
		BloodGroup: c.Query("blood_group"),
		Limit:      100,
	}

	if raw := c.Query("hospital_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hospital_id"})
			return
		}
		filter.HospitalID = &id
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		filter.Limit = limit
	}

	txns, err := h.inventory.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

// HandleSearchTransactions runs a free-text search over indexed ledger
// entries.
func (h *TransactionHandler) HandleSearchTransactions(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}

	hits, err := h.inventory.SearchTransactions(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": hits, "count": len(hits)})
}

// RegisterRoutes registers the handler's routes
func (h *TransactionHandler) RegisterRoutes(public *gin.RouterGroup, hospital *gin.RouterGroup, admin *gin.RouterGroup) {
	hospital.POST("/transactions", h.HandleIngestTransaction)
	public.GET("/transactions", h.HandleListTransactions)
	admin.GET("/transactions/search", h.HandleSearchTransactions)
}
