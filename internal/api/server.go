package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/config"
	"example.com/bloodsync/services/inventory/internal/api/handlers"
	"example.com/bloodsync/services/inventory/internal/metrics"
	"example.com/bloodsync/services/inventory/internal/services"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	inventory  *services.InventoryService
	alerts     *services.AlertService
	donors     *services.DonorService
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	inventory *services.InventoryService,
	alerts *services.AlertService,
	donors *services.DonorService,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	server := &Server{
		config:    cfg,
		inventory: inventory,
		alerts:    alerts,
		donors:    donors,
		metrics:   metricsCollector,
		tracer:    tracer,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      server.router,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(CORSMiddleware())
	router.Use(LoggingMiddleware())

	v1 := router.Group("/api/v1")
	hospital := v1.Group("/")
	hospital.Use(HospitalAuthMiddleware(s.inventory))
	admin := v1.Group("/admin")
	admin.Use(AdminAuthMiddleware(s.config.AdminAPIKey))

	transactionHandler := handlers.NewTransactionHandler(s.inventory, s.tracer)
	transactionHandler.RegisterRoutes(v1, hospital, admin)

	stockHandler := handlers.NewStockHandler(s.inventory, s.tracer)
	stockHandler.RegisterRoutes(v1, hospital)

	alertHandler := handlers.NewAlertHandler(s.alerts, s.inventory, s.tracer)
	alertHandler.RegisterRoutes(admin)

	donorHandler := handlers.NewDonorHandler(s.donors, s.tracer)
	donorHandler.RegisterRoutes(admin)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.tracer)
	metricsHandler.RegisterRoutes(router)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
