package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/bloodsync/services/inventory/config"
	"example.com/bloodsync/services/inventory/internal/api"
	"example.com/bloodsync/services/inventory/internal/cache"
	"example.com/bloodsync/services/inventory/internal/database"
	"example.com/bloodsync/services/inventory/internal/metrics"
	"example.com/bloodsync/services/inventory/internal/notify"
	"example.com/bloodsync/services/inventory/internal/repositories"
	"example.com/bloodsync/services/inventory/internal/search"
	"example.com/bloodsync/services/inventory/internal/services"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for hospital transaction ingestion and stock queries`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}
	if redisCache != nil {
		defer redisCache.Close()
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}
	defer tracer.Close()

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()
	metricsCollector.SetHealth("database", true)

	// Initialize repositories
	hospitalRepo := repositories.NewHospitalRepository(db, readOnlyDB)
	ledgerRepo := repositories.NewLedgerRepository(db, readOnlyDB)
	stockRepo := repositories.NewStockRepository(db, readOnlyDB)
	alertRepo := repositories.NewAlertRepository(db, readOnlyDB)
	donorRepo := repositories.NewDonorRepository(readOnlyDB)

	// Initialize services
	notifier := notify.NewNotifier(cfg.Notifier)
	inventoryService := services.NewInventoryService(ledgerRepo, stockRepo, hospitalRepo, redisCache, elasticClient, metricsCollector, tracer)
	alertService := services.NewAlertService(stockRepo, alertRepo, notifier, cfg.Alerts.NotifyPhone, elasticClient, metricsCollector, tracer)
	donorService := services.NewDonorService(donorRepo, hospitalRepo, cfg.Locator, tracer)

	// Initialize and start the server
	server := api.NewServer(cfg, inventoryService, alertService, donorService, metricsCollector, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
