package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/bloodsync/services/inventory/config"
	"example.com/bloodsync/services/inventory/internal/cache"
	"example.com/bloodsync/services/inventory/internal/database"
	"example.com/bloodsync/services/inventory/internal/messaging"
	"example.com/bloodsync/services/inventory/internal/metrics"
	"example.com/bloodsync/services/inventory/internal/notify"
	"example.com/bloodsync/services/inventory/internal/repositories"
	"example.com/bloodsync/services/inventory/internal/search"
	"example.com/bloodsync/services/inventory/internal/services"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker to consume queued transactions, scan stock thresholds and reconcile the ledger`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

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

	// Initialize repositories
	hospitalRepo := repositories.NewHospitalRepository(db, readOnlyDB)
	ledgerRepo := repositories.NewLedgerRepository(db, readOnlyDB)
	stockRepo := repositories.NewStockRepository(db, readOnlyDB)
	alertRepo := repositories.NewAlertRepository(db, readOnlyDB)

	// Initialize services
	notifier := notify.NewNotifier(cfg.Notifier)
	inventoryService := services.NewInventoryService(ledgerRepo, stockRepo, hospitalRepo, redisCache, elasticClient, metricsCollector, tracer)
	alertService := services.NewAlertService(stockRepo, alertRepo, notifier, cfg.Alerts.NotifyPhone, elasticClient, metricsCollector, tracer)

	// Initialize Azure Service Bus consumer
	azureBus, err := messaging.NewAzureServiceBus(cfg.Azure)
	if err != nil {
		return err
	}
	defer func() {
		if err := azureBus.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Service Bus client")
		}
	}()

	// Consume queued transactions from hospital integrations
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting Azure Service Bus processor")
		return azureBus.ProcessMessages(ctx, inventoryService.ProcessQueueMessage)
	})

	// Periodic alert scan, shortage notifications and ledger reconciliation
	g.Go(func() error {
		log.Info().Dur("interval", cfg.Alerts.ScanInterval).Msg("Starting stock alert scan job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Alerts.ScanInterval),
			gocron.NewTask(func() {
				created, err := alertService.CheckAndCreateAlerts(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Alert scan failed")
					return
				}
				if created > 0 {
					log.Info().Int("created", created).Msg("Alert scan raised new alerts")
				}

				sent, failed, err := alertService.NotifyOpenAlerts(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Alert notification pass failed")
				} else if sent > 0 || failed > 0 {
					log.Info().Int("sent", sent).Int("failed", failed).Msg("Alert notifications dispatched")
				}

				entries, err := inventoryService.Reconcile(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Ledger reconciliation failed")
					return
				}
				for _, e := range entries {
					log.Warn().
						Str("hospital_code", e.HospitalCode).
						Str("blood_group", e.BloodGroup).
						Str("product_type", e.ProductType).
						Int64("ledger_sum", e.LedgerSum).
						Int("units_available", e.UnitsAvailable).
						Msg("Stock aggregate diverges from ledger")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shut down")
	return nil
}
