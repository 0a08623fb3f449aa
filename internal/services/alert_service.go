package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/internal/metrics"
	"example.com/bloodsync/services/inventory/internal/models"
	"example.com/bloodsync/services/inventory/internal/notify"
	"example.com/bloodsync/services/inventory/internal/repositories"
	"example.com/bloodsync/services/inventory/internal/search"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

// Alert thresholds, ascending severity. A key below a threshold carries at
// most one open alert at the highest matching severity.
const (
	emergencyThreshold = 3
	criticalThreshold  = 5
	lowThreshold       = 15
	moderateThreshold  = 30
)

// AlertStore is the alert access the engine needs
type AlertStore interface {
	FindOpen(ctx context.Context, hospitalID uuid.UUID, bloodGroup string) (*models.StockAlert, error)
	Create(ctx context.Context, alert *models.StockAlert) error
	ResolveOpen(ctx context.Context, hospitalID uuid.UUID, bloodGroup string, at time.Time) error
	List(ctx context.Context, filter repositories.AlertFilter) ([]models.StockAlert, error)
	ListOpenUnnotified(ctx context.Context) ([]models.StockAlert, error)
	MarkNotified(ctx context.Context, id uuid.UUID) error
	CountOpen(ctx context.Context) (int64, error)
}

// AlertService scans the materialized stock view and drives the alert
// lifecycle. Scans tolerate reading slightly stale stock; an alert raised on
// stale data corrects itself on the next scan.
type AlertService struct {
	stock    StockStore
	alerts   AlertStore
	notifier notify.Notifier
	// Ops phone number the shortage notifications go to
	notifyPhone string
	elastic     *search.ElasticClient
	metrics     *metrics.Metrics
	tracer      tracing.Tracer
}

// NewAlertService creates a new alert service
func NewAlertService(
	stock StockStore,
	alerts AlertStore,
	notifier notify.Notifier,
	notifyPhone string,
	elasticClient *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *AlertService {
	return &AlertService{
		stock:       stock,
		alerts:      alerts,
		notifier:    notifier,
		notifyPhone: notifyPhone,
		elastic:     elasticClient,
		metrics:     metricsCollector,
		tracer:      tracer,
	}
}

// ClassifyUnits maps a unit count to an alert level and its threshold.
// Level is empty when no threshold applies. Emergency takes precedence over
// critical over low.
func ClassifyUnits(units int) (level string, threshold int) {
	switch {
	case units < emergencyThreshold:
		return models.AlertLevelEmergency, emergencyThreshold
	case units < criticalThreshold:
		return models.AlertLevelCritical, criticalThreshold
	case units < lowThreshold:
		return models.AlertLevelLow, lowThreshold
	default:
		return "", 0
	}
}

// StockStatus is the presentational five-band label for a unit count. It is
// intentionally coarser than the alert engine: MODERATE and GOOD have no
// alert counterpart.
func StockStatus(units int) string {
	switch {
	case units < emergencyThreshold:
		return "EMERGENCY"
	case units < criticalThreshold:
		return "CRITICAL"
	case units < lowThreshold:
		return "LOW"
	case units < moderateThreshold:
		return "MODERATE"
	default:
		return "GOOD"
	}
}

// CheckAndCreateAlerts runs one full idempotent scan over the stock view.
// For every row: open an alert when stock sits below a threshold and no open
// alert exists for the (hospital, blood group) key; resolve the open alert
// when stock clears every threshold. An open alert is never downgraded in
// place as stock partially recovers; it resolves fully or stays at the level
// it was raised with. Returns the number of alerts created.
func (s *AlertService) CheckAndCreateAlerts(ctx context.Context) (int, error) {
	txn := s.tracer.StartTransaction("alert-scan")
	defer s.tracer.EndTransaction(txn)

	stocks, err := s.stock.ListAll(ctx)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return 0, err
	}

	created := 0
	for i := range stocks {
		stock := stocks[i]
		level, threshold := ClassifyUnits(stock.UnitsAvailable)

		if level == "" {
			if err := s.alerts.ResolveOpen(ctx, stock.HospitalID, stock.BloodGroup, time.Now()); err != nil {
				s.tracer.RecordError(txn, err)
				return created, err
			}
			continue
		}

		existing, err := s.alerts.FindOpen(ctx, stock.HospitalID, stock.BloodGroup)
		if err != nil {
			s.tracer.RecordError(txn, err)
			return created, err
		}
		if existing != nil {
			continue
		}

		alert := &models.StockAlert{
			ID:           uuid.New(),
			HospitalID:   stock.HospitalID,
			BloodGroup:   stock.BloodGroup,
			AlertLevel:   level,
			Threshold:    threshold,
			CurrentUnits: stock.UnitsAvailable,
			TriggeredAt:  time.Now(),
		}
		if err := s.alerts.Create(ctx, alert); err != nil {
			s.tracer.RecordError(txn, err)
			return created, err
		}
		created++

		log.Warn().
			Str("hospital", stock.Hospital.Code).
			Str("blood_group", stock.BloodGroup).
			Str("level", level).
			Int("units", stock.UnitsAvailable).
			Msg("Stock alert raised")

		if s.elastic != nil {
			if err := s.elastic.IndexAlert(ctx, alert, &stock.Hospital); err != nil {
				log.Warn().Err(err).Str("alert_id", alert.ID.String()).Msg("Failed to index alert")
			}
		}
	}

	s.metrics.IncrementCounter("alert_scans")
	if open, err := s.alerts.CountOpen(ctx); err == nil {
		s.metrics.SetGauge("open_alerts", open)
	}

	log.Info().Int("created", created).Int("rows_scanned", len(stocks)).Msg("Alert scan completed")
	return created, nil
}

// NotifyOpenAlerts dispatches notifications for open alerts that have not
// been sent yet. Sink failures are logged and summarized; they never abort
// the pass or the writes that raised the alerts.
func (s *AlertService) NotifyOpenAlerts(ctx context.Context) (sent, failed int, err error) {
	alerts, err := s.alerts.ListOpenUnnotified(ctx)
	if err != nil {
		return 0, 0, err
	}

	for i := range alerts {
		alert := alerts[i]
		message := fmt.Sprintf(
			"BLOODSYNC %s ALERT. Hospital: %s (%s). Blood group: %s. Current stock: %d units (threshold %d). Arrange collection or transfer from nearby facilities.",
			alert.AlertLevel, alert.Hospital.Name, alert.Hospital.City,
			alert.BloodGroup, alert.CurrentUnits, alert.Threshold,
		)

		if err := s.notifier.Send(ctx, s.notifyPhone, message); err != nil {
			failed++
			log.Error().Err(err).
				Str("alert_id", alert.ID.String()).
				Str("provider", s.notifier.Provider()).
				Msg("Failed to send alert notification")
			continue
		}

		if err := s.alerts.MarkNotified(ctx, alert.ID); err != nil {
			log.Error().Err(err).Str("alert_id", alert.ID.String()).Msg("Failed to mark alert notified")
			continue
		}
		sent++
		s.metrics.IncrementCounter("alert_notifications_sent")
	}

	if sent > 0 || failed > 0 {
		log.Info().Int("sent", sent).Int("failed", failed).Msg("Alert notification pass completed")
	}
	return sent, failed, nil
}

// ListAlerts returns alerts for the admin surface
func (s *AlertService) ListAlerts(ctx context.Context, filter repositories.AlertFilter) ([]models.StockAlert, error) {
	return s.alerts.List(ctx, filter)
}
