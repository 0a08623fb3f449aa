package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/internal/cache"
	"example.com/bloodsync/services/inventory/internal/metrics"
	"example.com/bloodsync/services/inventory/internal/models"
	"example.com/bloodsync/services/inventory/internal/repositories"
	"example.com/bloodsync/services/inventory/internal/search"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

// LedgerStore is the ledger access the inventory service needs
type LedgerStore interface {
	Ingest(ctx context.Context, txn *models.Transaction) (*models.BloodStock, error)
	List(ctx context.Context, filter repositories.TransactionFilter) ([]models.Transaction, error)
	SumDeltas(ctx context.Context, hospitalID uuid.UUID, bloodGroup, productType string) (int64, error)
}

// StockStore is the materialized-view access the inventory service needs
type StockStore interface {
	Get(ctx context.Context, hospitalID uuid.UUID, bloodGroup, productType string) (*models.BloodStock, error)
	ListByHospital(ctx context.Context, hospitalID uuid.UUID) ([]models.BloodStock, error)
	List(ctx context.Context, filter repositories.StockFilter) ([]models.BloodStock, error)
	AggregateByCity(ctx context.Context, city string) ([]repositories.CityAggregate, error)
	ListAll(ctx context.Context) ([]models.BloodStock, error)
}

// HospitalStore is the hospital access the inventory service needs
type HospitalStore interface {
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.Hospital, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Hospital, error)
	GetByCode(ctx context.Context, code string) (*models.Hospital, error)
	ListActive(ctx context.Context, city string) ([]models.Hospital, error)
}

// InventoryService owns the ingestion path and stock queries
type InventoryService struct {
	ledger    LedgerStore
	stock     StockStore
	hospitals HospitalStore
	cache     *cache.RedisCache
	elastic   *search.ElasticClient
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
	locks     *keyedMutex
}

// NewInventoryService creates a new inventory service
func NewInventoryService(
	ledger LedgerStore,
	stock StockStore,
	hospitals HospitalStore,
	redisCache *cache.RedisCache,
	elasticClient *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *InventoryService {
	return &InventoryService{
		ledger:    ledger,
		stock:     stock,
		hospitals: hospitals,
		cache:     redisCache,
		elastic:   elasticClient,
		metrics:   metricsCollector,
		tracer:    tracer,
		locks:     newKeyedMutex(),
	}
}

// HashAPIKey derives the stored credential fingerprint from a raw key.
// Only the fingerprint is ever persisted.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// AuthenticateHospital resolves a raw bearer key to an active hospital.
// The principal is a hospital, never a user session.
func (s *InventoryService) AuthenticateHospital(ctx context.Context, rawKey string) (*models.Hospital, error) {
	if rawKey == "" {
		return nil, ErrUnauthorized
	}
	hospital, err := s.hospitals.GetByAPIKeyHash(ctx, HashAPIKey(rawKey))
	if err != nil {
		return nil, err
	}
	if hospital == nil {
		return nil, ErrUnauthorized
	}
	return hospital, nil
}

// IngestPayload is one inventory change submitted by a hospital system
type IngestPayload struct {
	BloodGroup      string `json:"blood_group"`
	ProductType     string `json:"product_type"`
	UnitsChange     int    `json:"units_change"`
	Timestamp       string `json:"timestamp"`
	SourceReference string `json:"source_reference"`
	Notes           string `json:"notes"`
}

func (p *IngestPayload) validate() (time.Time, error) {
	fields := map[string]string{}

	if !models.IsValidBloodGroup(p.BloodGroup) {
		fields["blood_group"] = fmt.Sprintf("must be one of %s", strings.Join(models.BloodGroups, ", "))
	}
	if p.ProductType != "" && !models.IsValidBloodProduct(p.ProductType) {
		fields["product_type"] = fmt.Sprintf("must be one of %s", strings.Join(models.BloodProducts, ", "))
	}

	var ts time.Time
	if p.Timestamp == "" {
		fields["timestamp"] = "is required"
	} else {
		var err error
		ts, err = time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			fields["timestamp"] = "must be an ISO-8601 datetime"
		}
	}

	if len(p.SourceReference) > 100 {
		fields["source_reference"] = "must be at most 100 characters"
	}
	if len(p.Notes) > 255 {
		fields["notes"] = "must be at most 255 characters"
	}

	if len(fields) > 0 {
		return time.Time{}, NewValidationError(fields)
	}
	return ts, nil
}

func stockKey(hospitalID uuid.UUID, bloodGroup, productType string) string {
	return hospitalID.String() + "|" + bloodGroup + "|" + productType
}

// Ingest validates one transaction and applies it: one immutable ledger row
// plus the clamped stock update, committed together. The ledger append is
// never rejected for business reasons; only malformed input or
// infrastructure failure can refuse it. Search indexing and cache
// invalidation happen after commit and never fail the ingestion.
func (s *InventoryService) Ingest(ctx context.Context, hospital *models.Hospital, payload IngestPayload) (*models.Transaction, *models.BloodStock, error) {
	txnTrace := s.tracer.StartTransaction("ingest-transaction")
	defer s.tracer.EndTransaction(txnTrace)

	start := time.Now()

	ts, err := payload.validate()
	if err != nil {
		s.metrics.IncrementCounter("ingest_validation_failures")
		return nil, nil, err
	}

	productType := payload.ProductType
	if productType == "" {
		productType = models.ProductWholeBlood
	}

	s.tracer.AddAttribute(txnTrace, "hospital_code", hospital.Code)
	s.tracer.AddAttribute(txnTrace, "blood_group", payload.BloodGroup)
	s.tracer.AddAttribute(txnTrace, "units_change", payload.UnitsChange)

	txn := &models.Transaction{
		ID:              uuid.New(),
		HospitalID:      hospital.ID,
		BloodGroup:      payload.BloodGroup,
		ProductType:     productType,
		UnitsChange:     payload.UnitsChange,
		Timestamp:       ts,
		IngestedAt:      time.Now(),
		SourceReference: payload.SourceReference,
		Notes:           payload.Notes,
	}

	// Serialize ingestion per stock key. Distinct keys proceed concurrently.
	unlock := s.locks.Lock(stockKey(hospital.ID, payload.BloodGroup, productType))
	stock, err := s.ledger.Ingest(ctx, txn)
	unlock()
	if err != nil {
		s.metrics.IncrementCounter("ingest_failures")
		s.tracer.RecordError(txnTrace, err)
		return nil, nil, err
	}

	s.metrics.IncrementCounter("transactions_ingested")
	s.metrics.RecordTimer("ingest_duration_ms", time.Since(start).Milliseconds())

	log.Info().
		Str("transaction_id", txn.ID.String()).
		Str("hospital", hospital.Code).
		Str("blood_group", txn.BloodGroup).
		Int("units_change", txn.UnitsChange).
		Int("units_available", stock.UnitsAvailable).
		Msg("Transaction ingested")

	if s.elastic != nil {
		if err := s.elastic.IndexTransaction(ctx, txn, hospital); err != nil {
			log.Warn().Err(err).Str("transaction_id", txn.ID.String()).Msg("Failed to index transaction")
			s.tracer.RecordError(txnTrace, err)
		}
	}

	s.invalidateCityCache(ctx, hospital.City)
	s.invalidateHospitalCache(ctx, hospital.ID)

	return txn, stock, nil
}

func (s *InventoryService) invalidateCityCache(ctx context.Context, city string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.CityAvailabilityKey(city)); err != nil {
		log.Debug().Err(err).Str("city", city).Msg("Failed to invalidate city cache")
	}
}

func (s *InventoryService) invalidateHospitalCache(ctx context.Context, hospitalID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.HospitalStockKey(hospitalID)); err != nil {
		log.Debug().Err(err).Str("hospital_id", hospitalID.String()).Msg("Failed to invalidate hospital stock cache")
	}
}

// QueueTransactionMessage is the wire format hospital integrations push to
// the service bus queue. Identical to the HTTP payload plus the hospital code.
type QueueTransactionMessage struct {
	HospitalCode string `json:"hospital_code"`
	IngestPayload
}

// ProcessQueueMessage applies one queued transaction through the same
// pipeline as the HTTP endpoint. A returned error abandons the message.
func (s *InventoryService) ProcessQueueMessage(ctx context.Context, body []byte) error {
	var msg QueueTransactionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return errors.Wrap(err, "malformed queue message")
	}

	hospital, err := s.hospitals.GetByCode(ctx, msg.HospitalCode)
	if err != nil {
		return err
	}
	if hospital == nil || !hospital.IsActive {
		return errors.Wrapf(ErrUnauthorized, "hospital %q", msg.HospitalCode)
	}

	_, _, err = s.Ingest(ctx, hospital, msg.IngestPayload)
	return err
}

// SearchTransactions runs a free-text query over the indexed ledger.
// Unlike the ledger listing this covers hospital names and notes; it is
// only as fresh as the index.
func (s *InventoryService) SearchTransactions(ctx context.Context, text string) ([]map[string]interface{}, error) {
	if s.elastic == nil {
		return nil, errors.Wrap(ErrUpstreamUnavailable, "transaction search")
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  text,
				"fields": []string{"hospital_code", "hospital_name", "hospital_city", "blood_group", "product_type", "source_reference"},
			},
		},
		"size": 50,
		"sort": []map[string]interface{}{
			{"ingested_at": map[string]interface{}{"order": "desc"}},
		},
	}

	return s.elastic.SearchTransactions(ctx, query)
}

// ListTransactions returns ledger entries, newest ingestion first
func (s *InventoryService) ListTransactions(ctx context.Context, filter repositories.TransactionFilter) ([]models.Transaction, error) {
	return s.ledger.List(ctx, filter)
}

// ListStock returns current aggregates joined with hospital display info
func (s *InventoryService) ListStock(ctx context.Context, filter repositories.StockFilter) ([]models.BloodStock, error) {
	return s.stock.List(ctx, filter)
}

// CityAvailability holds the aggregated per-blood-group view for one city
type CityAvailability struct {
	City      string                        `json:"city"`
	Groups    []repositories.CityAggregate  `json:"groups"`
	Hospitals []models.Hospital             `json:"hospitals"`
	FetchedAt time.Time                     `json:"fetched_at"`
}

// GetCityAvailability aggregates stock per blood group across a city's
// active hospitals. Results are cached briefly; scans reading slightly stale
// values self-correct on the next request.
func (s *InventoryService) GetCityAvailability(ctx context.Context, city string) (*CityAvailability, error) {
	key := cache.CityAvailabilityKey(city)
	if s.cache != nil {
		var cached CityAvailability
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	hospitals, err := s.hospitals.ListActive(ctx, city)
	if err != nil {
		return nil, err
	}
	if len(hospitals) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "no active hospitals in %q", city)
	}

	groups, err := s.stock.AggregateByCity(ctx, city)
	if err != nil {
		return nil, err
	}

	result := &CityAvailability{
		City:      city,
		Groups:    groups,
		Hospitals: hospitals,
		FetchedAt: time.Now(),
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, result, time.Minute); err != nil {
			log.Debug().Err(err).Str("city", city).Msg("Failed to cache city availability")
		}
	}

	return result, nil
}

// NationalStatistics is the region-wide per-blood-group stock view
type NationalStatistics struct {
	Groups     []repositories.CityAggregate `json:"groups"`
	TotalUnits int                          `json:"total_units"`
	FetchedAt  time.Time                    `json:"fetched_at"`
}

// GetNationalStatistics aggregates stock per blood group across every
// active hospital
func (s *InventoryService) GetNationalStatistics(ctx context.Context) (*NationalStatistics, error) {
	groups, err := s.stock.AggregateByCity(ctx, "")
	if err != nil {
		return nil, err
	}

	stats := &NationalStatistics{Groups: groups, FetchedAt: time.Now()}
	for _, g := range groups {
		stats.TotalUnits += g.TotalUnits
	}
	return stats, nil
}

// GroupSummary is one blood group's entry in a hospital stock summary
type GroupSummary struct {
	Units     int        `json:"units"`
	Status    string     `json:"status"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// StockSummary is the per-hospital stock overview
type StockSummary struct {
	Hospital       *models.Hospital        `json:"hospital"`
	StockByGroup   map[string]GroupSummary `json:"stock_by_group"`
	TotalUnits     int                     `json:"total_units"`
	LowStockGroups []string                `json:"low_stock_groups"`
}

// GetStockSummary builds the stock overview for one hospital, covering all
// 8 blood groups with zero-filled entries for groups without a row
func (s *InventoryService) GetStockSummary(ctx context.Context, hospitalID uuid.UUID) (*StockSummary, error) {
	cacheKey := cache.HospitalStockKey(hospitalID)
	if s.cache != nil {
		var cached StockSummary
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	hospital, err := s.hospitals.GetByID(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	if hospital == nil {
		return nil, errors.Wrapf(ErrNotFound, "hospital %s", hospitalID)
	}

	stocks, err := s.stock.ListByHospital(ctx, hospitalID)
	if err != nil {
		return nil, err
	}

	unitsByGroup := map[string]int{}
	updatedByGroup := map[string]*time.Time{}
	for i := range stocks {
		st := stocks[i]
		unitsByGroup[st.BloodGroup] += st.UnitsAvailable
		u := st.UpdatedAt
		if prev := updatedByGroup[st.BloodGroup]; prev == nil || u.After(*prev) {
			updatedByGroup[st.BloodGroup] = &u
		}
	}

	summary := &StockSummary{
		Hospital:     hospital,
		StockByGroup: make(map[string]GroupSummary, len(models.BloodGroups)),
	}
	for _, group := range models.BloodGroups {
		units := unitsByGroup[group]
		summary.StockByGroup[group] = GroupSummary{
			Units:     units,
			Status:    StockStatus(units),
			UpdatedAt: updatedByGroup[group],
		}
		summary.TotalUnits += units
		if units < lowThreshold {
			summary.LowStockGroups = append(summary.LowStockGroups, group)
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, summary, 30*time.Second); err != nil {
			log.Debug().Err(err).Str("hospital_id", hospitalID.String()).Msg("Failed to cache stock summary")
		}
	}

	return summary, nil
}

// ReconciliationEntry reports one stock key whose materialized value diverges
// from the ledger. The clamp-at-zero policy absorbs over-issues silently;
// this surfaces them as an operational signal.
type ReconciliationEntry struct {
	HospitalID     uuid.UUID `json:"hospital_id"`
	HospitalCode   string    `json:"hospital_code"`
	BloodGroup     string    `json:"blood_group"`
	ProductType    string    `json:"product_type"`
	LedgerSum      int64     `json:"ledger_sum"`
	UnitsAvailable int       `json:"units_available"`
	Divergence     int64     `json:"divergence"`
}

// Reconcile compares every stock row against its true ledger sum and returns
// the rows that diverge. A healthy key diverges only when its ledger sum is
// negative and the aggregate clamped at zero.
func (s *InventoryService) Reconcile(ctx context.Context) ([]ReconciliationEntry, error) {
	stocks, err := s.stock.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var entries []ReconciliationEntry
	for i := range stocks {
		st := stocks[i]
		sum, err := s.ledger.SumDeltas(ctx, st.HospitalID, st.BloodGroup, st.ProductType)
		if err != nil {
			return nil, err
		}
		if sum == int64(st.UnitsAvailable) {
			continue
		}
		entries = append(entries, ReconciliationEntry{
			HospitalID:     st.HospitalID,
			HospitalCode:   st.Hospital.Code,
			BloodGroup:     st.BloodGroup,
			ProductType:    st.ProductType,
			LedgerSum:      sum,
			UnitsAvailable: st.UnitsAvailable,
			Divergence:     int64(st.UnitsAvailable) - sum,
		})
	}

	s.metrics.SetGauge("reconciliation_divergent_keys", int64(len(entries)))
	return entries, nil
}
