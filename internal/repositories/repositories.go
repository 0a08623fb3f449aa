package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/bloodsync/services/inventory/internal/models"
)

// HospitalRepository provides access to hospital data
type HospitalRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewHospitalRepository creates a new hospital repository
func NewHospitalRepository(db *gorm.DB, readOnlyDB *gorm.DB) *HospitalRepository {
	return &HospitalRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByAPIKeyHash gets an active hospital by its credential fingerprint
func (r *HospitalRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Hospital, error) {
	var hospital models.Hospital
	err := r.readOnlyDB.WithContext(ctx).
		Where("api_key_hash = ? AND is_active = ?", hash, true).
		First(&hospital).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get hospital by api key hash")
	}
	return &hospital, nil
}

// GetByID gets a hospital by ID
func (r *HospitalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Hospital, error) {
	var hospital models.Hospital
	err := r.readOnlyDB.WithContext(ctx).First(&hospital, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get hospital by ID")
	}
	return &hospital, nil
}

// GetByCode gets a hospital by its human-facing code
func (r *HospitalRepository) GetByCode(ctx context.Context, code string) (*models.Hospital, error) {
	var hospital models.Hospital
	err := r.readOnlyDB.WithContext(ctx).Where("code = ?", code).First(&hospital).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get hospital by code")
	}
	return &hospital, nil
}

// ListActive lists active hospitals, optionally filtered by city
func (r *HospitalRepository) ListActive(ctx context.Context, city string) ([]models.Hospital, error) {
	var hospitals []models.Hospital
	q := r.readOnlyDB.WithContext(ctx).Where("is_active = ?", true)
	if city != "" {
		q = q.Where("city ILIKE ?", "%"+city+"%")
	}
	if err := q.Order("name").Find(&hospitals).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list hospitals")
	}
	return hospitals, nil
}

// Create registers a new hospital
func (r *HospitalRepository) Create(ctx context.Context, hospital *models.Hospital) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(hospital).Error, "failed to create hospital")
}

// Deactivate soft-disables a hospital. Ledger rows keep their reference.
func (r *HospitalRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.Hospital{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to deactivate hospital")
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// LedgerRepository provides access to the append-only transaction ledger.
// Entries are immutable: no update or delete is exposed.
type LedgerRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *gorm.DB, readOnlyDB *gorm.DB) *LedgerRepository {
	return &LedgerRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Ingest appends a ledger entry and applies its delta to the materialized
// stock row in a single database transaction. The stock row is read under
// SELECT ... FOR UPDATE so concurrent ingestion on the same key cannot lose
// an update; either both rows commit or neither does.
func (r *LedgerRepository) Ingest(ctx context.Context, txn *models.Transaction) (*models.BloodStock, error) {
	var stock *models.BloodStock
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(txn).Error; err != nil {
			return errors.Wrap(err, "failed to append ledger entry")
		}
		var err error
		stock, err = applyDeltaLocked(tx, txn.HospitalID, txn.BloodGroup, txn.ProductType, txn.UnitsChange)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stock, nil
}

// TransactionFilter narrows ledger queries
type TransactionFilter struct {
	HospitalID *uuid.UUID
	BloodGroup string
	Limit      int
}

// List returns ledger entries newest-ingestion-first. Business timestamps may
// be backdated, so display order follows IngestedAt.
func (r *LedgerRepository) List(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	q := r.readOnlyDB.WithContext(ctx).Preload("Hospital")
	if filter.HospitalID != nil {
		q = q.Where("hospital_id = ?", *filter.HospitalID)
	}
	if filter.BloodGroup != "" {
		q = q.Where("blood_group = ?", filter.BloodGroup)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var txns []models.Transaction
	if err := q.Order("ingested_at DESC").Find(&txns).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list transactions")
	}
	return txns, nil
}

// SumDeltas returns the true ledger sum for a key. The materialized aggregate
// clamps at zero, so this may run below the stored units; the difference is
// the reconciliation signal.
func (r *LedgerRepository) SumDeltas(ctx context.Context, hospitalID uuid.UUID, bloodGroup, productType string) (int64, error) {
	var sum *int64
	err := r.readOnlyDB.WithContext(ctx).Model(&models.Transaction{}).
		Where("hospital_id = ? AND blood_group = ? AND product_type = ?", hospitalID, bloodGroup, productType).
		Select("SUM(units_change)").
		Scan(&sum).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to sum ledger deltas")
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

// CountSince counts ledger entries ingested at or after the given time
func (r *LedgerRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).Model(&models.Transaction{}).
		Where("ingested_at >= ?", since).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count transactions")
	}
	return count, nil
}

// StockRepository provides access to the materialized stock view
type StockRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewStockRepository creates a new stock repository
func NewStockRepository(db *gorm.DB, readOnlyDB *gorm.DB) *StockRepository {
	return &StockRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// applyDeltaLocked performs the read-modify-write for one stock key inside
// the caller's transaction, holding a row lock for its duration. A missing
// row initializes at zero before the delta is applied; the result clamps
// at zero.
func applyDeltaLocked(tx *gorm.DB, hospitalID uuid.UUID, bloodGroup, productType string, delta int) (*models.BloodStock, error) {
	var stock models.BloodStock
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("hospital_id = ? AND blood_group = ? AND product_type = ?", hospitalID, bloodGroup, productType).
		First(&stock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		stock = models.BloodStock{
			ID:             uuid.New(),
			HospitalID:     hospitalID,
			BloodGroup:     bloodGroup,
			ProductType:    productType,
			UnitsAvailable: 0,
		}
		if err := tx.Create(&stock).Error; err != nil {
			return nil, errors.Wrap(err, "failed to initialize stock row")
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to lock stock row")
	}

	stock.UnitsAvailable = models.ClampUnits(stock.UnitsAvailable, delta)
	if err := tx.Model(&models.BloodStock{}).
		Where("id = ?", stock.ID).
		Update("units_available", stock.UnitsAvailable).Error; err != nil {
		return nil, errors.Wrap(err, "failed to update stock row")
	}
	stock.UpdatedAt = time.Now()
	return &stock, nil
}

// ApplyDelta applies a signed delta to one stock key in its own transaction.
// The ingestion path goes through LedgerRepository.Ingest instead so the
// ledger entry and the stock update share a transaction.
func (r *StockRepository) ApplyDelta(ctx context.Context, hospitalID uuid.UUID, bloodGroup, productType string, delta int) (*models.BloodStock, error) {
	var stock *models.BloodStock
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		stock, err = applyDeltaLocked(tx, hospitalID, bloodGroup, productType, delta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stock, nil
}

// Get returns the stock row for a key, or nil when absent
func (r *StockRepository) Get(ctx context.Context, hospitalID uuid.UUID, bloodGroup, productType string) (*models.BloodStock, error) {
	var stock models.BloodStock
	err := r.readOnlyDB.WithContext(ctx).
		Where("hospital_id = ? AND blood_group = ? AND product_type = ?", hospitalID, bloodGroup, productType).
		First(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get stock")
	}
	return &stock, nil
}

// ListByHospital lists all stock rows for one hospital
func (r *StockRepository) ListByHospital(ctx context.Context, hospitalID uuid.UUID) ([]models.BloodStock, error) {
	var stocks []models.BloodStock
	err := r.readOnlyDB.WithContext(ctx).
		Where("hospital_id = ?", hospitalID).
		Order("blood_group").
		Find(&stocks).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stock by hospital")
	}
	return stocks, nil
}

// StockFilter narrows public stock queries
type StockFilter struct {
	BloodGroup  string
	ProductType string
	City        string
	MinUnits    int
}

// List returns stock rows joined with hospital display info
func (r *StockRepository) List(ctx context.Context, filter StockFilter) ([]models.BloodStock, error) {
	q := r.readOnlyDB.WithContext(ctx).Preload("Hospital").
		Joins("JOIN hospitals ON hospitals.id = blood_stocks.hospital_id").
		Where("hospitals.is_active = ?", true)
	if filter.BloodGroup != "" {
		q = q.Where("blood_stocks.blood_group = ?", filter.BloodGroup)
	}
	if filter.ProductType != "" {
		q = q.Where("blood_stocks.product_type = ?", filter.ProductType)
	}
	if filter.City != "" {
		q = q.Where("hospitals.city ILIKE ?", "%"+filter.City+"%")
	}
	if filter.MinUnits > 0 {
		q = q.Where("blood_stocks.units_available >= ?", filter.MinUnits)
	}

	var stocks []models.BloodStock
	if err := q.Find(&stocks).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list stock")
	}
	return stocks, nil
}

// CityAggregate is the per-blood-group unit sum across a city's hospitals
type CityAggregate struct {
	BloodGroup string `json:"blood_group"`
	TotalUnits int    `json:"total_units"`
	Hospitals  int    `json:"hospitals"`
}

// AggregateByCity sums available units per blood group across all active
// hospitals in a city
func (r *StockRepository) AggregateByCity(ctx context.Context, city string) ([]CityAggregate, error) {
	var rows []CityAggregate
	err := r.readOnlyDB.WithContext(ctx).Model(&models.BloodStock{}).
		Select("blood_stocks.blood_group AS blood_group, SUM(blood_stocks.units_available) AS total_units, COUNT(DISTINCT blood_stocks.hospital_id) AS hospitals").
		Joins("JOIN hospitals ON hospitals.id = blood_stocks.hospital_id").
		Where("hospitals.is_active = ? AND hospitals.city ILIKE ?", true, "%"+city+"%").
		Group("blood_stocks.blood_group").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate stock by city")
	}
	return rows, nil
}

// ListAll returns every stock row with its hospital preloaded, for alert scans
func (r *StockRepository) ListAll(ctx context.Context) ([]models.BloodStock, error) {
	var stocks []models.BloodStock
	if err := r.readOnlyDB.WithContext(ctx).Preload("Hospital").Find(&stocks).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list all stock")
	}
	return stocks, nil
}

// AlertRepository provides access to stock alerts
type AlertRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *gorm.DB, readOnlyDB *gorm.DB) *AlertRepository {
	return &AlertRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// FindOpen returns the unresolved alert for a (hospital, blood group) key,
// or nil when none exists. Reads the write database: the scan's
// create-or-skip decision must see its own prior writes.
func (r *AlertRepository) FindOpen(ctx context.Context, hospitalID uuid.UUID, bloodGroup string) (*models.StockAlert, error) {
	var alert models.StockAlert
	err := r.db.WithContext(ctx).
		Where("hospital_id = ? AND blood_group = ? AND resolved_at IS NULL", hospitalID, bloodGroup).
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find open alert")
	}
	return &alert, nil
}

// Create opens a new alert
func (r *AlertRepository) Create(ctx context.Context, alert *models.StockAlert) error {
	return errors.Wrap(r.db.WithContext(ctx).Create(alert).Error, "failed to create alert")
}

// ResolveOpen stamps the resolution time on any unresolved alert for the key.
// Alerts are never deleted.
func (r *AlertRepository) ResolveOpen(ctx context.Context, hospitalID uuid.UUID, bloodGroup string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.StockAlert{}).
		Where("hospital_id = ? AND blood_group = ? AND resolved_at IS NULL", hospitalID, bloodGroup).
		Update("resolved_at", at).Error
	return errors.Wrap(err, "failed to resolve alert")
}

// AlertFilter narrows alert queries
type AlertFilter struct {
	Resolved   *bool
	AlertLevel string
}

// List returns alerts newest-triggered first
func (r *AlertRepository) List(ctx context.Context, filter AlertFilter) ([]models.StockAlert, error) {
	q := r.readOnlyDB.WithContext(ctx).Preload("Hospital")
	if filter.Resolved != nil {
		if *filter.Resolved {
			q = q.Where("resolved_at IS NOT NULL")
		} else {
			q = q.Where("resolved_at IS NULL")
		}
	}
	if filter.AlertLevel != "" {
		q = q.Where("alert_level = ?", filter.AlertLevel)
	}

	var alerts []models.StockAlert
	if err := q.Order("triggered_at DESC").Find(&alerts).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list alerts")
	}
	return alerts, nil
}

// ListOpenUnnotified returns open alerts whose notification has not gone out
func (r *AlertRepository) ListOpenUnnotified(ctx context.Context) ([]models.StockAlert, error) {
	var alerts []models.StockAlert
	err := r.db.WithContext(ctx).Preload("Hospital").
		Where("resolved_at IS NULL AND notified = ?", false).
		Find(&alerts).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unnotified alerts")
	}
	return alerts, nil
}

// MarkNotified flags an alert as dispatched to the notification sink
func (r *AlertRepository) MarkNotified(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Model(&models.StockAlert{}).
		Where("id = ?", id).
		Update("notified", true).Error
	return errors.Wrap(err, "failed to mark alert notified")
}

// CountOpen counts unresolved alerts
func (r *AlertRepository) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	err := r.readOnlyDB.WithContext(ctx).Model(&models.StockAlert{}).
		Where("resolved_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count open alerts")
	}
	return count, nil
}

// DonorRepository provides read access to donor profiles
type DonorRepository struct {
	readOnlyDB *gorm.DB
}

// NewDonorRepository creates a new donor repository
func NewDonorRepository(readOnlyDB *gorm.DB) *DonorRepository {
	return &DonorRepository{readOnlyDB: readOnlyDB}
}

// FindCandidates returns donors matching a blood group who have consented to
// location use, carry coordinates, and have a phone number on file.
// Eligibility policy (the donation cooldown) is the matcher's concern.
func (r *DonorRepository) FindCandidates(ctx context.Context, bloodGroup string) ([]models.DonorProfile, error) {
	var donors []models.DonorProfile
	err := r.readOnlyDB.WithContext(ctx).
		Where("blood_group = ? AND location_consent = ?", bloodGroup, true).
		Where("latitude IS NOT NULL AND longitude IS NOT NULL").
		Where("phone IS NOT NULL AND phone <> ''").
		Find(&donors).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find donor candidates")
	}
	return donors, nil
}
