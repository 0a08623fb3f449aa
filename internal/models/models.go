package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Recognized ABO/Rh blood groups
const (
	BloodGroupAPos  = "A+"
	BloodGroupANeg  = "A-"
	BloodGroupBPos  = "B+"
	BloodGroupBNeg  = "B-"
	BloodGroupABPos = "AB+"
	BloodGroupABNeg = "AB-"
	BloodGroupOPos  = "O+"
	BloodGroupONeg  = "O-"
)

// BloodGroups lists all recognized blood groups in display order
var BloodGroups = []string{
	BloodGroupAPos, BloodGroupANeg,
	BloodGroupBPos, BloodGroupBNeg,
	BloodGroupABPos, BloodGroupABNeg,
	BloodGroupOPos, BloodGroupONeg,
}

// IsValidBloodGroup reports whether s is one of the 8 recognized groups
func IsValidBloodGroup(s string) bool {
	for _, g := range BloodGroups {
		if g == s {
			return true
		}
	}
	return false
}

// Blood product types
const (
	ProductWholeBlood = "whole_blood"
	ProductPlasma     = "plasma"
	ProductPlatelets  = "platelets"
)

// BloodProducts lists all supported blood product types
var BloodProducts = []string{ProductWholeBlood, ProductPlasma, ProductPlatelets}

// IsValidBloodProduct reports whether s is a supported product type
func IsValidBloodProduct(s string) bool {
	for _, p := range BloodProducts {
		if p == s {
			return true
		}
	}
	return false
}

// Alert severity levels, ascending
const (
	AlertLevelLow       = "low"
	AlertLevelCritical  = "critical"
	AlertLevelEmergency = "emergency"
)

// Hospital represents a participating hospital. Hospitals are deactivated
// rather than deleted so ledger rows keep a valid reference.
type Hospital struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Code      string         `gorm:"not null;uniqueIndex" json:"code"`
	Name      string         `gorm:"not null" json:"name"`
	City      string         `gorm:"not null;index" json:"city"`
	Address   string         `json:"address"`
	Latitude  *float64       `json:"latitude"`
	Longitude *float64       `json:"longitude"`
	IsActive  bool           `gorm:"not null;default:true" json:"is_active"`
	// SHA-256 hex fingerprint of the hospital's bearer key. The raw key is
	// never stored; replacing the fingerprint revokes the old credential.
	APIKeyHash string `gorm:"not null;uniqueIndex" json:"-"`
}

// HasLocation reports whether the hospital carries usable coordinates
func (h *Hospital) HasLocation() bool {
	return h.Latitude != nil && h.Longitude != nil
}

// Transaction is one immutable ledger entry. The ledger is the source of
// truth; BloodStock is a cache derived from it. Rows are never updated or
// deleted after creation.
type Transaction struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	HospitalID uuid.UUID `gorm:"type:uuid;not null;index" json:"hospital_id"`
	BloodGroup string    `gorm:"not null;index" json:"blood_group"`
	ProductType string   `gorm:"not null;default:whole_blood" json:"product_type"`
	// Signed delta: positive = units received, negative = units issued
	UnitsChange int `gorm:"not null" json:"units_change"`
	// Business time, caller-supplied, may be backdated
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	// System time, assigned at ingestion; display ordering key
	IngestedAt      time.Time `gorm:"autoCreateTime;index:idx_transactions_ingested_at,sort:desc" json:"ingested_at"`
	SourceReference string    `gorm:"size:100" json:"source_reference"`
	Notes           string    `gorm:"size:255" json:"notes"`
	Hospital        Hospital  `gorm:"foreignKey:HospitalID" json:"-"`
}

// BloodStock is the materialized on-hand view for one
// (hospital, blood group, product type) key. UnitsAvailable equals the sum of
// ledger deltas for the key clamped at zero, and is mutated only by the
// ingestion path under a per-key exclusive lock.
type BloodStock struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	HospitalID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_stock_key" json:"hospital_id"`
	BloodGroup     string    `gorm:"not null;uniqueIndex:idx_stock_key" json:"blood_group"`
	ProductType    string    `gorm:"not null;default:whole_blood;uniqueIndex:idx_stock_key" json:"product_type"`
	UnitsAvailable int       `gorm:"not null;default:0" json:"units_available"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	Hospital       Hospital  `gorm:"foreignKey:HospitalID" json:"-"`
}

// ClampUnits applies a signed delta to a current unit count, clamping the
// result at zero. A hospital cannot be short more blood than it has on its
// books; the discrepancy stays visible in the ledger sum instead.
func ClampUnits(current, delta int) int {
	if v := current + delta; v > 0 {
		return v
	}
	return 0
}

// StockAlert is one threshold alert for a (hospital, blood group) key.
// At most one row with a null ResolvedAt may exist per key; resolution sets
// the timestamp, never deletes the row.
type StockAlert struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	HospitalID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"hospital_id"`
	BloodGroup   string     `gorm:"not null" json:"blood_group"`
	AlertLevel   string     `gorm:"not null" json:"alert_level"`
	Threshold    int        `gorm:"not null" json:"threshold"`
	CurrentUnits int        `gorm:"not null" json:"current_units"`
	TriggeredAt  time.Time  `gorm:"autoCreateTime" json:"triggered_at"`
	ResolvedAt   *time.Time `gorm:"index" json:"resolved_at"`
	Notified     bool       `gorm:"not null;default:false" json:"notified"`
	Hospital     Hospital   `gorm:"foreignKey:HospitalID" json:"-"`
}

// IsResolved reports whether the alert has been resolved
func (a *StockAlert) IsResolved() bool {
	return a.ResolvedAt != nil
}

// DonorCooldown is the minimum gap between whole-blood donations
const DonorCooldown = 56 * 24 * time.Hour

// DonorProfile is the donor data the core reads for eligibility and distance.
// Profile CRUD lives outside this service.
type DonorProfile struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	Username         string     `gorm:"not null" json:"username"`
	BloodGroup       string     `gorm:"not null;index" json:"blood_group"`
	Phone            string     `json:"phone"`
	City             string     `json:"city"`
	District         string     `json:"district"`
	Latitude         *float64   `json:"latitude"`
	Longitude        *float64   `json:"longitude"`
	LocationConsent  bool       `gorm:"not null;default:false" json:"location_consent"`
	LastDonationDate *time.Time `json:"last_donation_date"`
}

// HasLocation reports whether the donor carries usable coordinates
func (d *DonorProfile) HasLocation() bool {
	return d.Latitude != nil && d.Longitude != nil
}

// CanDonate reports donor eligibility at the given instant: no prior
// donation, or at least 56 days since the last one.
func (d *DonorProfile) CanDonate(asOf time.Time) bool {
	if d.LastDonationDate == nil {
		return true
	}
	return asOf.Sub(*d.LastDonationDate) >= DonorCooldown
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Hospital{},
		&Transaction{},
		&BloodStock{},
		&StockAlert{},
		&DonorProfile{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
