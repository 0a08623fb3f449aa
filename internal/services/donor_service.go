package services

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/bloodsync/services/inventory/config"
	"example.com/bloodsync/services/inventory/internal/geo"
	"example.com/bloodsync/services/inventory/internal/models"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

// Fixed expansion ladder for point searches, in meters
var radiusLadder = []float64{500, 1000, 2000, 5000}

// DonorStore is the donor access the matcher needs
type DonorStore interface {
	FindCandidates(ctx context.Context, bloodGroup string) ([]models.DonorProfile, error)
}

// DonorService finds consenting donors near a point or a hospital. It is
// read-only: it never mutates donor or alert state, and notification of the
// returned donors is the caller's responsibility.
type DonorService struct {
	donors    DonorStore
	hospitals HospitalStore
	defaults  config.LocatorConfig
	tracer    tracing.Tracer
	// now is swappable for eligibility tests
	now func() time.Time
}

// NewDonorService creates a new donor service
func NewDonorService(donors DonorStore, hospitals HospitalStore, defaults config.LocatorConfig, tracer tracing.Tracer) *DonorService {
	return &DonorService{
		donors:    donors,
		hospitals: hospitals,
		defaults:  defaults,
		tracer:    tracer,
		now:       time.Now,
	}
}

// DonorMatch is one donor selected by a search
type DonorMatch struct {
	ID               uuid.UUID  `json:"id"`
	Username         string     `json:"username"`
	Location         string     `json:"location"`
	BloodGroup       string     `json:"blood_group"`
	DistanceMeters   float64    `json:"distance_meters"`
	Phone            string     `json:"phone"`
	LastDonationDate *time.Time `json:"last_donation_date"`
}

// RadiusSearchResult is the outcome of a point search
type RadiusSearchResult struct {
	Donors      []DonorMatch `json:"donors"`
	RadiusUsed  float64      `json:"radius_used_meters"`
	TotalFound  int          `json:"total_found"`
}

type rankedDonor struct {
	donor    models.DonorProfile
	distance float64
}

// rankCandidates computes each candidate's distance from the center once and
// returns them sorted nearest-first. Candidates failing the eligibility
// predicate or carrying unusable coordinates are dropped.
func rankCandidates(lat, lon float64, candidates []models.DonorProfile, eligible func(*models.DonorProfile) bool) []rankedDonor {
	ranked := make([]rankedDonor, 0, len(candidates))
	for i := range candidates {
		d := candidates[i]
		if !d.HasLocation() {
			continue
		}
		if eligible != nil && !eligible(&d) {
			continue
		}
		dist, err := geo.Distance(lat, lon, *d.Latitude, *d.Longitude)
		if err != nil {
			log.Debug().Err(err).Str("donor", d.ID.String()).Msg("Skipping donor with invalid coordinates")
			continue
		}
		ranked = append(ranked, rankedDonor{donor: d, distance: dist})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].distance < ranked[j].distance })
	return ranked
}

func toMatches(ranked []rankedDonor, within float64) []DonorMatch {
	matches := make([]DonorMatch, 0, len(ranked))
	for _, r := range ranked {
		if r.distance > within {
			break
		}
		d := r.donor
		location := d.City
		if d.District != "" {
			location = d.District + ", " + d.City
		}
		matches = append(matches, DonorMatch{
			ID:               d.ID,
			Username:         d.Username,
			Location:         location,
			BloodGroup:       d.BloodGroup,
			DistanceMeters:   math.Round(r.distance),
			Phone:            d.Phone,
			LastDonationDate: d.LastDonationDate,
		})
	}
	return matches
}

// FindDonorsWithinRadius searches outward from a point for any consenting
// donor of the given blood group. The radius expands through the fixed
// 500m - 1km - 2km - 5km ladder up to maxRadius and stops at the first step
// that matches at least one donor; it does not keep expanding to reach a
// count. The donation cooldown is deliberately not enforced on this path.
func (s *DonorService) FindDonorsWithinRadius(ctx context.Context, lat, lon float64, bloodGroup string, startRadius, maxRadius float64) (*RadiusSearchResult, error) {
	if !models.IsValidBloodGroup(bloodGroup) {
		return nil, NewValidationError(map[string]string{"blood_group": "unrecognized blood group"})
	}
	if _, err := geo.Distance(lat, lon, lat, lon); err != nil {
		return nil, NewValidationError(map[string]string{"location": "coordinates out of range"})
	}
	if startRadius <= 0 {
		startRadius = 500
	}
	if maxRadius <= 0 {
		maxRadius = 10000
	}

	candidates, err := s.donors.FindCandidates(ctx, bloodGroup)
	if err != nil {
		return nil, err
	}
	ranked := rankCandidates(lat, lon, candidates, nil)

	steps := make([]float64, 0, len(radiusLadder)+1)
	for _, r := range radiusLadder {
		if r >= startRadius && r < maxRadius {
			steps = append(steps, r)
		}
	}
	steps = append(steps, maxRadius)

	for _, radius := range steps {
		matches := toMatches(ranked, radius)
		if len(matches) > 0 {
			return &RadiusSearchResult{
				Donors:     matches,
				RadiusUsed: radius,
				TotalFound: len(matches),
			}, nil
		}
	}

	return &RadiusSearchResult{Donors: []DonorMatch{}, RadiusUsed: maxRadius, TotalFound: 0}, nil
}

// LocateRequest is a hospital-initiated donor search
type LocateRequest struct {
	HospitalID    *uuid.UUID `json:"hospital_id"`
	HospitalCode  string     `json:"hospital_code"`
	BloodGroup    string     `json:"blood_group"`
	ProductType   string     `json:"blood_product"`
	IsCritical    bool       `json:"is_critical"`
	MaxRadiusKm   float64    `json:"max_radius_km"`
	RadiusStepKm  float64    `json:"radius_step_km"`
	MinDonorCount int        `json:"min_donor_count"`
	LimitCities   []string   `json:"limit_cities"`
}

// LocateResult is the outcome of a hospital-initiated search
type LocateResult struct {
	Hospital      *models.Hospital `json:"hospital"`
	Donors        []DonorMatch     `json:"donors"`
	RadiusUsedKm  float64          `json:"radius_used_km"`
	CandidatePool int              `json:"candidate_pool"`
}

func (s *DonorService) resolveHospital(ctx context.Context, req *LocateRequest) (*models.Hospital, error) {
	if req.HospitalID != nil {
		return s.hospitals.GetByID(ctx, *req.HospitalID)
	}
	if req.HospitalCode != "" {
		return s.hospitals.GetByCode(ctx, req.HospitalCode)
	}
	return nil, NewValidationError(map[string]string{"hospital": "provide either hospital_id or hospital_code"})
}

func matchesCityAllowList(d *models.DonorProfile, cities []string) bool {
	if len(cities) == 0 {
		return true
	}
	for _, c := range cities {
		if strings.EqualFold(d.City, c) || strings.EqualFold(d.District, c) {
			return true
		}
	}
	return false
}

// LocateNearbyDonors searches outward from a hospital until at least
// MinDonorCount eligible donors fall inside the radius or the radius hits
// the configured maximum. Unlike the point search it enforces the 56-day
// donation cooldown and an optional city allow-list. Critical requests start
// at 0.5 km, routine ones at 2 km.
func (s *DonorService) LocateNearbyDonors(ctx context.Context, req LocateRequest) (*LocateResult, error) {
	txn := s.tracer.StartTransaction("locate-nearby-donors")
	defer s.tracer.EndTransaction(txn)

	if !models.IsValidBloodGroup(req.BloodGroup) {
		return nil, NewValidationError(map[string]string{"blood_group": "unrecognized blood group"})
	}
	if req.ProductType != "" && !models.IsValidBloodProduct(req.ProductType) {
		return nil, NewValidationError(map[string]string{"blood_product": "unrecognized product type"})
	}

	hospital, err := s.resolveHospital(ctx, &req)
	if err != nil {
		return nil, err
	}
	if hospital == nil {
		return nil, errors.Wrap(ErrNotFound, "hospital")
	}
	if !hospital.HasLocation() {
		return nil, NewValidationError(map[string]string{"hospital": "hospital has no coordinates on record"})
	}

	maxRadiusKm := req.MaxRadiusKm
	if maxRadiusKm <= 0 {
		maxRadiusKm = s.defaults.MaxRadiusKm
	}
	stepKm := req.RadiusStepKm
	if stepKm <= 0 {
		stepKm = s.defaults.RadiusStepKm
	}
	minCount := req.MinDonorCount
	if minCount <= 0 {
		minCount = 1
	}

	// Critical searches start tight: response time beats breadth at first
	radiusKm := 2.0
	if req.IsCritical {
		radiusKm = 0.5
	}
	if radiusKm > maxRadiusKm {
		radiusKm = maxRadiusKm
	}

	candidates, err := s.donors.FindCandidates(ctx, req.BloodGroup)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ranked := rankCandidates(*hospital.Latitude, *hospital.Longitude, candidates, func(d *models.DonorProfile) bool {
		return d.CanDonate(now) && matchesCityAllowList(d, req.LimitCities)
	})

	var matches []DonorMatch
	for {
		matches = toMatches(ranked, radiusKm*1000)
		if len(matches) >= minCount || radiusKm >= maxRadiusKm {
			break
		}
		radiusKm += stepKm
		if radiusKm > maxRadiusKm {
			radiusKm = maxRadiusKm
		}
	}

	s.tracer.AddAttribute(txn, "hospital_code", hospital.Code)
	s.tracer.AddAttribute(txn, "blood_group", req.BloodGroup)
	s.tracer.AddAttribute(txn, "radius_km", radiusKm)
	s.tracer.AddAttribute(txn, "matched", len(matches))

	log.Info().
		Str("hospital", hospital.Code).
		Str("blood_group", req.BloodGroup).
		Bool("critical", req.IsCritical).
		Float64("radius_km", radiusKm).
		Int("matched", len(matches)).
		Int("pool", len(ranked)).
		Msg("Donor search completed")

	return &LocateResult{
		Hospital:      hospital,
		Donors:        matches,
		RadiusUsedKm:  radiusKm,
		CandidatePool: len(ranked),
	}, nil
}
