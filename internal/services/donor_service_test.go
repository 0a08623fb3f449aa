package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/bloodsync/services/inventory/config"
	"example.com/bloodsync/services/inventory/internal/models"
)

// fakeDonorStore is an in-memory DonorStore
type fakeDonorStore struct {
	donors []models.DonorProfile
}

func (f *fakeDonorStore) FindCandidates(ctx context.Context, bloodGroup string) ([]models.DonorProfile, error) {
	var out []models.DonorProfile
	for _, d := range f.donors {
		if d.BloodGroup == bloodGroup && d.LocationConsent && d.HasLocation() && d.Phone != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

const (
	baseLat = 27.7172
	baseLon = 85.3240
)

func floatPtr(v float64) *float64 { return &v }

// donorAt places a donor due north of the base point at roughly the given
// distance in meters.
func donorAt(meters float64, group string) models.DonorProfile {
	lat := baseLat + meters/111195.0
	return models.DonorProfile{
		ID:              uuid.New(),
		Username:        "donor",
		BloodGroup:      group,
		Phone:           "+9779811111111",
		City:            "Kathmandu",
		Latitude:        floatPtr(lat),
		Longitude:       floatPtr(baseLon),
		LocationConsent: true,
	}
}

func newTestHospitalWithLocation() *models.Hospital {
	h := newTestHospital()
	h.Latitude = floatPtr(baseLat)
	h.Longitude = floatPtr(baseLon)
	return h
}

func newTestDonorService(donors *fakeDonorStore, hospitals *fakeHospitalStore) *DonorService {
	return &DonorService{
		donors:    donors,
		hospitals: hospitals,
		defaults:  config.LocatorConfig{MaxRadiusKm: 20.0, RadiusStepKm: 1.0},
		tracer:    disabledTracer(),
		now:       time.Now,
	}
}

func TestFindDonorsWithinRadiusExpandsLadder(t *testing.T) {
	donors := &fakeDonorStore{donors: []models.DonorProfile{donorAt(3000, models.BloodGroupOPos)}}
	svc := newTestDonorService(donors, &fakeHospitalStore{})

	result, err := svc.FindDonorsWithinRadius(context.Background(), baseLat, baseLon, models.BloodGroupOPos, 0, 0)
	require.NoError(t, err)
	require.Equal(t, float64(5000), result.RadiusUsed)
	require.Equal(t, 1, result.TotalFound)
	require.InDelta(t, 3000, result.Donors[0].DistanceMeters, 25)
}

func TestFindDonorsWithinRadiusStopsAtFirstMatch(t *testing.T) {
	donors := &fakeDonorStore{donors: []models.DonorProfile{
		donorAt(800, models.BloodGroupOPos),
		donorAt(3000, models.BloodGroupOPos),
	}}
	svc := newTestDonorService(donors, &fakeHospitalStore{})

	result, err := svc.FindDonorsWithinRadius(context.Background(), baseLat, baseLon, models.BloodGroupOPos, 0, 0)
	require.NoError(t, err)
	require.Equal(t, float64(1000), result.RadiusUsed)
	// The 3 km donor is outside the matched radius and not included
	require.Equal(t, 1, result.TotalFound)
	require.InDelta(t, 800, result.Donors[0].DistanceMeters, 25)
}

func TestFindDonorsWithinRadiusIgnoresCooldown(t *testing.T) {
	recent := time.Now().Add(-10 * 24 * time.Hour)
	donor := donorAt(800, models.BloodGroupBNeg)
	donor.LastDonationDate = &recent

	svc := newTestDonorService(&fakeDonorStore{donors: []models.DonorProfile{donor}}, &fakeHospitalStore{})

	result, err := svc.FindDonorsWithinRadius(context.Background(), baseLat, baseLon, models.BloodGroupBNeg, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalFound)
}

func TestFindDonorsWithinRadiusEmptyAtMax(t *testing.T) {
	svc := newTestDonorService(&fakeDonorStore{}, &fakeHospitalStore{})

	result, err := svc.FindDonorsWithinRadius(context.Background(), baseLat, baseLon, models.BloodGroupAPos, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, result.TotalFound)
	require.Empty(t, result.Donors)
	require.Equal(t, float64(10000), result.RadiusUsed)
}

func TestFindDonorsWithinRadiusRejectsBadInput(t *testing.T) {
	svc := newTestDonorService(&fakeDonorStore{}, &fakeHospitalStore{})

	_, err := svc.FindDonorsWithinRadius(context.Background(), baseLat, baseLon, "Z+", 0, 0)
	_, ok := AsValidationError(err)
	require.True(t, ok)

	_, err = svc.FindDonorsWithinRadius(context.Background(), 95.0, baseLon, models.BloodGroupAPos, 0, 0)
	_, ok = AsValidationError(err)
	require.True(t, ok)
}

func TestLocateNearbyDonorsCriticalStartsTight(t *testing.T) {
	hospital := newTestHospitalWithLocation()
	donors := &fakeDonorStore{donors: []models.DonorProfile{donorAt(800, models.BloodGroupOPos)}}
	svc := newTestDonorService(donors, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	// Critical: start at 0.5 km, miss, expand by 1 km and match at 1.5 km
	result, err := svc.LocateNearbyDonors(context.Background(), LocateRequest{
		HospitalID: &hospital.ID,
		BloodGroup: models.BloodGroupOPos,
		IsCritical: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Donors, 1)
	require.Equal(t, 1.5, result.RadiusUsedKm)

	// Routine: start at 2 km and match immediately
	result, err = svc.LocateNearbyDonors(context.Background(), LocateRequest{
		HospitalID: &hospital.ID,
		BloodGroup: models.BloodGroupOPos,
	})
	require.NoError(t, err)
	require.Len(t, result.Donors, 1)
	require.Equal(t, 2.0, result.RadiusUsedKm)
}

func TestLocateNearbyDonorsEnforcesCooldown(t *testing.T) {
	hospital := newTestHospitalWithLocation()

	recent := time.Now().Add(-10 * 24 * time.Hour)
	cooling := donorAt(800, models.BloodGroupOPos)
	cooling.LastDonationDate = &recent

	rested := time.Now().Add(-60 * 24 * time.Hour)
	eligible := donorAt(1200, models.BloodGroupOPos)
	eligible.LastDonationDate = &rested

	donors := &fakeDonorStore{donors: []models.DonorProfile{cooling, eligible}}
	svc := newTestDonorService(donors, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	result, err := svc.LocateNearbyDonors(context.Background(), LocateRequest{
		HospitalID: &hospital.ID,
		BloodGroup: models.BloodGroupOPos,
	})
	require.NoError(t, err)
	require.Len(t, result.Donors, 1)
	require.Equal(t, eligible.ID, result.Donors[0].ID)
	require.Equal(t, 1, result.CandidatePool)
}

func TestLocateNearbyDonorsStopsAtMaxBelowMinCount(t *testing.T) {
	hospital := newTestHospitalWithLocation()
	donors := &fakeDonorStore{donors: []models.DonorProfile{
		donorAt(1000, models.BloodGroupANeg),
		donorAt(2500, models.BloodGroupANeg),
	}}
	svc := newTestDonorService(donors, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	result, err := svc.LocateNearbyDonors(context.Background(), LocateRequest{
		HospitalID:    &hospital.ID,
		BloodGroup:    models.BloodGroupANeg,
		MinDonorCount: 3,
		MaxRadiusKm:   5.0,
	})
	require.NoError(t, err)
	// Only two eligible donors exist; the search ends at the cap with both
	require.Len(t, result.Donors, 2)
	require.Equal(t, 5.0, result.RadiusUsedKm)
}

func TestLocateNearbyDonorsCityAllowList(t *testing.T) {
	hospital := newTestHospitalWithLocation()

	inCity := donorAt(900, models.BloodGroupOPos)
	outOfCity := donorAt(800, models.BloodGroupOPos)
	outOfCity.City = "Pokhara"
	byDistrict := donorAt(1100, models.BloodGroupOPos)
	byDistrict.City = "Madhyapur Thimi"
	byDistrict.District = "Kathmandu"

	donors := &fakeDonorStore{donors: []models.DonorProfile{inCity, outOfCity, byDistrict}}
	svc := newTestDonorService(donors, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	result, err := svc.LocateNearbyDonors(context.Background(), LocateRequest{
		HospitalID:  &hospital.ID,
		BloodGroup:  models.BloodGroupOPos,
		LimitCities: []string{"kathmandu"},
	})
	require.NoError(t, err)
	require.Len(t, result.Donors, 2)
	for _, m := range result.Donors {
		require.NotEqual(t, outOfCity.ID, m.ID)
	}
}

func TestLocateNearbyDonorsValidation(t *testing.T) {
	hospital := newTestHospital() // no coordinates
	svc := newTestDonorService(&fakeDonorStore{}, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	_, err := svc.LocateNearbyDonors(context.Background(), LocateRequest{BloodGroup: "Z+"})
	_, ok := AsValidationError(err)
	require.True(t, ok)

	_, err = svc.LocateNearbyDonors(context.Background(), LocateRequest{BloodGroup: models.BloodGroupOPos})
	_, ok = AsValidationError(err)
	require.True(t, ok)

	missing := uuid.New()
	_, err = svc.LocateNearbyDonors(context.Background(), LocateRequest{
		HospitalID: &missing,
		BloodGroup: models.BloodGroupOPos,
	})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.LocateNearbyDonors(context.Background(), LocateRequest{
		HospitalID: &hospital.ID,
		BloodGroup: models.BloodGroupOPos,
	})
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	require.Contains(t, ve.Fields, "hospital")
}
