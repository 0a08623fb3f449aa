package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/bloodsync/services/inventory/internal/metrics"
	"example.com/bloodsync/services/inventory/internal/models"
	"example.com/bloodsync/services/inventory/internal/repositories"
)

// fakeAlertStore is an in-memory AlertStore
type fakeAlertStore struct {
	mu     sync.Mutex
	alerts []*models.StockAlert
}

func (f *fakeAlertStore) FindOpen(ctx context.Context, hospitalID uuid.UUID, bloodGroup string) (*models.StockAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.alerts {
		if a.HospitalID == hospitalID && a.BloodGroup == bloodGroup && !a.IsResolved() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAlertStore) Create(ctx context.Context, alert *models.StockAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := *alert
	f.alerts = append(f.alerts, &cp)
	return nil
}

func (f *fakeAlertStore) ResolveOpen(ctx context.Context, hospitalID uuid.UUID, bloodGroup string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.alerts {
		if a.HospitalID == hospitalID && a.BloodGroup == bloodGroup && !a.IsResolved() {
			resolved := at
			a.ResolvedAt = &resolved
		}
	}
	return nil
}

func (f *fakeAlertStore) List(ctx context.Context, filter repositories.AlertFilter) ([]models.StockAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.StockAlert
	for _, a := range f.alerts {
		if filter.Resolved != nil && a.IsResolved() != *filter.Resolved {
			continue
		}
		if filter.AlertLevel != "" && a.AlertLevel != filter.AlertLevel {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeAlertStore) ListOpenUnnotified(ctx context.Context) ([]models.StockAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.StockAlert
	for _, a := range f.alerts {
		if !a.IsResolved() && !a.Notified {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) MarkNotified(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.alerts {
		if a.ID == id {
			a.Notified = true
		}
	}
	return nil
}

func (f *fakeAlertStore) CountOpen(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, a := range f.alerts {
		if !a.IsResolved() {
			n++
		}
	}
	return n, nil
}

// recordingNotifier captures messages instead of sending them
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (n *recordingNotifier) Send(ctx context.Context, phone, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return context.DeadlineExceeded
	}
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) Provider() string { return "recording" }

func newTestAlertService(store *fakeInventoryStore, alerts *fakeAlertStore, notifier *recordingNotifier) *AlertService {
	return &AlertService{
		stock:       fakeStockView{store},
		alerts:      alerts,
		notifier:    notifier,
		notifyPhone: "+9779800000000",
		metrics:     metrics.NewMetrics(),
		tracer:      disabledTracer(),
	}
}

func ingestUnits(t *testing.T, store *fakeInventoryStore, hospital *models.Hospital, group string, delta int) {
	t.Helper()
	_, err := store.Ingest(context.Background(), &models.Transaction{
		ID:          uuid.New(),
		HospitalID:  hospital.ID,
		BloodGroup:  group,
		ProductType: models.ProductWholeBlood,
		UnitsChange: delta,
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)
}

func TestClassifyUnits(t *testing.T) {
	cases := []struct {
		units     int
		level     string
		threshold int
	}{
		{0, models.AlertLevelEmergency, 3},
		{2, models.AlertLevelEmergency, 3},
		{3, models.AlertLevelCritical, 5},
		{4, models.AlertLevelCritical, 5},
		{5, models.AlertLevelLow, 15},
		{14, models.AlertLevelLow, 15},
		{15, "", 0},
		{100, "", 0},
	}
	for _, tc := range cases {
		level, threshold := ClassifyUnits(tc.units)
		require.Equal(t, tc.level, level, "units=%d", tc.units)
		require.Equal(t, tc.threshold, threshold, "units=%d", tc.units)
	}
}

func TestStockStatusBands(t *testing.T) {
	require.Equal(t, "EMERGENCY", StockStatus(2))
	require.Equal(t, "CRITICAL", StockStatus(4))
	require.Equal(t, "LOW", StockStatus(14))
	require.Equal(t, "MODERATE", StockStatus(29))
	require.Equal(t, "GOOD", StockStatus(30))
}

func TestAlertScanCreatesAtMostOneOpenAlert(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	alerts := &fakeAlertStore{}
	svc := newTestAlertService(store, alerts, &recordingNotifier{})

	ingestUnits(t, store, hospital, models.BloodGroupOPos, 2)

	created, err := svc.CheckAndCreateAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	open, err := alerts.FindOpen(context.Background(), hospital.ID, models.BloodGroupOPos)
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Equal(t, models.AlertLevelEmergency, open.AlertLevel)
	require.Equal(t, 3, open.Threshold)
	require.Equal(t, 2, open.CurrentUnits)

	// A second scan over the same state raises nothing new
	created, err = svc.CheckAndCreateAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, created)

	n, err := alerts.CountOpen(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestAlertNotDowngradedOnPartialRecovery(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	alerts := &fakeAlertStore{}
	svc := newTestAlertService(store, alerts, &recordingNotifier{})

	ingestUnits(t, store, hospital, models.BloodGroupAPos, 2)
	_, err := svc.CheckAndCreateAlerts(context.Background())
	require.NoError(t, err)

	// Partial recovery into the critical band keeps the emergency alert
	// open and unchanged
	ingestUnits(t, store, hospital, models.BloodGroupAPos, 2)
	created, err := svc.CheckAndCreateAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, created)

	open, err := alerts.FindOpen(context.Background(), hospital.ID, models.BloodGroupAPos)
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Equal(t, models.AlertLevelEmergency, open.AlertLevel)
	require.Equal(t, 2, open.CurrentUnits)
}

func TestAlertResolvesWhenStockClearsAllThresholds(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	alerts := &fakeAlertStore{}
	svc := newTestAlertService(store, alerts, &recordingNotifier{})

	ingestUnits(t, store, hospital, models.BloodGroupBPos, 2)
	created, err := svc.CheckAndCreateAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	ingestUnits(t, store, hospital, models.BloodGroupBPos, 20)
	created, err = svc.CheckAndCreateAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, created)

	open, err := alerts.FindOpen(context.Background(), hospital.ID, models.BloodGroupBPos)
	require.NoError(t, err)
	require.Nil(t, open)

	resolved := true
	list, err := svc.ListAlerts(context.Background(), repositories.AlertFilter{Resolved: &resolved})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestNotifyOpenAlerts(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	alerts := &fakeAlertStore{}
	notifier := &recordingNotifier{}
	svc := newTestAlertService(store, alerts, notifier)

	ingestUnits(t, store, hospital, models.BloodGroupONeg, 1)
	_, err := svc.CheckAndCreateAlerts(context.Background())
	require.NoError(t, err)

	sent, failed, err := svc.NotifyOpenAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, 0, failed)
	require.Len(t, notifier.messages, 1)
	require.Contains(t, notifier.messages[0], models.BloodGroupONeg)

	// Already-notified alerts are not re-sent
	sent, failed, err = svc.NotifyOpenAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, sent)
	require.Equal(t, 0, failed)
}

func TestNotifyOpenAlertsSinkFailureDoesNotMarkNotified(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	alerts := &fakeAlertStore{}
	notifier := &recordingNotifier{fail: true}
	svc := newTestAlertService(store, alerts, notifier)

	ingestUnits(t, store, hospital, models.BloodGroupABNeg, 0)
	_, err := svc.CheckAndCreateAlerts(context.Background())
	require.NoError(t, err)

	sent, failed, err := svc.NotifyOpenAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, sent)
	require.Equal(t, 1, failed)

	// The alert stays queued for the next pass
	notifier.fail = false
	sent, _, err = svc.NotifyOpenAlerts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)
}
