package services

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/bloodsync/services/inventory/config"
	"example.com/bloodsync/services/inventory/internal/metrics"
	"example.com/bloodsync/services/inventory/internal/models"
	"example.com/bloodsync/services/inventory/internal/repositories"
	"example.com/bloodsync/services/inventory/internal/tracing"
)

func disabledTracer() tracing.Tracer {
	t, _ := tracing.NewTracer(config.TracingConfig{})
	return t
}

// fakeInventoryStore is an in-memory ledger plus stock view implementing
// both LedgerStore and StockStore.
type fakeInventoryStore struct {
	mu    sync.Mutex
	txns  []models.Transaction
	stock map[string]*models.BloodStock
}

func newFakeInventoryStore() *fakeInventoryStore {
	return &fakeInventoryStore{stock: map[string]*models.BloodStock{}}
}

func (f *fakeInventoryStore) Ingest(ctx context.Context, txn *models.Transaction) (*models.BloodStock, error) {
	k := stockKey(txn.HospitalID, txn.BloodGroup, txn.ProductType)

	f.mu.Lock()
	st, ok := f.stock[k]
	if !ok {
		st = &models.BloodStock{
			ID:          uuid.New(),
			HospitalID:  txn.HospitalID,
			BloodGroup:  txn.BloodGroup,
			ProductType: txn.ProductType,
		}
		f.stock[k] = st
	}
	f.txns = append(f.txns, *txn)
	f.mu.Unlock()

	// Unlocked read-modify-write: correctness depends on the caller
	// serializing ingestion per stock key, as the row lock does in Postgres.
	current := st.UnitsAvailable
	runtime.Gosched()
	st.UnitsAvailable = models.ClampUnits(current, txn.UnitsChange)
	st.UpdatedAt = time.Now()

	cp := *st
	return &cp, nil
}

func (f *fakeInventoryStore) List(ctx context.Context, filter repositories.TransactionFilter) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Transaction
	for i := len(f.txns) - 1; i >= 0; i-- {
		t := f.txns[i]
		if filter.HospitalID != nil && t.HospitalID != *filter.HospitalID {
			continue
		}
		if filter.BloodGroup != "" && t.BloodGroup != filter.BloodGroup {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeInventoryStore) SumDeltas(ctx context.Context, hospitalID uuid.UUID, bloodGroup, productType string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sum int64
	for _, t := range f.txns {
		if t.HospitalID == hospitalID && t.BloodGroup == bloodGroup && t.ProductType == productType {
			sum += int64(t.UnitsChange)
		}
	}
	return sum, nil
}

func (f *fakeInventoryStore) Get(ctx context.Context, hospitalID uuid.UUID, bloodGroup, productType string) (*models.BloodStock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.stock[stockKey(hospitalID, bloodGroup, productType)]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (f *fakeInventoryStore) ListByHospital(ctx context.Context, hospitalID uuid.UUID) ([]models.BloodStock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.BloodStock
	for _, st := range f.stock {
		if st.HospitalID == hospitalID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (f *fakeInventoryStore) ListAll(ctx context.Context) ([]models.BloodStock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.BloodStock
	for _, st := range f.stock {
		out = append(out, *st)
	}
	return out, nil
}

// fakeStockView adapts fakeInventoryStore to StockStore; the ledger and
// stock List methods have different filters, so the stock one lives on a
// wrapper.
type fakeStockView struct {
	*fakeInventoryStore
}

func (f fakeStockView) List(ctx context.Context, filter repositories.StockFilter) ([]models.BloodStock, error) {
	return f.ListAll(ctx)
}

func (f *fakeInventoryStore) AggregateByCity(ctx context.Context, city string) ([]repositories.CityAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	byGroup := map[string]*repositories.CityAggregate{}
	for _, st := range f.stock {
		agg, ok := byGroup[st.BloodGroup]
		if !ok {
			agg = &repositories.CityAggregate{BloodGroup: st.BloodGroup}
			byGroup[st.BloodGroup] = agg
		}
		agg.TotalUnits += st.UnitsAvailable
		agg.Hospitals++
	}

	var out []repositories.CityAggregate
	for _, agg := range byGroup {
		out = append(out, *agg)
	}
	return out, nil
}

// fakeHospitalStore is an in-memory HospitalStore
type fakeHospitalStore struct {
	hospitals []*models.Hospital
}

func (f *fakeHospitalStore) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Hospital, error) {
	for _, h := range f.hospitals {
		if h.APIKeyHash == hash && h.IsActive {
			return h, nil
		}
	}
	return nil, nil
}

func (f *fakeHospitalStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Hospital, error) {
	for _, h := range f.hospitals {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, nil
}

func (f *fakeHospitalStore) GetByCode(ctx context.Context, code string) (*models.Hospital, error) {
	for _, h := range f.hospitals {
		if h.Code == code {
			return h, nil
		}
	}
	return nil, nil
}

func (f *fakeHospitalStore) ListActive(ctx context.Context, city string) ([]models.Hospital, error) {
	var out []models.Hospital
	for _, h := range f.hospitals {
		if h.IsActive && (city == "" || h.City == city) {
			out = append(out, *h)
		}
	}
	return out, nil
}

func newTestHospital() *models.Hospital {
	return &models.Hospital{
		ID:         uuid.New(),
		Code:       "KTM-GEN",
		Name:       "Kathmandu General",
		City:       "Kathmandu",
		IsActive:   true,
		APIKeyHash: HashAPIKey("hospital-secret-key"),
	}
}

func newTestInventoryService(store *fakeInventoryStore, hospitals *fakeHospitalStore) *InventoryService {
	return &InventoryService{
		ledger:    store,
		stock:     fakeStockView{store},
		hospitals: hospitals,
		metrics:   metrics.NewMetrics(),
		tracer:    disabledTracer(),
		locks:     newKeyedMutex(),
	}
}

func validPayload(units int) IngestPayload {
	return IngestPayload{
		BloodGroup:  models.BloodGroupOPos,
		ProductType: models.ProductWholeBlood,
		UnitsChange: units,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
}

func TestHashAPIKey(t *testing.T) {
	// SHA-256 fingerprint, hex encoded
	require.Equal(t,
		"544f9eeee24d1b0534c73da7e5bc623f2d4e709ae03cdd794f7eed6c3dd6db22",
		HashAPIKey("hospital-secret-key"))
	require.Len(t, HashAPIKey("another-key"), 64)
	require.NotEqual(t, HashAPIKey("a"), HashAPIKey("b"))
}

func TestAuthenticateHospital(t *testing.T) {
	hospital := newTestHospital()
	svc := newTestInventoryService(newFakeInventoryStore(), &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	got, err := svc.AuthenticateHospital(context.Background(), "hospital-secret-key")
	require.NoError(t, err)
	require.Equal(t, hospital.ID, got.ID)

	_, err = svc.AuthenticateHospital(context.Background(), "wrong-key")
	require.ErrorIs(t, err, ErrUnauthorized)

	hospital.IsActive = false
	_, err = svc.AuthenticateHospital(context.Background(), "hospital-secret-key")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestIngestValidation(t *testing.T) {
	hospital := newTestHospital()
	svc := newTestInventoryService(newFakeInventoryStore(), &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	cases := []struct {
		name    string
		mutate  func(*IngestPayload)
		field   string
	}{
		{"unknown blood group", func(p *IngestPayload) { p.BloodGroup = "Z+" }, "blood_group"},
		{"unknown product", func(p *IngestPayload) { p.ProductType = "marrow" }, "product_type"},
		{"missing timestamp", func(p *IngestPayload) { p.Timestamp = "" }, "timestamp"},
		{"bad timestamp", func(p *IngestPayload) { p.Timestamp = "yesterday" }, "timestamp"},
		{"long source reference", func(p *IngestPayload) {
			for len(p.SourceReference) <= 100 {
				p.SourceReference += "x"
			}
		}, "source_reference"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := validPayload(1)
			tc.mutate(&payload)

			_, _, err := svc.Ingest(context.Background(), hospital, payload)
			require.Error(t, err)

			ve, ok := AsValidationError(err)
			require.True(t, ok)
			require.Contains(t, ve.Fields, tc.field)
		})
	}
}

func TestIngestClampsStockAtZero(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	svc := newTestInventoryService(store, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	_, stock, err := svc.Ingest(context.Background(), hospital, validPayload(10))
	require.NoError(t, err)
	require.Equal(t, 10, stock.UnitsAvailable)

	// Issuing more than on hand clamps the view at zero but the ledger
	// keeps the full delta
	_, stock, err = svc.Ingest(context.Background(), hospital, validPayload(-15))
	require.NoError(t, err)
	require.Equal(t, 0, stock.UnitsAvailable)

	sum, err := store.SumDeltas(context.Background(), hospital.ID, models.BloodGroupOPos, models.ProductWholeBlood)
	require.NoError(t, err)
	require.Equal(t, int64(-5), sum)

	txns, err := svc.ListTransactions(context.Background(), repositories.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txns, 2)
}

func TestIngestDefaultsProductType(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	svc := newTestInventoryService(store, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	payload := validPayload(3)
	payload.ProductType = ""

	txn, _, err := svc.Ingest(context.Background(), hospital, payload)
	require.NoError(t, err)
	require.Equal(t, models.ProductWholeBlood, txn.ProductType)
}

func TestConcurrentIngestLosesNoUpdates(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	svc := newTestInventoryService(store, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	const n = 50
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := svc.Ingest(context.Background(), hospital, validPayload(1))
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	stock, err := store.Get(context.Background(), hospital.ID, models.BloodGroupOPos, models.ProductWholeBlood)
	require.NoError(t, err)
	require.Equal(t, n, stock.UnitsAvailable)

	txns, err := svc.ListTransactions(context.Background(), repositories.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txns, n)
}

func TestProcessQueueMessage(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	svc := newTestInventoryService(store, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	body, err := json.Marshal(QueueTransactionMessage{
		HospitalCode:  hospital.Code,
		IngestPayload: validPayload(4),
	})
	require.NoError(t, err)
	require.NoError(t, svc.ProcessQueueMessage(context.Background(), body))

	stock, err := store.Get(context.Background(), hospital.ID, models.BloodGroupOPos, models.ProductWholeBlood)
	require.NoError(t, err)
	require.Equal(t, 4, stock.UnitsAvailable)

	// Unknown hospital code is rejected
	body, err = json.Marshal(QueueTransactionMessage{
		HospitalCode:  "NOPE",
		IngestPayload: validPayload(4),
	})
	require.NoError(t, err)
	require.ErrorIs(t, svc.ProcessQueueMessage(context.Background(), body), ErrUnauthorized)

	// Malformed body is rejected
	require.Error(t, svc.ProcessQueueMessage(context.Background(), []byte("{not json")))
}

func TestGetStockSummaryCoversAllGroups(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	svc := newTestInventoryService(store, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	payload := validPayload(40)
	_, _, err := svc.Ingest(context.Background(), hospital, payload)
	require.NoError(t, err)

	payload = validPayload(4)
	payload.BloodGroup = models.BloodGroupANeg
	_, _, err = svc.Ingest(context.Background(), hospital, payload)
	require.NoError(t, err)

	summary, err := svc.GetStockSummary(context.Background(), hospital.ID)
	require.NoError(t, err)
	require.Len(t, summary.StockByGroup, len(models.BloodGroups))
	require.Equal(t, 44, summary.TotalUnits)

	require.Equal(t, 40, summary.StockByGroup[models.BloodGroupOPos].Units)
	require.Equal(t, "GOOD", summary.StockByGroup[models.BloodGroupOPos].Status)
	require.Equal(t, "CRITICAL", summary.StockByGroup[models.BloodGroupANeg].Status)
	require.Equal(t, "EMERGENCY", summary.StockByGroup[models.BloodGroupBNeg].Status)

	// Every group except the well stocked one is below the low threshold
	require.Len(t, summary.LowStockGroups, len(models.BloodGroups)-1)
	require.NotContains(t, summary.LowStockGroups, models.BloodGroupOPos)
}

func TestGetCityAvailability(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	svc := newTestInventoryService(store, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	_, _, err := svc.Ingest(context.Background(), hospital, validPayload(7))
	require.NoError(t, err)

	availability, err := svc.GetCityAvailability(context.Background(), "Kathmandu")
	require.NoError(t, err)
	require.Equal(t, "Kathmandu", availability.City)
	require.Len(t, availability.Hospitals, 1)
	require.Len(t, availability.Groups, 1)
	require.Equal(t, 7, availability.Groups[0].TotalUnits)

	_, err = svc.GetCityAvailability(context.Background(), "Atlantis")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetNationalStatisticsSumsAllStock(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	svc := newTestInventoryService(store, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	_, _, err := svc.Ingest(context.Background(), hospital, validPayload(7))
	require.NoError(t, err)

	stats, err := svc.GetNationalStatistics(context.Background())
	require.NoError(t, err)
	require.Len(t, stats.Groups, 1)
	require.Equal(t, 7, stats.TotalUnits)
	require.False(t, stats.FetchedAt.IsZero())
}

func TestReconcileSurfacesClampDivergence(t *testing.T) {
	hospital := newTestHospital()
	store := newFakeInventoryStore()
	svc := newTestInventoryService(store, &fakeHospitalStore{hospitals: []*models.Hospital{hospital}})

	_, _, err := svc.Ingest(context.Background(), hospital, validPayload(5))
	require.NoError(t, err)

	entries, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)

	_, _, err = svc.Ingest(context.Background(), hospital, validPayload(-8))
	require.NoError(t, err)

	entries, err = svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(-3), entries[0].LedgerSum)
	require.Equal(t, 0, entries[0].UnitsAvailable)
	require.Equal(t, int64(3), entries[0].Divergence)
}
