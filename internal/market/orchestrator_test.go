package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisense/agrisense-cli/internal/model"
	"github.com/agrisense/agrisense-cli/internal/store"
)

type fakeRegistry struct {
	sources []model.Source

	mu     sync.Mutex
	synced map[int64]time.Time
}

func (f *fakeRegistry) ListEnabled(context.Context) ([]model.Source, error) {
	return f.sources, nil
}

func (f *fakeRegistry) GetSource(_ context.Context, id int64) (*model.Source, error) {
	for _, s := range f.sources {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, store.ErrSourceNotFound
}

func (f *fakeRegistry) MarkSynced(_ context.Context, id int64, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.synced == nil {
		f.synced = map[int64]time.Time{}
	}
	f.synced[id] = ts
	return nil
}

func (f *fakeRegistry) UpsertSource(context.Context, model.Source) (int64, error) {
	return 0, nil
}

type fakePrices struct {
	mu      sync.Mutex
	batches [][]model.PriceRecord
	err     error
}

func (f *fakePrices) UpsertPrices(_ context.Context, records []model.PriceRecord) (*store.UpsertResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.batches = append(f.batches, records)
	f.mu.Unlock()
	return &store.UpsertResult{Inserted: int64(len(records))}, nil
}

func (f *fakePrices) InsertPrice(context.Context, model.PriceRecord) error { return nil }

func (f *fakePrices) Aggregate(context.Context, string, int) ([]model.AggregateRow, error) {
	return nil, nil
}

func (f *fakePrices) History(context.Context, string, time.Time) ([]model.HistoryRow, error) {
	return nil, nil
}

type fakeSyncLog struct {
	mu        sync.Mutex
	nextID    int64
	completed []int64
	failed    map[int64]string
}

func (f *fakeSyncLog) StartSync(context.Context, string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeSyncLog) CompleteSync(_ context.Context, syncID int64, _ int64, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, syncID)
	return nil
}

func (f *fakeSyncLog) FailSync(_ context.Context, syncID int64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[int64]string{}
	}
	f.failed[syncID] = msg
	return nil
}

func (f *fakeSyncLog) LastSuccess(context.Context, string) (*time.Time, error) {
	return nil, nil
}

func (f *fakeSyncLog) ListSyncEntries(context.Context, int) ([]store.SyncEntry, error) {
	return nil, nil
}

type fakeFetcher struct {
	payloads map[string]*model.RawPayload
	errs     map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, src model.Source) (*model.RawPayload, error) {
	if err := f.errs[src.Name]; err != nil {
		return nil, err
	}
	return f.payloads[src.Name], nil
}

func testSources() []model.Source {
	return []model.Source{
		{
			ID:   1,
			Name: "agri-api",
			Kind: model.KindStructuredAPI,
			Mapping: &model.FieldMapping{
				ItemsPath:  "prices",
				CropField:  "crop",
				PriceField: "price",
			},
		},
		{ID: 2, Name: "mandi-board", Kind: model.KindScrape},
	}
}

func TestOrchestrator_RunCompletes(t *testing.T) {
	registry := &fakeRegistry{sources: testSources()}
	prices := &fakePrices{}
	syncLog := &fakeSyncLog{}
	fetch := &fakeFetcher{payloads: map[string]*model.RawPayload{
		"agri-api": {Kind: model.PayloadJSON, Value: map[string]any{
			"prices": []any{map[string]any{"crop": "Rice", "price": 42.5}},
		}},
		"mandi-board": {Kind: model.PayloadHTML, Body: []byte(`<table id="priceTable">
			<tr><th>h</th></tr>
			<tr><td>01-05-2024</td><td>Wheat</td><td></td><td>Pune</td><td>2000</td></tr>
		</table>`)},
	}}

	o := NewOrchestrator(registry, prices, syncLog, fetch, Options{})
	o.now = func() time.Time { return testNow }

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, 2, report.Synced)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.ID)
	require.Len(t, report.Sources, 2)
	for _, sr := range report.Sources {
		assert.False(t, sr.Failed())
		assert.Equal(t, int64(1), sr.Inserted)
	}

	assert.Len(t, prices.batches, 2)
	assert.Equal(t, testNow, registry.synced[1], "last_synced advances to the run start")
	assert.Equal(t, testNow, registry.synced[2])
	assert.Len(t, syncLog.completed, 2)
	assert.Empty(t, syncLog.failed)
}

func TestOrchestrator_IsolatesSourceFailures(t *testing.T) {
	registry := &fakeRegistry{sources: testSources()}
	prices := &fakePrices{}
	syncLog := &fakeSyncLog{}
	fetch := &fakeFetcher{
		payloads: map[string]*model.RawPayload{
			"mandi-board": {Kind: model.PayloadHTML, Body: []byte(`<table id="priceTable">
				<tr><th>h</th></tr>
				<tr><td>01-05-2024</td><td>Wheat</td><td></td><td>Pune</td><td>2000</td></tr>
			</table>`)},
		},
		errs: map[string]error{"agri-api": eris.New("connection refused")},
	}

	o := NewOrchestrator(registry, prices, syncLog, fetch, Options{})
	o.now = func() time.Time { return testNow }

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyFailed, report.State)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Failed)

	var failed *SourceReport
	for i := range report.Sources {
		if report.Sources[i].Failed() {
			failed = &report.Sources[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "agri-api", failed.Name)
	assert.Contains(t, failed.Err, "connection refused")

	assert.Contains(t, registry.synced, int64(2))
	assert.NotContains(t, registry.synced, int64(1))
	assert.Len(t, syncLog.failed, 1)
}

func TestOrchestrator_RejectsOverlappingRuns(t *testing.T) {
	o := NewOrchestrator(&fakeRegistry{}, &fakePrices{}, &fakeSyncLog{}, &fakeFetcher{}, Options{})
	o.inFlight.Store(true)

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	o.inFlight.Store(false)
	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
}

func TestOrchestrator_CountsSkippedAndDropped(t *testing.T) {
	registry := &fakeRegistry{sources: testSources()[:1]}
	prices := &fakePrices{}
	syncLog := &fakeSyncLog{}
	fetch := &fakeFetcher{payloads: map[string]*model.RawPayload{
		"agri-api": {Kind: model.PayloadJSON, Value: map[string]any{
			"prices": []any{
				map[string]any{"crop": "Rice", "price": 42.5},
				map[string]any{"crop": "Rice", "price": "n/a"},
			},
		}},
	}}

	o := NewOrchestrator(registry, prices, syncLog, fetch, Options{})
	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	assert.Equal(t, 1, report.Sources[0].Skipped)
	assert.Equal(t, int64(1), report.Sources[0].Inserted)
}
