package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisense/agrisense-cli/internal/advisor"
	"github.com/agrisense/agrisense-cli/internal/market"
	"github.com/agrisense/agrisense-cli/internal/model"
	"github.com/agrisense/agrisense-cli/internal/store"
)

type fakeRegistry struct {
	sources []model.Source
	err     error
}

func (f *fakeRegistry) ListEnabled(context.Context) ([]model.Source, error) {
	return f.sources, f.err
}

func (f *fakeRegistry) GetSource(context.Context, int64) (*model.Source, error) {
	return nil, store.ErrSourceNotFound
}

func (f *fakeRegistry) MarkSynced(context.Context, int64, time.Time) error { return nil }

func (f *fakeRegistry) UpsertSource(context.Context, model.Source) (int64, error) { return 0, nil }

type fakePrices struct {
	aggregate []model.AggregateRow
	history   []model.HistoryRow
	inserted  []model.PriceRecord

	lastCrop  string
	lastLimit int
	lastSince time.Time
	err       error
}

func (f *fakePrices) UpsertPrices(context.Context, []model.PriceRecord) (*store.UpsertResult, error) {
	return &store.UpsertResult{}, nil
}

func (f *fakePrices) InsertPrice(_ context.Context, rec model.PriceRecord) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakePrices) Aggregate(_ context.Context, crop string, limit int) ([]model.AggregateRow, error) {
	f.lastCrop, f.lastLimit = crop, limit
	return f.aggregate, f.err
}

func (f *fakePrices) History(_ context.Context, crop string, since time.Time) ([]model.HistoryRow, error) {
	f.lastCrop, f.lastSince = crop, since
	return f.history, f.err
}

type fakeAdvisor struct {
	answer *advisor.Answer
	steps  []model.PlanStep
	err    error
}

func (f *fakeAdvisor) Ask(context.Context, string) (*advisor.Answer, error) {
	return f.answer, f.err
}

func (f *fakeAdvisor) PlanCrop(context.Context, string, string, string) ([]model.PlanStep, error) {
	return f.steps, f.err
}

type fakeRunner struct {
	report *market.RunReport
	err    error
}

func (f *fakeRunner) Run(context.Context) (*market.RunReport, error) {
	return f.report, f.err
}

func newTestServer(registry *fakeRegistry, prices *fakePrices, opts Options) *Server {
	s := NewServer(registry, prices, opts)
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func doRequest(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router([]string{"*"}).ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{})
	rec, body := doRequest(t, s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestListCrops(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{})
	rec, body := doRequest(t, s, http.MethodGet, "/api/crops", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"Maize", "Rice", "Wheat"}, body["crops"])
}

func TestCropSchedule(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{})
	rec, body := doRequest(t, s, http.MethodPost, "/api/crop-schedule",
		`{"crop": "Wheat", "sow_date": "2024-06-01"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	schedule := body["schedule"].([]any)
	require.Len(t, schedule, 7)
	first := schedule[0].(map[string]any)
	assert.Equal(t, "Sowing", first["task"])
	assert.Equal(t, "2024-06-01", first["date"])
	last := schedule[6].(map[string]any)
	assert.Equal(t, "Harvesting", last["task"])
	assert.Equal(t, "2024-09-29", last["date"])
}

func TestCropSchedule_InvalidInput(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{})

	rec, body := doRequest(t, s, http.MethodPost, "/api/crop-schedule",
		`{"crop": "Quinoa", "sow_date": "2024-06-01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid crop", body["error"])

	rec, body = doRequest(t, s, http.MethodPost, "/api/crop-schedule",
		`{"crop": "Wheat", "sow_date": "June 1st"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid sow_date", body["error"])
}

func TestAIQuery(t *testing.T) {
	adv := &fakeAdvisor{answer: &advisor.Answer{Text: "Use drip irrigation.", Confidence: 0.9}}
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{Advisor: adv})

	rec, body := doRequest(t, s, http.MethodPost, "/api/ai/query", `{"text": "How to irrigate?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := body["response"].(map[string]any)
	assert.Equal(t, "Use drip irrigation.", resp["text"])
}

func TestAIQuery_MissingText(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{Advisor: &fakeAdvisor{}})
	rec, body := doRequest(t, s, http.MethodPost, "/api/ai/query", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "text required", body["error"])
}

func TestAIQuery_NotConfigured(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{})
	rec, _ := doRequest(t, s, http.MethodPost, "/api/ai/query", `{"text": "hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPlanCrop(t *testing.T) {
	adv := &fakeAdvisor{steps: []model.PlanStep{
		{ID: 1, Date: "2024-06-01", Event: "Sowing"},
	}}
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{Advisor: adv})

	rec, body := doRequest(t, s, http.MethodPost, "/api/crops", `{"query": "Plan rice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	schedule := body["schedule"].([]any)
	require.Len(t, schedule, 1)
	assert.Equal(t, "Sowing", schedule[0].(map[string]any)["event"])
}

func TestPlanCrop_Errors(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{Advisor: &fakeAdvisor{}})
	rec, body := doRequest(t, s, http.MethodPost, "/api/crops", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "query text required", body["error"])

	s = newTestServer(&fakeRegistry{}, &fakePrices{}, Options{
		Advisor: &fakeAdvisor{err: advisor.ErrBadSchedule},
	})
	rec, body = doRequest(t, s, http.MethodPost, "/api/crops", `{"query": "Plan rice"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Invalid AI JSON response", body["error"])
}

func TestMarketLatest(t *testing.T) {
	prices := &fakePrices{aggregate: []model.AggregateRow{
		{Crop: "Wheat", AvgPrice: 2450, MinPrice: 2400, MaxPrice: 2500,
			Date: time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)},
	}}
	s := newTestServer(&fakeRegistry{}, prices, Options{})

	rec, body := doRequest(t, s, http.MethodGet, "/api/market/latest?crop=whe", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "whe", prices.lastCrop)
	assert.Equal(t, 100, prices.lastLimit)

	data := body["data"].([]any)
	require.Len(t, data, 1)
	row := data[0].(map[string]any)
	assert.Equal(t, "Wheat", row["crop"])
	assert.Equal(t, "2024-05-15", row["date"])
	assert.InDelta(t, 2450, row["avg_price"].(float64), 1e-9)
}

func TestMarketLatest_LimitClamped(t *testing.T) {
	prices := &fakePrices{}
	s := newTestServer(&fakeRegistry{}, prices, Options{})

	doRequest(t, s, http.MethodGet, "/api/market/latest?limit=5000", "")
	assert.Equal(t, 100, prices.lastLimit)

	doRequest(t, s, http.MethodGet, "/api/market/latest?limit=10", "")
	assert.Equal(t, 10, prices.lastLimit)
}

func TestMarketHistory(t *testing.T) {
	prices := &fakePrices{history: []model.HistoryRow{
		{Date: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Price: 41, SourceName: "mandi-board"},
		{Date: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), Price: 42},
	}}
	s := newTestServer(&fakeRegistry{}, prices, Options{})

	rec, body := doRequest(t, s, http.MethodGet, "/api/market/history?crop=rice&days=30", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rice", prices.lastCrop)
	assert.Equal(t, time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC), prices.lastSince)

	data := body["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "mandi-board", data[0].(map[string]any)["source"])
}

func TestMarketHistory_CropRequired(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{})
	rec, body := doRequest(t, s, http.MethodGet, "/api/market/history", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "crop required", body["error"])
}

func TestMarketHistory_DefaultDays(t *testing.T) {
	prices := &fakePrices{}
	s := newTestServer(&fakeRegistry{}, prices, Options{})

	doRequest(t, s, http.MethodGet, "/api/market/history?crop=rice", "")
	expected := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, -90)
	assert.Equal(t, expected, prices.lastSince)
}

func TestMarketTrends(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{})
	rec, body := doRequest(t, s, http.MethodGet, "/api/market/trends?days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].([]any)
	require.Len(t, data, 7)
	last := data[6].(map[string]any)
	assert.Equal(t, "2024-06-01", last["date"])
}

func TestMarketSources(t *testing.T) {
	registry := &fakeRegistry{sources: []model.Source{{ID: 1, Name: "mandi-board"}}}
	s := newTestServer(registry, &fakePrices{}, Options{})

	rec, body := doRequest(t, s, http.MethodGet, "/api/market/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "mandi-board", data[0].(map[string]any)["name"])
}

func TestInsertPrice(t *testing.T) {
	prices := &fakePrices{}
	s := newTestServer(&fakeRegistry{}, prices, Options{})

	rec, _ := doRequest(t, s, http.MethodPost, "/api/market/prices",
		`{"crop": "Wheat", "price": 2450, "date": "2024-05-15"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, prices.inserted, 1)
	assert.Nil(t, prices.inserted[0].SourceID)
}

func TestInsertPrice_DefaultsDateToToday(t *testing.T) {
	prices := &fakePrices{}
	s := newTestServer(&fakeRegistry{}, prices, Options{})

	rec, _ := doRequest(t, s, http.MethodPost, "/api/market/prices",
		`{"crop": "Wheat", "price": 2450}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, prices.inserted, 1)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), prices.inserted[0].Date)
}

func TestInsertPrice_Invalid(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{})

	rec, _ := doRequest(t, s, http.MethodPost, "/api/market/prices",
		`{"crop": "Wheat", "price": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doRequest(t, s, http.MethodPost, "/api/market/prices",
		`{"crop": "Wheat", "price": 10, "date": "2030-01-01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarketSync(t *testing.T) {
	runner := &fakeRunner{report: &market.RunReport{
		ID: "run-1", State: market.StateCompleted, Synced: 2,
	}}
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{Runner: runner})

	rec, body := doRequest(t, s, http.MethodPost, "/api/market/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, "completed", body["state"])
}

func TestMarketSync_Conflict(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{}, Options{
		Runner: &fakeRunner{err: market.ErrRunInProgress},
	})
	rec, body := doRequest(t, s, http.MethodPost, "/api/market/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "sync already in progress", body["error"])
}

func TestMarketLatest_StoreError(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, &fakePrices{err: eris.New("db down")}, Options{})
	rec, body := doRequest(t, s, http.MethodGet, "/api/market/latest", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "db down")
}
