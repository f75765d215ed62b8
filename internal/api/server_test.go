package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/internal/monitoring"
	"github.com/seemycity/muni-health/internal/refresh"
	"github.com/seemycity/muni-health/internal/store"
)

type fakeStore struct {
	entities   map[string]model.Entity
	summaries  []model.EntitySummary
	financials map[string][]model.FinancialRecord
	boundaries map[string]geom.T
	pingErr    error
	listErr    error
	lastFilter store.EntityFilter
}

func (f *fakeStore) GetEntity(_ context.Context, id string) (*model.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "store: entity %s", id)
	}
	return &e, nil
}

func (f *fakeStore) ListEntities(_ context.Context, filter store.EntityFilter) ([]model.EntitySummary, error) {
	f.lastFilter = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.summaries, nil
}

func (f *fakeStore) ListFinancials(_ context.Context, id string) ([]model.FinancialRecord, error) {
	return f.financials[id], nil
}

func (f *fakeStore) GetBoundary(_ context.Context, id string) (geom.T, error) {
	return f.boundaries[id], nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeRefresher struct {
	result   *refresh.Result
	err      error
	lastID   string
	lastYear int
}

func (f *fakeRefresher) Get(_ context.Context, id string, year int) (*refresh.Result, error) {
	f.lastID = id
	f.lastYear = year
	return f.result, f.err
}

func strPtr(s string) *string     { return &s }
func floatPtr(v float64) *float64 { return &v }

func capeTownRecord(fetched time.Time) model.FinancialRecord {
	nd := func(s string) decimal.NullDecimal { return model.NullDecimal(decimal.RequireFromString(s)) }
	return model.FinancialRecord{
		EntityID: "CPT",
		Metrics: model.MetricSet{
			Year:               2023,
			Revenue:            nd("500000000"),
			Expenditure:        nd("480000000"),
			CapitalExpenditure: nd("80000000"),
			Debt:               nd("120000000"),
			AuditOutcome:       model.AuditClean.Ptr(),
		},
		Scores: model.ScoreResult{
			Overall: 60.94, FinancialHealth: 45, Infrastructure: 46.43, Efficiency: 63.33, Accountability: 100,
		},
		FetchedAt: fetched,
	}
}

func square() *geom.MultiPolygon {
	return geom.NewMultiPolygonFlat(geom.XY, []float64{18, -34, 19, -34, 19, -33, 18, -33, 18, -34},
		[][]int{{10}}).SetSRID(4326)
}

func newFixture() (*fakeStore, *fakeRefresher) {
	cpt := model.Entity{
		ID: "CPT", Name: "City of Cape Town", Province: "Western Cape",
		Population:     floatPtr(4_600_000),
		Classification: strPtr("A"),
		Website:        strPtr("https://www.capetown.gov.za"),
	}
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := capeTownRecord(fetched)
	st := &fakeStore{
		entities: map[string]model.Entity{"CPT": cpt},
		summaries: []model.EntitySummary{
			{Entity: cpt, LatestScore: floatPtr(60.94), LatestYear: func() *int { y := 2023; return &y }(), Geometry: square()},
			{Entity: model.Entity{ID: "WC011", Name: "Matzikama", Province: "Western Cape"}},
		},
		financials: map[string][]model.FinancialRecord{"CPT": {rec}},
		boundaries: map[string]geom.T{"CPT": square()},
	}
	rf := &fakeRefresher{result: &refresh.Result{Record: &rec, State: refresh.StateServingCached}}
	return st, rf
}

func newTestServer(st *fakeStore, rf *fakeRefresher) (*Server, *monitoring.Metrics) {
	m := monitoring.NewMetricsForTesting()
	return NewServer(st, rf, Config{DefaultYear: 2023}, m), m
}

func get(t *testing.T, srv http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(newFixture())
	rec, body := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestReady(t *testing.T) {
	st, rf := newFixture()
	srv, _ := newTestServer(st, rf)

	rec, body := get(t, srv, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	st.pingErr = eris.New("connection refused")
	rec, body = get(t, srv, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", body["status"])
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestListEntities_FeatureCollection(t *testing.T) {
	srv, m := newTestServer(newFixture())
	rec, body := get(t, srv, "/entities")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "FeatureCollection", body["type"])
	features := body["features"].([]any)
	require.Len(t, features, 2)

	cpt := features[0].(map[string]any)
	assert.Equal(t, "Feature", cpt["type"])
	props := cpt["properties"].(map[string]any)
	assert.Equal(t, "CPT", props["id"])
	assert.Equal(t, "City of Cape Town", props["name"])
	assert.InDelta(t, 60.94, props["latest_score"], 0.001)
	assert.InDelta(t, 4_600_000, props["population"], 0.001)
	g := cpt["geometry"].(map[string]any)
	assert.Equal(t, "MultiPolygon", g["type"])

	matz := features[1].(map[string]any)
	assert.Nil(t, matz["geometry"])
	assert.Nil(t, matz["properties"].(map[string]any)["latest_score"])

	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequests))
}

func TestListEntities_FiltersAndAlias(t *testing.T) {
	st, rf := newFixture()
	srv, _ := newTestServer(st, rf)

	rec, _ := get(t, srv, "/api/municipalities?limit=5&province=Western%20Cape")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.EntityFilter{Province: "Western Cape", Limit: 5}, st.lastFilter)
}

func TestListEntities_InvalidLimit(t *testing.T) {
	srv, _ := newTestServer(newFixture())
	for _, limit := range []string{"abc", "0", "-3", "5000"} {
		rec, body := get(t, srv, "/entities?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
		assert.Equal(t, codeInvalidParam, errorCode(body), limit)
	}
}

func TestListEntities_StoreError(t *testing.T) {
	st, rf := newFixture()
	st.listErr = eris.New("pq: relation does not exist")
	srv, _ := newTestServer(st, rf)

	rec, body := get(t, srv, "/entities")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, codeServiceUnavailable, errorCode(body))
	assert.NotContains(t, rec.Body.String(), "relation")
}

func TestEntityDetail_Cached(t *testing.T) {
	st, rf := newFixture()
	srv, _ := newTestServer(st, rf)

	rec, body := get(t, srv, "/entities/CPT")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2023, rf.lastYear)

	assert.Equal(t, "CPT", body["id"])
	assert.Equal(t, "A", body["classification"])
	assert.Equal(t, "https://www.capetown.gov.za", body["website"])
	assert.Nil(t, body["district_name"])

	fin := body["financials"].([]any)
	require.Len(t, fin, 1)
	row := fin[0].(map[string]any)
	assert.InDelta(t, 2023, row["year"], 0)
	assert.InDelta(t, 500000000, row["revenue"], 0.5)
	assert.InDelta(t, 120000000, row["debt"], 0.5)
	assert.Equal(t, "Clean", row["audit_outcome"])
	assert.InDelta(t, 60.94, row["overall_score"], 0.001)
	assert.InDelta(t, 46.43, row["infrastructure_score"], 0.001)
	assert.Equal(t, "2026-03-01T12:00:00Z", row["fetched_at"])

	assert.Equal(t, "MultiPolygon", body["geometry"].(map[string]any)["type"])

	status := body["data_status"].(map[string]any)
	assert.Equal(t, "serving_cached", status["state"])
	assert.Equal(t, false, status["stale"])
	assert.Nil(t, status["message"])
}

func TestEntityDetail_LowercaseIDIsNormalized(t *testing.T) {
	st, rf := newFixture()
	srv, _ := newTestServer(st, rf)

	rec, body := get(t, srv, "/entities/cpt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CPT", rf.lastID)
	assert.Equal(t, "CPT", body["id"])
}

func TestEntityDetail_NullMetricsSerializeAsNull(t *testing.T) {
	st, rf := newFixture()
	rec := st.financials["CPT"][0]
	rec.Metrics.Debt = decimal.NullDecimal{}
	rec.Metrics.AuditOutcome = nil
	st.financials["CPT"] = []model.FinancialRecord{rec}
	srv, _ := newTestServer(st, rf)

	resp, body := get(t, srv, "/entities/CPT")
	require.Equal(t, http.StatusOK, resp.Code)
	row := body["financials"].([]any)[0].(map[string]any)
	v, ok := row["debt"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Nil(t, row["audit_outcome"])
}

func TestEntityDetail_YearParam(t *testing.T) {
	st, rf := newFixture()
	srv, _ := newTestServer(st, rf)

	rec, _ := get(t, srv, "/entities/CPT?year=2021")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2021, rf.lastYear)

	for _, year := range []string{"twenty", "1999", "3000"} {
		rec, body := get(t, srv, "/entities/CPT?year="+year)
		assert.Equal(t, http.StatusBadRequest, rec.Code, year)
		assert.Equal(t, codeInvalidParam, errorCode(body), year)
	}
}

func TestEntityDetail_ServeStale(t *testing.T) {
	st, rf := newFixture()
	stale := capeTownRecord(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	rf.result = &refresh.Result{
		Record:     &stale,
		State:      refresh.StateRefreshFailedServeStale,
		Stale:      true,
		RefreshErr: eris.New("upstream 503"),
	}
	srv, _ := newTestServer(st, rf)

	rec, body := get(t, srv, "/entities/CPT")
	require.Equal(t, http.StatusOK, rec.Code)
	status := body["data_status"].(map[string]any)
	assert.Equal(t, "refresh_failed_serve_stale", status["state"])
	assert.Equal(t, true, status["stale"])
	assert.Contains(t, status["message"], "2026-02-01T00:00:00Z")
	assert.NotContains(t, rec.Body.String(), "upstream 503")
}

func TestEntityDetail_NotFound(t *testing.T) {
	st, rf := newFixture()
	rf.err = eris.Wrap(store.ErrNotFound, "refresh: lookup entity")
	rf.result = nil
	srv, _ := newTestServer(st, rf)

	rec, body := get(t, srv, "/entities/XYZ")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, errorCode(body))
}

func TestEntityDetail_NoDataAtAll(t *testing.T) {
	st, rf := newFixture()
	st.financials = map[string][]model.FinancialRecord{}
	rf.result = nil
	rf.err = &refresh.NoDataError{EntityID: "CPT", Year: 2023, Err: eris.New("upstream down")}
	srv, _ := newTestServer(st, rf)

	rec, body := get(t, srv, "/entities/CPT")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, codeNoData, errorCode(body))
	assert.NotContains(t, rec.Body.String(), "upstream down")
}

func TestEntityDetail_NoDataForYearKeepsOtherYears(t *testing.T) {
	st, rf := newFixture()
	rf.result = nil
	rf.err = &refresh.NoDataError{EntityID: "CPT", Year: 2024, Err: eris.New("upstream down")}
	srv, _ := newTestServer(st, rf)

	rec, body := get(t, srv, "/entities/CPT?year=2024")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["financials"].([]any), 1)
	status := body["data_status"].(map[string]any)
	assert.Equal(t, "refresh_failed_no_data", status["state"])
	assert.InDelta(t, 2024, status["year"], 0)
}

func TestEntityDetail_StorageError(t *testing.T) {
	st, rf := newFixture()
	rf.result = nil
	rf.err = &refresh.StorageError{Op: "upsert financial", Err: eris.New("disk full")}
	srv, _ := newTestServer(st, rf)

	rec, body := get(t, srv, "/entities/CPT")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, codeServiceUnavailable, errorCode(body))
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(newFixture())
	rec, body := get(t, srv, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, errorCode(body))
}

func TestCORS_Preflight(t *testing.T) {
	st, rf := newFixture()
	srv := NewServer(st, rf, Config{DefaultYear: 2023, AllowedOrigins: []string{"https://seemycity.example"}}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/entities", nil)
	req.Header.Set("Origin", "https://seemycity.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, "https://seemycity.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(newFixture())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
