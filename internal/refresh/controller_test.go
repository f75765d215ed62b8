package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/internal/monitoring"
	"github.com/seemycity/muni-health/internal/resilience"
	"github.com/seemycity/muni-health/internal/store"
	"github.com/seemycity/muni-health/pkg/munimoney"
)

// memStore is an in-memory Store that enforces one row per (entity, year).
type memStore struct {
	mu        sync.Mutex
	entities  map[string]model.Entity
	rows      map[string]model.FinancialRecord
	upserts   int
	reads     atomic.Int64
	onRead    func(n int64)
	getErr    error
	upsertErr error
}

func newMemStore(entities ...model.Entity) *memStore {
	s := &memStore{
		entities: make(map[string]model.Entity),
		rows:     make(map[string]model.FinancialRecord),
	}
	for _, e := range entities {
		s.entities[e.ID] = e
	}
	return s
}

func rowKey(id string, year int) string {
	return fmt.Sprintf("%s/%d", id, year)
}

func (s *memStore) GetEntity(_ context.Context, id string) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (s *memStore) ListEntities(_ context.Context, _ store.EntityFilter) ([]model.EntitySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EntitySummary, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, model.EntitySummary{Entity: e})
	}
	return out, nil
}

func (s *memStore) GetFinancial(_ context.Context, id string, year int) (*model.FinancialRecord, error) {
	n := s.reads.Add(1)
	s.mu.Lock()
	err := s.getErr
	rec, ok := s.rows[rowKey(id, year)]
	s.mu.Unlock()

	if s.onRead != nil {
		s.onRead(n)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) UpsertFinancial(_ context.Context, rec model.FinancialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts++
	s.rows[rowKey(rec.EntityID, rec.Year())] = rec
	return nil
}

func (s *memStore) put(rec model.FinancialRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rowKey(rec.EntityID, rec.Year())] = rec
}

func (s *memStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// fakeAggregator returns results in order, repeating the last one.
type fakeAggregator struct {
	calls   atomic.Int64
	gate    chan struct{}
	started chan struct{}
	results []aggResult
}

type aggResult struct {
	ms    model.MetricSet
	err   error
	panic string
}

func (f *fakeAggregator) Aggregate(ctx context.Context, _ string, year int) (model.MetricSet, error) {
	n := int(f.calls.Add(1))
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return model.MetricSet{}, ctx.Err()
		}
	}
	r := f.results[min(n, len(f.results))-1]
	if r.panic != "" {
		panic(r.panic)
	}
	r.ms.Year = year
	return r.ms, r.err
}

func nd(s string) decimal.NullDecimal {
	return model.NullDecimal(decimal.RequireFromString(s))
}

func capeTown() model.Entity {
	pop := 4_600_000.0
	return model.Entity{ID: "CPT", Name: "City of Cape Town", Province: "Western Cape", Population: &pop}
}

func capeTownMetrics() model.MetricSet {
	return model.MetricSet{
		Revenue:            nd("500000000"),
		Expenditure:        nd("480000000"),
		CapitalExpenditure: nd("80000000"),
		Debt:               nd("120000000"),
		AuditOutcome:       model.AuditClean.Ptr(),
	}
}

func serverError() error {
	return &munimoney.Error{Kind: munimoney.KindServer, StatusCode: 503, Cube: "incexp_v2"}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.Attempts = 1
	return cfg
}

type harness struct {
	ctl     *Controller
	store   *memStore
	agg     *fakeAggregator
	clock   *clockwork.FakeClock
	metrics *monitoring.Metrics
}

func newHarness(t *testing.T, cfg Config, results ...aggResult) *harness {
	t.Helper()
	if len(results) == 0 {
		results = []aggResult{{ms: capeTownMetrics()}}
	}
	h := &harness{
		store:   newMemStore(capeTown()),
		agg:     &fakeAggregator{results: results},
		clock:   clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)),
		metrics: monitoring.NewMetricsForTesting(),
	}
	h.ctl = New(h.store, h.agg, cfg, WithClock(h.clock), WithMetrics(h.metrics))
	return h
}

func (h *harness) cachedRecord(age time.Duration) model.FinancialRecord {
	ms := capeTownMetrics()
	ms.Year = 2023
	return model.FinancialRecord{
		EntityID:  "CPT",
		Metrics:   ms,
		Scores:    model.ScoreResult{Overall: 42},
		FetchedAt: h.clock.Now().Add(-age).UTC(),
	}
}

func TestGet_FreshCacheServedWithoutUpstream(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.put(h.cachedRecord(time.Hour))

	res, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.NoError(t, err)
	assert.Equal(t, StateServingCached, res.State)
	assert.False(t, res.Refreshed)
	assert.False(t, res.Stale)
	assert.Equal(t, 42.0, res.Record.Scores.Overall)
	assert.Zero(t, h.agg.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshOutcomes.WithLabelValues(string(StateServingCached))))
}

func TestGet_MissingRowRefreshesAndScores(t *testing.T) {
	h := newHarness(t, testConfig())

	res, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.NoError(t, err)
	assert.Equal(t, StateServingCached, res.State)
	assert.True(t, res.Refreshed)
	require.NotNil(t, res.Record)
	assert.Equal(t, 2023, res.Record.Year())
	assert.InDelta(t, 60.94, res.Record.Scores.Overall, 0.001)
	assert.InDelta(t, 46.43, res.Record.Scores.Infrastructure, 0.001)
	assert.Equal(t, h.clock.Now().UTC(), res.Record.FetchedAt)

	assert.Equal(t, int64(1), h.agg.calls.Load())
	assert.Equal(t, 1, h.store.upserts)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UpstreamFetches.WithLabelValues("success")))
}

func TestGet_StaleRowRefreshed(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.put(h.cachedRecord(25 * time.Hour))

	res, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.InDelta(t, 60.94, res.Record.Scores.Overall, 0.001)
	assert.Equal(t, 1, h.store.rowCount())
}

func TestGet_TTLTransitionWithFakeClock(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.ctl.Get(ctx, "CPT", 2023)
	require.NoError(t, err)

	h.clock.Advance(23 * time.Hour)
	res, err := h.ctl.Get(ctx, "CPT", 2023)
	require.NoError(t, err)
	assert.False(t, res.Refreshed)
	assert.Equal(t, int64(1), h.agg.calls.Load())

	h.clock.Advance(2 * time.Hour)
	res, err = h.ctl.Get(ctx, "CPT", 2023)
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, int64(2), h.agg.calls.Load())
	assert.Equal(t, 1, h.store.rowCount())
}

func TestRefresh_ForceBypassesFreshness(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.put(h.cachedRecord(time.Minute))

	res, err := h.ctl.Refresh(context.Background(), "CPT", 2023, true)
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, int64(1), h.agg.calls.Load())
}

func TestGet_RefreshFailureServesStale(t *testing.T) {
	h := newHarness(t, testConfig(), aggResult{err: serverError()})
	stale := h.cachedRecord(48 * time.Hour)
	h.store.put(stale)

	res, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.NoError(t, err)
	assert.Equal(t, StateRefreshFailedServeStale, res.State)
	assert.True(t, res.Stale)
	assert.False(t, res.Refreshed)
	require.Error(t, res.RefreshErr)
	assert.True(t, munimoney.IsKind(res.RefreshErr, munimoney.KindServer))
	assert.Equal(t, stale.FetchedAt, res.Record.FetchedAt)
	assert.Zero(t, h.store.upserts)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshOutcomes.WithLabelValues(string(StateRefreshFailedServeStale))))
}

func TestGet_RefreshFailureWithoutRowIsNoData(t *testing.T) {
	h := newHarness(t, testConfig(), aggResult{err: serverError()})

	res, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsNoData(err))
	assert.ErrorIs(t, err, ErrNoData)

	var nde *NoDataError
	require.ErrorAs(t, err, &nde)
	assert.Equal(t, "CPT", nde.EntityID)
	assert.Equal(t, 2023, nde.Year)
	assert.True(t, munimoney.IsKind(err, munimoney.KindServer))
	assert.Zero(t, h.store.rowCount())
}

func TestGet_EmptyMetricsNotPersisted(t *testing.T) {
	h := newHarness(t, testConfig(), aggResult{ms: model.MetricSet{}})

	_, err := h.ctl.Get(context.Background(), "CPT", 2019)
	require.Error(t, err)
	assert.True(t, IsNoData(err))
	assert.ErrorIs(t, err, ErrEmptyMetrics)
	assert.Zero(t, h.store.rowCount())
}

func TestGet_UnknownEntity(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.ctl.Get(context.Background(), "NOPE", 2023)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, IsStorage(err))
	assert.Zero(t, h.agg.calls.Load())
}

func TestGet_StoreReadFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.getErr = errors.New("connection refused")

	_, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.Error(t, err)
	assert.True(t, IsStorage(err))
	assert.Contains(t, err.Error(), "get financial")
	assert.Zero(t, h.agg.calls.Load())
}

func TestGet_UpsertFailureIsStorageErrorEvenWithStaleRow(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.put(h.cachedRecord(48 * time.Hour))
	h.store.upsertErr = errors.New("disk full")

	_, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.Error(t, err)
	assert.True(t, IsStorage(err))
	assert.False(t, IsNoData(err))
}

func TestGet_ConcurrentCallersShareOneRefresh(t *testing.T) {
	h := newHarness(t, testConfig())
	h.agg.gate = make(chan struct{})
	h.agg.started = make(chan struct{}, 1)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.ctl.Get(context.Background(), "CPT", 2023)
		}()
	}

	<-h.agg.started
	// Every caller's read plus the leader's re-check inside the flight.
	require.Eventually(t, func() bool { return h.store.reads.Load() == callers+1 }, 2*time.Second, 5*time.Millisecond)
	// Let the remaining callers reach the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(h.agg.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, StateServingCached, results[i].State)
		assert.Same(t, results[0].Record, results[i].Record)
	}
	assert.Equal(t, int64(1), h.agg.calls.Load())
	assert.Equal(t, 1, h.store.upserts)
	assert.Equal(t, 1, h.store.rowCount())
	assert.Equal(t, float64(callers-1), testutil.ToFloat64(h.metrics.SingleflightJoins))
}

func TestGet_LateStaleReaderReusesCompletedRefresh(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.put(h.cachedRecord(48 * time.Hour))

	// The first read sees the stale row, then parks until another caller
	// has refreshed and released the key.
	parked := make(chan struct{})
	release := make(chan struct{})
	h.store.onRead = func(n int64) {
		if n == 1 {
			close(parked)
			<-release
		}
	}

	late := make(chan *Result, 1)
	go func() {
		res, err := h.ctl.Get(context.Background(), "CPT", 2023)
		assert.NoError(t, err)
		late <- res
	}()
	<-parked

	first, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.NoError(t, err)
	require.True(t, first.Refreshed)
	require.Equal(t, int64(1), h.agg.calls.Load())

	close(release)
	res := <-late
	require.NotNil(t, res)
	assert.Equal(t, StateServingCached, res.State)
	assert.False(t, res.Refreshed)
	assert.Equal(t, first.Record.FetchedAt, res.Record.FetchedAt)
	assert.Equal(t, int64(1), h.agg.calls.Load())
	assert.Equal(t, 1, h.store.upserts)
}

func TestRefresh_ForceSkipsRecheck(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.put(h.cachedRecord(time.Minute))

	_, err := h.ctl.Refresh(context.Background(), "CPT", 2023, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.store.reads.Load())
	assert.Equal(t, int64(1), h.agg.calls.Load())
}

func TestGet_PanicInFetchBecomesError(t *testing.T) {
	h := newHarness(t, testConfig(), aggResult{panic: "boom"})

	_, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.Error(t, err)
	assert.True(t, IsNoData(err))
	assert.Contains(t, err.Error(), "panicked")
}

func TestGet_DistinctKeysRefreshIndependently(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.ctl.Get(ctx, "CPT", 2022)
	require.NoError(t, err)
	_, err = h.ctl.Get(ctx, "CPT", 2023)
	require.NoError(t, err)

	assert.Equal(t, int64(2), h.agg.calls.Load())
	assert.Equal(t, 2, h.store.rowCount())
}

func TestGet_CallerCancelDoesNotFailJoiners(t *testing.T) {
	h := newHarness(t, testConfig())
	h.agg.gate = make(chan struct{})
	h.agg.started = make(chan struct{}, 1)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.ctl.Get(leaderCtx, "CPT", 2023)
		leaderErr <- err
	}()
	<-h.agg.started

	joined := make(chan *Result, 1)
	go func() {
		res, err := h.ctl.Get(context.Background(), "CPT", 2023)
		if err != nil {
			joined <- nil
			return
		}
		joined <- res
	}()
	require.Eventually(t, func() bool { return h.store.reads.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancel()
	err := <-leaderErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	close(h.agg.gate)
	res := <-joined
	require.NotNil(t, res)
	assert.True(t, res.Refreshed)
	assert.Equal(t, int64(1), h.agg.calls.Load())
	assert.Equal(t, 1, h.store.rowCount())
}

func TestGet_RetriesRetryableUpstreamErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.Attempts = 3
	cfg.Retry.Initial = 100 * time.Millisecond
	h := newHarness(t, cfg, aggResult{err: serverError()}, aggResult{ms: capeTownMetrics()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.ctl.Get(ctx, "CPT", 2023)
		done <- err
	}()

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(time.Second)

	require.NoError(t, <-done)
	assert.Equal(t, int64(2), h.agg.calls.Load())
}

func TestGet_ClientErrorsNotRetried(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.Attempts = 3
	badCut := &munimoney.Error{Kind: munimoney.KindClient, StatusCode: 400, Cube: "incexp_v2"}
	h := newHarness(t, cfg, aggResult{err: badCut})

	_, err := h.ctl.Get(context.Background(), "CPT", 2023)
	require.Error(t, err)
	assert.True(t, IsNoData(err))
	assert.Equal(t, int64(1), h.agg.calls.Load())
}

func TestGet_CircuitOpensAfterRepeatedUpstreamFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker = resilience.BreakerConfig{Threshold: 2, Cooldown: 30 * time.Second}
	h := newHarness(t, cfg, aggResult{err: serverError()})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.ctl.Get(ctx, "CPT", 2023)
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, h.ctl.Breaker().State())
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(h.metrics.UpstreamCircuit))

	_, err := h.ctl.Get(ctx, "CPT", 2023)
	require.Error(t, err)
	assert.True(t, IsNoData(err))
	assert.ErrorIs(t, err, resilience.ErrBreakerOpen)
	assert.Equal(t, int64(2), h.agg.calls.Load())

	h.clock.Advance(31 * time.Second)
	assert.Equal(t, resilience.StateHalfOpen, h.ctl.Breaker().State())
}

func TestNew_Defaults(t *testing.T) {
	ctl := New(newMemStore(), &fakeAggregator{}, Config{})
	assert.Equal(t, 24*time.Hour, ctl.TTL())
	assert.NotNil(t, ctl.Breaker())
	assert.Equal(t, resilience.StateClosed, ctl.Breaker().State())
}
