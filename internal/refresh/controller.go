// Package refresh implements the cache-aside controller that decides whether
// to serve a cached financial record or fetch, score, and persist a new one.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/internal/monitoring"
	"github.com/seemycity/muni-health/internal/resilience"
	"github.com/seemycity/muni-health/internal/scorer"
	"github.com/seemycity/muni-health/internal/store"
)

// State is the controller outcome for one request.
type State string

const (
	StateServingCached           State = "serving_cached"
	StateRefreshing              State = "refreshing"
	StateRefreshFailedServeStale State = "refresh_failed_serve_stale"
	StateRefreshFailedNoData     State = "refresh_failed_no_data"
)

// Aggregator fetches the metric set for an entity-year from upstream.
type Aggregator interface {
	Aggregate(ctx context.Context, entityID string, year int) (model.MetricSet, error)
}

// Store is the subset of store.Store the controller needs.
type Store interface {
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context, filter store.EntityFilter) ([]model.EntitySummary, error)
	GetFinancial(ctx context.Context, entityID string, year int) (*model.FinancialRecord, error)
	UpsertFinancial(ctx context.Context, rec model.FinancialRecord) error
}

// Result is what a Get or Refresh call resolved to.
type Result struct {
	Record *model.FinancialRecord
	State  State
	// Stale is set when Record is older than the TTL and could not be refreshed.
	Stale bool
	// Refreshed is set when Record was fetched by this call or the refresh it joined.
	Refreshed bool
	// RefreshErr holds the upstream failure behind a stale result.
	RefreshErr error
}

// Config controls freshness and the upstream call policy.
type Config struct {
	TTL     time.Duration
	Timeout time.Duration
	Retry   resilience.Backoff
	Breaker resilience.BreakerConfig
	Scoring scorer.Config
}

// DefaultConfig returns a 24h TTL, a 20s refresh timeout, and the default
// retry, breaker, and scoring settings.
func DefaultConfig() Config {
	return Config{
		TTL:     24 * time.Hour,
		Timeout: 20 * time.Second,
		Retry:   resilience.DefaultBackoff(),
		Breaker: resilience.DefaultBreakerConfig(),
		Scoring: scorer.DefaultConfig(),
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for freshness, timestamps, and backoff.
func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithMetrics sets the Prometheus collectors to record into.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// Controller coordinates the cache store and the upstream aggregator. At most
// one refresh per (entity, year) is in flight; concurrent callers join it.
type Controller struct {
	store   Store
	agg     Aggregator
	cfg     Config
	clock   clockwork.Clock
	breaker *resilience.Breaker
	metrics *monitoring.Metrics
	group   singleflight.Group
	log     *zap.Logger
}

// New creates a Controller.
func New(st Store, agg Aggregator, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		store: st,
		agg:   agg,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		log:   zap.L().With(zap.String("component", "refresh")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = monitoring.NewMetricsForTesting()
	}
	if c.cfg.TTL <= 0 {
		c.cfg.TTL = 24 * time.Hour
	}
	if c.cfg.Timeout <= 0 {
		c.cfg.Timeout = 20 * time.Second
	}

	c.cfg.Retry.Clock = c.clock
	if c.cfg.Retry.OnRetry == nil {
		c.cfg.Retry.OnRetry = resilience.LogRetries("munimoney", "aggregate")
	}

	bcfg := c.cfg.Breaker
	bcfg.Clock = c.clock
	logChange := resilience.LogTransitions("munimoney")
	bcfg.OnChange = func(from, to resilience.BreakerState) {
		logChange(from, to)
		c.metrics.UpstreamCircuit.Set(float64(to))
	}
	c.breaker = resilience.NewBreaker(bcfg)
	return c
}

// Breaker exposes the upstream circuit breaker for health reporting.
func (c *Controller) Breaker() *resilience.Breaker {
	return c.breaker
}

// TTL returns the configured freshness threshold.
func (c *Controller) TTL() time.Duration {
	return c.cfg.TTL
}

// Get returns the record for (entityID, year), refreshing it first when it
// is missing or older than the TTL.
//
// Errors: store.ErrNotFound for an unknown entity, *NoDataError when the
// refresh failed and nothing is cached, *StorageError when the cache store
// failed.
func (c *Controller) Get(ctx context.Context, entityID string, year int) (*Result, error) {
	return c.Refresh(ctx, entityID, year, false)
}

// Refresh is Get with the option to refresh a fresh row anyway.
func (c *Controller) Refresh(ctx context.Context, entityID string, year int, force bool) (*Result, error) {
	entity, err := c.store.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "get entity", Err: err}
	}

	cached, err := c.store.GetFinancial(ctx, entityID, year)
	if err != nil {
		return nil, &StorageError{Op: "get financial", Err: err}
	}

	if cached != nil && !force && c.fresh(cached) {
		c.observe(StateServingCached)
		return &Result{Record: cached, State: StateServingCached}, nil
	}

	log := c.log.With(zap.String("entity", entityID), zap.Int("year", year))
	log.Debug("refresh: refreshing", zap.String("state", string(StateRefreshing)), zap.Bool("cached", cached != nil))

	rec, fetched, err := c.refresh(ctx, *entity, year, force)
	switch {
	case err == nil:
		c.observe(StateServingCached)
		return &Result{Record: rec, State: StateServingCached, Refreshed: fetched}, nil
	case ctx.Err() != nil:
		return nil, eris.Wrap(ctx.Err(), "refresh: caller gone")
	case IsStorage(err):
		log.Error("refresh: storage failure", zap.Error(err))
		return nil, err
	case cached != nil:
		log.Warn("refresh: serving stale record",
			zap.String("state", string(StateRefreshFailedServeStale)),
			zap.Time("fetched_at", cached.FetchedAt),
			zap.Error(err),
		)
		c.observe(StateRefreshFailedServeStale)
		return &Result{
			Record:     cached,
			State:      StateRefreshFailedServeStale,
			Stale:      true,
			RefreshErr: err,
		}, nil
	default:
		log.Warn("refresh: no data available",
			zap.String("state", string(StateRefreshFailedNoData)),
			zap.Error(err),
		)
		c.observe(StateRefreshFailedNoData)
		return nil, &NoDataError{EntityID: entityID, Year: year, Err: err}
	}
}

func (c *Controller) fresh(rec *model.FinancialRecord) bool {
	return c.clock.Since(rec.FetchedAt) < c.cfg.TTL
}

func (c *Controller) observe(s State) {
	c.metrics.RefreshOutcomes.WithLabelValues(string(s)).Inc()
}

// flight is the value shared by every caller of one singleflight call.
type flight struct {
	rec     *model.FinancialRecord
	fetched bool
}

// refresh runs fetchAndStore once per key. The shared call is detached from
// the caller's cancellation and bounded by the refresh timeout, so a caller
// leaving early does not fail the others. Unless forced, the call first
// re-reads the row: a caller that saw it stale just before an earlier flight
// stored a fresh one gets that row instead of a second upstream fetch.
func (c *Controller) refresh(ctx context.Context, entity model.Entity, year int, force bool) (*model.FinancialRecord, bool, error) {
	key := fmt.Sprintf("%s:%d", entity.ID, year)

	var leader bool
	ch := c.group.DoChan(key, func() (v any, err error) {
		leader = true
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("refresh: panic in shared fetch", zap.String("key", key), zap.Any("panic", r))
				v, err = nil, eris.Errorf("refresh: fetch %s panicked: %v", key, r)
			}
		}()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		if !force {
			cur, err := c.store.GetFinancial(fctx, entity.ID, year)
			if err != nil {
				return nil, &StorageError{Op: "get financial", Err: err}
			}
			if cur != nil && c.fresh(cur) {
				return flight{rec: cur}, nil
			}
		}
		rec, err := c.fetchAndStore(fctx, entity, year)
		if err != nil {
			return nil, err
		}
		return flight{rec: rec, fetched: true}, nil
	})

	select {
	case res := <-ch:
		if res.Shared && !leader {
			c.metrics.SingleflightJoins.Inc()
		}
		if res.Err != nil {
			return nil, false, res.Err
		}
		f := res.Val.(flight)
		return f.rec, f.fetched, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *Controller) fetchAndStore(ctx context.Context, entity model.Entity, year int) (*model.FinancialRecord, error) {
	start := c.clock.Now()
	defer func() {
		c.metrics.RefreshDuration.Observe(c.clock.Since(start).Seconds())
	}()

	ms, err := resilience.Guard(ctx, c.breaker, func(ctx context.Context) (model.MetricSet, error) {
		return resilience.Retry(ctx, c.cfg.Retry, func(ctx context.Context) (model.MetricSet, error) {
			return c.agg.Aggregate(ctx, entity.ID, year)
		})
	})
	if err != nil {
		c.metrics.UpstreamFetches.WithLabelValues("error").Inc()
		return nil, eris.Wrapf(err, "refresh: aggregate %s/%d", entity.ID, year)
	}
	c.metrics.UpstreamFetches.WithLabelValues("success").Inc()

	if ms.Empty() {
		return nil, ErrEmptyMetrics
	}

	rec := model.FinancialRecord{
		EntityID:  entity.ID,
		Metrics:   ms,
		Scores:    scorer.ComputeWith(c.cfg.Scoring, ms, entity.Population),
		FetchedAt: c.clock.Now().UTC(),
	}
	if err := c.store.UpsertFinancial(ctx, rec); err != nil {
		return nil, &StorageError{Op: "upsert financial", Err: err}
	}

	c.log.Info("refresh: record stored",
		zap.String("entity", entity.ID),
		zap.Int("year", year),
		zap.Float64("overall_score", rec.Scores.Overall),
	)
	return &rec, nil
}
