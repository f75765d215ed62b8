// Package monitoring exposes Prometheus metrics and periodically checks cache
// freshness and upstream health, alerting through a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/seemycity/muni-health/internal/resilience"
	"github.com/seemycity/muni-health/internal/store"
)

// Snapshot holds a point-in-time view of cache and upstream health.
type Snapshot struct {
	Entities   int64         `json:"entities"`
	CachedRows int64         `json:"cached_rows"`
	StaleRows  int64         `json:"stale_rows"`
	StaleRatio float64       `json:"stale_ratio"`
	OldestAge  time.Duration `json:"oldest_age"`
	Circuit    string        `json:"upstream_circuit"`
	Failures   int           `json:"upstream_failures"`

	TTL         time.Duration `json:"ttl"`
	CollectedAt time.Time     `json:"collected_at"`
}

// StatsSource abstracts the store method needed by the collector.
type StatsSource interface {
	CacheStats(ctx context.Context, ttl time.Duration) (*store.CacheStats, error)
}

// BreakerStatus reports the upstream breaker.
type BreakerStatus interface {
	Status() resilience.Status
}

// Collector gathers cache statistics and the breaker state, and mirrors
// them into the Prometheus gauges.
type Collector struct {
	stats   StatsSource
	breaker BreakerStatus
	ttl     time.Duration
	metrics *Metrics
	clock   clockwork.Clock
}

// NewCollector creates a collector. breaker may be nil.
func NewCollector(stats StatsSource, breaker BreakerStatus, ttl time.Duration, metrics *Metrics) *Collector {
	if metrics == nil {
		metrics = NewMetricsForTesting()
	}
	return &Collector{
		stats:   stats,
		breaker: breaker,
		ttl:     ttl,
		metrics: metrics,
		clock:   clockwork.NewRealClock(),
	}
}

// Collect gathers a snapshot and updates the gauges.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	st, err := c.stats.CacheStats(ctx, c.ttl)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: cache stats")
	}

	now := c.clock.Now().UTC()
	snap := &Snapshot{
		Entities:    st.Entities,
		CachedRows:  st.CachedRows,
		StaleRows:   st.StaleRows,
		StaleRatio:  st.StaleRatio(),
		Circuit:     resilience.StateClosed.String(),
		TTL:         c.ttl,
		CollectedAt: now,
	}
	if !st.OldestAt.IsZero() {
		snap.OldestAge = now.Sub(st.OldestAt)
	}

	c.metrics.CacheEntities.Set(float64(st.Entities))
	c.metrics.CacheRows.Set(float64(st.CachedRows))
	c.metrics.CacheStaleRows.Set(float64(st.StaleRows))
	c.metrics.CacheOldestAge.Set(snap.OldestAge.Seconds())

	if c.breaker != nil {
		bs := c.breaker.Status()
		snap.Circuit = bs.State.String()
		snap.Failures = bs.Failures
		c.metrics.UpstreamCircuit.Set(float64(bs.State))
	}
	return snap, nil
}
