package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "muni_health"

// Metrics holds the Prometheus collectors for the refresh path, the cache,
// and the HTTP API.
type Metrics struct {
	// Refresh controller.
	RefreshOutcomes   *prometheus.CounterVec // labels: state
	UpstreamFetches   *prometheus.CounterVec // labels: outcome={success,error}
	SingleflightJoins prometheus.Counter
	RefreshDuration   prometheus.Histogram

	// Cache freshness, set by the checker.
	CacheEntities   prometheus.Gauge
	CacheRows       prometheus.Gauge
	CacheStaleRows  prometheus.Gauge
	CacheOldestAge  prometheus.Gauge
	UpstreamCircuit prometheus.Gauge

	// HTTP API.
	HTTPRequests *prometheus.CounterVec   // labels: route, status
	HTTPDuration *prometheus.HistogramVec // labels: route
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	return &Metrics{
		RefreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_outcomes_total",
			Help:      help("Refresh controller results by final state."),
		}, []string{"state"}),
		UpstreamFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_fetches_total",
			Help:      help("Metric aggregations against the Municipal Money API by outcome."),
		}, []string{"outcome"}),
		SingleflightJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_singleflight_joins_total",
			Help:      help("Requests that joined an in-flight refresh instead of starting one."),
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      help("Duration of a fetch, score, and upsert cycle."),
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		CacheEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entities",
			Help:      help("Seeded municipalities."),
		}),
		CacheRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_rows",
			Help:      help("Cached (municipality, year) financial rows."),
		}),
		CacheStaleRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_stale_rows",
			Help:      help("Cached rows older than the freshness TTL."),
		}),
		CacheOldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_oldest_age_seconds",
			Help:      help("Age of the oldest cached row."),
		}),
		UpstreamCircuit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_circuit_state",
			Help:      help("Upstream circuit breaker state: 0 closed, 1 open, 2 half-open."),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      help("HTTP requests by route pattern and status code."),
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      help("HTTP request latency by route pattern."),
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route"}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(
		m.RefreshOutcomes,
		m.UpstreamFetches,
		m.SingleflightJoins,
		m.RefreshDuration,
		m.CacheEntities,
		m.CacheRows,
		m.CacheStaleRows,
		m.CacheOldestAge,
		m.UpstreamCircuit,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}
