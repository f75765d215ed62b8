package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seemycity/muni-health/internal/resilience"
	"github.com/seemycity/muni-health/internal/store"
)

// mockStats implements StatsSource for testing.
type mockStats struct {
	stats   store.CacheStats
	err     error
	lastTTL time.Duration
	calls   atomic.Int64
}

func (m *mockStats) CacheStats(_ context.Context, ttl time.Duration) (*store.CacheStats, error) {
	m.calls.Add(1)
	m.lastTTL = ttl
	if m.err != nil {
		return nil, m.err
	}
	st := m.stats
	return &st, nil
}

type fixedBreaker resilience.Status

func (b fixedBreaker) Status() resilience.Status { return resilience.Status(b) }

func TestCollector_Collect(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &mockStats{stats: store.CacheStats{
		Entities:   257,
		CachedRows: 40,
		StaleRows:  10,
		OldestAt:   now.Add(-36 * time.Hour),
	}}
	m := NewMetricsForTesting()

	c := NewCollector(src, fixedBreaker{State: resilience.StateOpen, Failures: 5}, 24*time.Hour, m)
	c.clock = clockwork.NewFakeClockAt(now)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, src.lastTTL)
	assert.Equal(t, int64(257), snap.Entities)
	assert.Equal(t, int64(40), snap.CachedRows)
	assert.InDelta(t, 0.25, snap.StaleRatio, 0.0001)
	assert.Equal(t, 36*time.Hour, snap.OldestAge)
	assert.Equal(t, "open", snap.Circuit)
	assert.Equal(t, 5, snap.Failures)
	assert.Equal(t, now, snap.CollectedAt)

	assert.Equal(t, 257.0, testutil.ToFloat64(m.CacheEntities))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.CacheRows))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.CacheStaleRows))
	assert.Equal(t, (36 * time.Hour).Seconds(), testutil.ToFloat64(m.CacheOldestAge))
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(m.UpstreamCircuit))
}

func TestCollector_EmptyCacheNoBreaker(t *testing.T) {
	c := NewCollector(&mockStats{stats: store.CacheStats{Entities: 3}}, nil, time.Hour, nil)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.CachedRows)
	assert.Zero(t, snap.StaleRatio)
	assert.Zero(t, snap.OldestAge)
	assert.Equal(t, "closed", snap.Circuit)
}

func TestCollector_StoreError(t *testing.T) {
	c := NewCollector(&mockStats{err: errors.New("db down")}, nil, time.Hour, nil)

	_, err := c.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: cache stats")
}
