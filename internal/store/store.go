// Package store persists municipalities, their boundaries, and the cached
// financial record for each (municipality, year).
package store

import (
	"context"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/seemycity/muni-health/internal/model"
)

// EntityFilter specifies criteria for listing municipalities.
type EntityFilter struct {
	Province string `json:"province,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// CacheStats summarizes the financial cache for monitoring.
type CacheStats struct {
	Entities   int64     `json:"entities"`
	CachedRows int64     `json:"cached_rows"`
	StaleRows  int64     `json:"stale_rows"`
	OldestAt   time.Time `json:"oldest_fetched_at"`
}

// StaleRatio returns StaleRows / CachedRows, or 0 when nothing is cached.
func (c CacheStats) StaleRatio() float64 {
	if c.CachedRows == 0 {
		return 0
	}
	return float64(c.StaleRows) / float64(c.CachedRows)
}

// Store defines the persistence interface for the municipal health cache.
type Store interface {
	// Entities
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]model.EntitySummary, error)
	UpsertEntities(ctx context.Context, entities []model.Entity) (int64, error)

	// Boundaries
	GetBoundary(ctx context.Context, entityID string) (geom.T, error)
	UpsertGeometries(ctx context.Context, boundaries []model.Boundary) (int64, error)

	// Financial cache
	GetFinancial(ctx context.Context, entityID string, year int) (*model.FinancialRecord, error)
	ListFinancials(ctx context.Context, entityID string) ([]model.FinancialRecord, error)
	InsertFinancial(ctx context.Context, rec model.FinancialRecord) error
	UpdateFinancial(ctx context.Context, rec model.FinancialRecord) error
	UpsertFinancial(ctx context.Context, rec model.FinancialRecord) error

	// Monitoring
	CacheStats(ctx context.Context, ttl time.Duration) (*CacheStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
