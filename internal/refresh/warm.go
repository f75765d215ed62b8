package refresh

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seemycity/muni-health/internal/store"
)

// WarmSummary counts the outcomes of a Warm run.
type WarmSummary struct {
	RunID     string `json:"run_id"`
	Total     int    `json:"total"`
	Refreshed int64  `json:"refreshed"`
	Fresh     int64  `json:"fresh"`
	Stale     int64  `json:"stale"`
	Failed    int64  `json:"failed"`
}

// Warm refreshes every seeded entity for year, at most concurrency at a
// time. Per-entity failures are counted, not returned; only listing the
// entities or a cancelled ctx fails the run.
func (c *Controller) Warm(ctx context.Context, year, concurrency int, force bool) (*WarmSummary, error) {
	if concurrency <= 0 {
		concurrency = 5
	}

	entities, err := c.store.ListEntities(ctx, store.EntityFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "refresh: warm: list entities")
	}

	sum := &WarmSummary{RunID: uuid.New().String(), Total: len(entities)}
	log := c.log.With(zap.String("run_id", sum.RunID), zap.Int("year", year))
	log.Info("refresh: warm started", zap.Int("entities", sum.Total), zap.Int("concurrency", concurrency))

	var refreshed, fresh, stale, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, e := range entities {
		id := e.Entity.ID
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := c.Refresh(gctx, id, year, force)
			switch {
			case err != nil:
				failed.Add(1)
				log.Warn("refresh: warm entity failed", zap.String("entity", id), zap.Error(err))
			case res.Stale:
				stale.Add(1)
			case res.Refreshed:
				refreshed.Add(1)
			default:
				fresh.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	sum.Refreshed = refreshed.Load()
	sum.Fresh = fresh.Load()
	sum.Stale = stale.Load()
	sum.Failed = failed.Load()

	log.Info("refresh: warm complete",
		zap.Int64("refreshed", sum.Refreshed),
		zap.Int64("fresh", sum.Fresh),
		zap.Int64("stale", sum.Stale),
		zap.Int64("failed", sum.Failed),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return sum, eris.Wrap(err, "refresh: warm")
	}
	if ctx.Err() != nil {
		return sum, eris.Wrap(ctx.Err(), "refresh: warm cancelled")
	}
	return sum, nil
}
