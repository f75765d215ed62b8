package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/seemycity/muni-health/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker periodically collects a cache snapshot and forwards any alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	clock     clockwork.Clock
	log       *zap.Logger
}

// NewChecker wires a collector to an alerter on the configured interval.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		clock:     clockwork.NewRealClock(),
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Run checks once immediately, then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("freshness checker started", zap.Duration("interval", c.interval))
	defer c.log.Info("freshness checker stopped")

	if ctx.Err() != nil {
		return
	}
	c.Check(ctx)

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Check(ctx)
		}
	}
}

// Check runs one collection and returns the number of alerts it raised.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		c.log.Error("monitoring: collect cache stats", zap.Error(err))
		return 0
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		c.log.Debug("monitoring: cache healthy",
			zap.Int64("cached_rows", snap.CachedRows),
			zap.Float64("stale_ratio", snap.StaleRatio),
			zap.String("circuit", snap.Circuit))
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Warn("monitoring: alerts raised",
		zap.Int("raised", len(alerts)),
		zap.Int("delivered", sent))
	return len(alerts)
}
