package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/seemycity/muni-health/internal/mapper"
	"github.com/seemycity/muni-health/internal/monitoring"
	"github.com/seemycity/muni-health/internal/refresh"
	"github.com/seemycity/muni-health/internal/resilience"
	"github.com/seemycity/muni-health/internal/store"
	"github.com/seemycity/muni-health/pkg/munimoney"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "muni-health.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func refreshConfig() refresh.Config {
	rc := refresh.DefaultConfig()
	if ttl := cfg.Refresh.TTL(); ttl > 0 {
		rc.TTL = ttl
	}
	if cfg.Refresh.TimeoutSecs > 0 {
		rc.Timeout = time.Duration(cfg.Refresh.TimeoutSecs) * time.Second
	}
	rc.Retry = resilience.BackoffFromConfig(cfg.Refresh)
	rc.Breaker = resilience.BreakerFromConfig(cfg.Refresh)
	return rc
}

func newMuniMoneyClient() munimoney.Client {
	opts := []munimoney.Option{
		munimoney.WithTimeout(cfg.MuniMoney.Timeout()),
		munimoney.WithRateLimit(cfg.MuniMoney.RateLimit, int(cfg.MuniMoney.RateLimit)),
	}
	if cfg.MuniMoney.BaseURL != "" {
		opts = append(opts, munimoney.WithBaseURL(cfg.MuniMoney.BaseURL))
	}
	if cfg.MuniMoney.UserAgent != "" {
		opts = append(opts, munimoney.WithUserAgent(cfg.MuniMoney.UserAgent))
	}
	return munimoney.NewClient(opts...)
}

func newController(st store.Store, metrics *monitoring.Metrics) *refresh.Controller {
	agg := mapper.NewAggregator(newMuniMoneyClient())
	return refresh.New(st, agg, refreshConfig(), refresh.WithMetrics(metrics))
}
