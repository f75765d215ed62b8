package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the fields a command mode depends on. Modes: serve,
// refresh, seed, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateUpstream()...)
		errs = append(errs, c.validateRefresh()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Monitoring.StaleRatioWarn < 0 || c.Monitoring.StaleRatioWarn > 1 {
			errs = append(errs, "monitoring.stale_ratio_warn must be between 0 and 1")
		}
	case "refresh":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateUpstream()...)
		errs = append(errs, c.validateRefresh()...)
	case "seed", "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" && c.Store.Driver != "sqlite" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateUpstream() []string {
	var errs []string
	if c.MuniMoney.BaseURL == "" {
		errs = append(errs, "munimoney.base_url is required")
	}
	if c.MuniMoney.TimeoutMs <= 0 || c.MuniMoney.TimeoutMs >= 5000 {
		errs = append(errs, "munimoney.timeout_ms must be between 1 and 4999")
	}
	return errs
}

func (c *Config) validateRefresh() []string {
	var errs []string
	if c.Refresh.TTLHours <= 0 {
		errs = append(errs, "refresh.ttl_hours must be > 0")
	}
	if c.Refresh.DefaultYear < 2000 {
		errs = append(errs, "refresh.default_year must be >= 2000")
	}
	if c.Refresh.MaxAttempts < 1 || c.Refresh.MaxAttempts > 10 {
		errs = append(errs, "refresh.max_attempts must be between 1 and 10")
	}
	if c.Refresh.Concurrency < 1 || c.Refresh.Concurrency > 50 {
		errs = append(errs, "refresh.concurrency must be between 1 and 50")
	}
	return errs
}
