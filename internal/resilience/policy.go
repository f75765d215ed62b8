package resilience

import (
	"time"

	"github.com/seemycity/muni-health/internal/config"
)

// BackoffFromConfig maps the refresh settings onto DefaultBackoff. Unset
// values keep the default.
func BackoffFromConfig(c config.RefreshConfig) Backoff {
	b := DefaultBackoff()
	if c.MaxAttempts > 0 {
		b.Attempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		b.Initial = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	return b
}

// BreakerFromConfig maps the refresh settings onto DefaultBreakerConfig.
func BreakerFromConfig(c config.RefreshConfig) BreakerConfig {
	bc := DefaultBreakerConfig()
	if c.CircuitFailureThreshold > 0 {
		bc.Threshold = c.CircuitFailureThreshold
	}
	if c.CircuitResetSecs > 0 {
		bc.Cooldown = time.Duration(c.CircuitResetSecs) * time.Second
	}
	return bc
}
