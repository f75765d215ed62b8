// Package config loads application configuration from config.yaml and
// MUNIHEALTH_* environment variables, and sets up the global logger.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	MuniMoney  MuniMoneyConfig  `yaml:"munimoney" mapstructure:"munimoney"`
	Refresh    RefreshConfig    `yaml:"refresh" mapstructure:"refresh"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Seed       SeedConfig       `yaml:"seed" mapstructure:"seed"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MuniMoneyConfig configures the Municipal Money API client.
type MuniMoneyConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutMs int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	UserAgent string  `yaml:"user_agent" mapstructure:"user_agent"`
}

// Timeout returns the per-call timeout.
func (c MuniMoneyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RefreshConfig configures the cache refresh controller.
type RefreshConfig struct {
	TTLHours                int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	DefaultYear             int `yaml:"default_year" mapstructure:"default_year"`
	MaxAttempts             int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs        int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	TimeoutSecs             int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Concurrency             int `yaml:"concurrency" mapstructure:"concurrency"`
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// TTL returns the freshness threshold.
func (c RefreshConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// MonitoringConfig configures the cache freshness checker and its alerts.
type MonitoringConfig struct {
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleRatioWarn    float64 `yaml:"stale_ratio_warn" mapstructure:"stale_ratio_warn"`
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// SeedConfig holds default sources for the seed commands.
type SeedConfig struct {
	EntitiesSource   string `yaml:"entities_source" mapstructure:"entities_source"`
	BoundariesSource string `yaml:"boundaries_source" mapstructure:"boundaries_source"`
	TempDir          string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// defaults are applied beneath the config file and the environment.
var defaults = map[string]any{
	"store.driver":                      "postgres",
	"store.max_conns":                   10,
	"store.min_conns":                   2,
	"munimoney.base_url":                "https://municipaldata.treasury.gov.za/api",
	"munimoney.timeout_ms":              4000,
	"munimoney.rate_limit":              5,
	"munimoney.user_agent":              "muni-health/1.0",
	"refresh.ttl_hours":                 24,
	"refresh.default_year":              2023,
	"refresh.max_attempts":              3,
	"refresh.initial_backoff_ms":        200,
	"refresh.timeout_secs":              20,
	"refresh.concurrency":               5,
	"refresh.circuit_failure_threshold": 5,
	"refresh.circuit_reset_secs":        30,
	"server.port":                       8080,
	"server.allowed_origins":            []string{"*"},
	"server.request_timeout_secs":       30,
	"monitoring.check_interval_secs":    300,
	"monitoring.stale_ratio_warn":       0.5,
	"seed.temp_dir":                     "/tmp/muni-health",
	"log.level":                         "info",
	"log.format":                        "json",
}

// Load builds the configuration from defaults, then the YAML file, then
// MUNIHEALTH_* variables. An empty path looks for an optional config.yaml in
// the working directory; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("MUNIHEALTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
	case path == "" && errors.As(err, &notFound):
	default:
		return nil, eris.Wrap(err, "config: read file")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return cfg, nil
}

// InitLogger installs the process-wide zap logger. Format "console" gives a
// human-readable development encoder; anything else logs JSON.
func InitLogger(cfg LogConfig) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrapf(err, "config: parse log level %q", cfg.Level)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.InitialFields = map[string]any{"service": "muni-health"}

	logger, err := zc.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
