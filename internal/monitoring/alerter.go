package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/seemycity/muni-health/internal/config"
	"github.com/seemycity/muni-health/internal/resilience"
)

// AlertType identifies the condition an alert reports.
type AlertType string

const (
	AlertStaleCache   AlertType = "stale_cache"
	AlertUpstreamDown AlertType = "upstream_circuit_open"
	AlertNoEntities   AlertType = "no_entities_seeded"
)

// minRowsForStaleAlert keeps a near-empty cache from alerting on one old row.
const minRowsForStaleAlert = 5

// Alert is the JSON body posted to the webhook.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and reports at most one alert.
type rule func(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool)

var rules = []rule{noEntities, staleCache, upstreamDown}

func noEntities(_ config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	if snap.Entities > 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertNoEntities,
		Severity: "high",
		Message:  "No municipalities are seeded; run `muni-health seed entities`",
	}, true
}

func staleCache(cfg config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	if cfg.StaleRatioWarn <= 0 || snap.CachedRows < minRowsForStaleAlert || snap.StaleRatio <= cfg.StaleRatioWarn {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertStaleCache,
		Severity: "medium",
		Message: fmt.Sprintf("%.1f%% of cached rows are older than %s (%d of %d), threshold %.1f%%",
			snap.StaleRatio*100, snap.TTL, snap.StaleRows, snap.CachedRows, cfg.StaleRatioWarn*100),
		Details: map[string]any{
			"stale_ratio": snap.StaleRatio,
			"threshold":   cfg.StaleRatioWarn,
			"stale_rows":  snap.StaleRows,
			"cached_rows": snap.CachedRows,
			"oldest_age":  snap.OldestAge.String(),
		},
	}, true
}

func upstreamDown(_ config.MonitoringConfig, snap *Snapshot) (Alert, bool) {
	if snap.Circuit != resilience.StateOpen.String() {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertUpstreamDown,
		Severity: "high",
		Message:  "Municipal Money API circuit breaker is open; refreshes are serving stale data",
		Details:  map[string]any{"circuit": snap.Circuit, "consecutive_failures": snap.Failures},
	}, true
}

// webhookStatusError is a non-2xx webhook reply. 5xx and 429 are retried.
type webhookStatusError struct {
	code int
}

func (e *webhookStatusError) Error() string {
	return fmt.Sprintf("monitoring: webhook returned status %d", e.code)
}

func (e *webhookStatusError) Retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// Alerter turns snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.Backoff
}

// NewAlerter creates an Alerter for the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultBackoff()
	retry.Initial = 500 * time.Millisecond
	retry.Max = 5 * time.Second
	retry.OnRetry = resilience.LogRetries("webhook", "alert")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate returns the alerts the snapshot triggers, all stamped with the
// same time.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	now := time.Now().UTC()
	var out []Alert
	for _, r := range rules {
		if alert, ok := r(a.cfg, snap); ok {
			alert.Timestamp = now
			out = append(out, alert)
		}
	}
	return out
}

// SendAlerts posts each alert to the webhook and returns how many were
// accepted. Without a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	sent := 0
	for _, alert := range alerts {
		log := zap.L().With(zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity))
		_, err := resilience.Retry(ctx, a.retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.post(ctx, alert)
		})
		if err != nil {
			log.Error("monitoring: alert not delivered", zap.Error(err))
			continue
		}
		log.Info("monitoring: alert sent")
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return &webhookStatusError{code: resp.StatusCode}
	}
	return nil
}
