package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRequestFailureRate AlertType = "request_failure_rate"
	AlertPendingBacklog     AlertType = "pending_backlog"
	AlertQueueSaturation    AlertType = "queue_saturation"
	AlertSourceBreakerOpen  AlertType = "source_breaker_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Attempt failure rate. Require a handful of finished rows so a single
	// early failure doesn't page anyone.
	finished := snap.RequestsCompleted + snap.RequestsFailed
	if finished >= 5 && snap.RequestFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRequestFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Request failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.RequestFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RequestsFailed, finished,
			),
			Details: map[string]any{
				"failure_rate": snap.RequestFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RequestsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Pending backlog depth.
	if a.cfg.PendingBacklogThreshold > 0 && snap.RequestsPending > a.cfg.PendingBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPendingBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d pending requests exceed backlog threshold %d",
				snap.RequestsPending, a.cfg.PendingBacklogThreshold,
			),
			Details: map[string]any{
				"pending":   snap.RequestsPending,
				"threshold": a.cfg.PendingBacklogThreshold,
			},
			Timestamp: now,
		})
	}

	// Downstream processing saturation.
	if a.cfg.ProcessingBacklogThreshold > 0 && snap.Queue != nil {
		if backlog := snap.Queue.ProcessingBacklog(); backlog > a.cfg.ProcessingBacklogThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertQueueSaturation,
				Severity: "high",
				Message: fmt.Sprintf(
					"Processing queue backlog %d exceeds threshold %d",
					backlog, a.cfg.ProcessingBacklogThreshold,
				),
				Details: map[string]any{
					"processing_backlog": backlog,
					"threshold":          a.cfg.ProcessingBacklogThreshold,
					"execution_waiting":  snap.Queue.ExecutionWaiting,
					"execution_active":   snap.Queue.ExecutionActive,
				},
				Timestamp: now,
			})
		}
	}

	// Tripped source breakers. The runner keeps skipping these sources, so
	// requests they would have served degrade silently otherwise.
	var open []string
	for sourceID, state := range snap.Breakers {
		if state == "open" {
			open = append(open, sourceID)
		}
	}
	if len(open) > 0 {
		sort.Strings(open)
		alerts = append(alerts, Alert{
			Type:     AlertSourceBreakerOpen,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Circuit breaker open for %d source(s): %s",
				len(open), strings.Join(open, ", "),
			),
			Details: map[string]any{
				"sources": open,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
