// Package monitoring raises operator alerts for experiments that leave
// modes without a successful run and for failing scheduled retraining.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/config"
	"github.com/sells-group/airq-cli/internal/experiment"
	"github.com/sells-group/airq-cli/internal/schedule"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailedModes    AlertType = "experiment_failed_modes"
	AlertRetrainFailure AlertType = "retrain_failure"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns experiment reports and retraining status into alerts and
// delivers them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.RetrainFailureThreshold < 1 {
		cfg.RetrainFailureThreshold = 1
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// ExperimentAlerts reports every mode of a finalized manifest that has no
// successful run. A mode with no winner blocks production training for it.
func (a *Alerter) ExperimentAlerts(m *experiment.Manifest) []Alert {
	if m == nil || m.Report.OK() {
		return nil
	}
	now := time.Now().UTC()
	alerts := make([]Alert, 0, len(m.Report.FailedModes))
	for _, f := range m.Report.FailedModes {
		kinds := make([]string, 0, len(f.Failures))
		for k := range f.Failures {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		severity := "medium"
		if m.GlobalBest == nil {
			severity = "high"
		}
		alerts = append(alerts, Alert{
			Type:     AlertFailedModes,
			Severity: severity,
			Message: fmt.Sprintf("Mode %s has no successful run in experiment %s (%d runs failed: %v)",
				f.Mode, m.ExperimentID, f.Runs, kinds),
			Details: map[string]any{
				"experiment_id": m.ExperimentID,
				"mode":          f.Mode,
				"failures":      f.Failures,
				"sample_error":  f.Sample,
			},
			Timestamp: now,
		})
	}
	return alerts
}

// RetrainAlert returns an alert once st.ConsecutiveFailures reaches the
// configured threshold, and nil otherwise.
func (a *Alerter) RetrainAlert(st schedule.Status) *Alert {
	if st.ConsecutiveFailures < a.cfg.RetrainFailureThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertRetrainFailure,
		Severity: "high",
		Message: fmt.Sprintf("Scheduled retraining failed %d time(s) in a row: %s",
			st.ConsecutiveFailures, st.Error),
		Details: map[string]any{
			"error_kind":           st.ErrorKind,
			"consecutive_failures": st.ConsecutiveFailures,
			"failed_total":         st.Failed,
			"started_at":           st.StartedAt,
		},
		Timestamp: time.Now().UTC(),
	}
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
