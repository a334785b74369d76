package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/airq-cli/internal/config"
	"github.com/sells-group/airq-cli/internal/experiment"
	"github.com/sells-group/airq-cli/internal/schedule"
)

func failedManifest() *experiment.Manifest {
	return &experiment.Manifest{
		ExperimentID: "exp-1",
		GlobalBest:   &experiment.BestConfig{Mode: "GTM"},
		Report: &experiment.Report{
			Succeeded: 2,
			Failed:    3,
			FailedModes: []experiment.ModeFailure{
				{Mode: "CHS", Runs: 3, Failures: map[string]int{"data_insufficient": 2, "experiment_run": 1}, Sample: "dataset: too few rows"},
			},
		},
	}
}

func TestExperimentAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.ExperimentAlerts(failedManifest())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailedModes, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "Mode CHS")
	assert.Contains(t, alerts[0].Message, "[data_insufficient experiment_run]")
	assert.Equal(t, "exp-1", alerts[0].Details["experiment_id"])
	assert.Equal(t, "dataset: too few rows", alerts[0].Details["sample_error"])
}

func TestExperimentAlerts_NoWinnerIsHigh(t *testing.T) {
	m := failedManifest()
	m.GlobalBest = nil

	alerts := NewAlerter(config.MonitoringConfig{}).ExperimentAlerts(m)
	require.Len(t, alerts, 1)
	assert.Equal(t, "high", alerts[0].Severity)
}

func TestExperimentAlerts_Healthy(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Nil(t, a.ExperimentAlerts(nil))
	assert.Nil(t, a.ExperimentAlerts(&experiment.Manifest{ExperimentID: "exp-2"}))
	assert.Nil(t, a.ExperimentAlerts(&experiment.Manifest{Report: &experiment.Report{Succeeded: 4}}))
}

func TestRetrainAlert_Threshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{RetrainFailureThreshold: 2})

	assert.Nil(t, a.RetrainAlert(schedule.Status{ConsecutiveFailures: 0}))
	assert.Nil(t, a.RetrainAlert(schedule.Status{ConsecutiveFailures: 1, Error: "boom"}))

	alert := a.RetrainAlert(schedule.Status{ConsecutiveFailures: 2, Failed: 5, Error: "registry: no experiment", ErrorKind: "model_not_found"})
	require.NotNil(t, alert)
	assert.Equal(t, AlertRetrainFailure, alert.Type)
	assert.Equal(t, "high", alert.Severity)
	assert.Contains(t, alert.Message, "2 time(s) in a row: registry: no experiment")
	assert.Equal(t, "model_not_found", alert.Details["error_kind"])
}

func TestRetrainAlert_DefaultThreshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{RetrainFailureThreshold: 0})
	assert.NotNil(t, a.RetrainAlert(schedule.Status{ConsecutiveFailures: 1}))
}

func TestSendAlerts_Webhook(t *testing.T) {
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		received = append(received, a)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	alerts := []Alert{
		{Type: AlertFailedModes, Severity: "medium", Message: "m1", Timestamp: time.Now()},
		{Type: AlertRetrainFailure, Severity: "high", Message: "m2", Timestamp: time.Now()},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	require.Len(t, received, 2)
	assert.Equal(t, AlertRetrainFailure, received[1].Type)
}

func TestSendAlerts_WebhookError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRetrainFailure, Message: "x"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertFailedModes}}))
}

func TestSendAlerts_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	assert.Equal(t, 0, a.SendAlerts(ctx, []Alert{{Type: AlertFailedModes}}))
}
