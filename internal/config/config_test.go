package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data/merged.csv", cfg.Data.Path)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, cfg.Features.LagDays)
	assert.Equal(t, 7, cfg.Features.RollingWindow)
	assert.InDelta(t, -999.0, cfg.Features.Sentinel, 0.001)
	assert.Equal(t, []string{"pm25", "o3"}, cfg.Features.Targets)
	assert.Equal(t, "log1p", cfg.Features.TargetTransform)
	assert.InDelta(t, 0.2, cfg.Split.TestFraction, 0.001)
	assert.Len(t, cfg.Experiment.Modes, 8)
	assert.Equal(t, 4, cfg.Experiment.Concurrency)
	assert.Equal(t, int64(42), cfg.Experiment.Seed)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "fs", cfg.Blob.Driver)
	assert.Equal(t, "table", cfg.History.Driver)
	assert.Equal(t, "none", cfg.Cache.Driver)
	assert.Equal(t, 3600, cfg.Cache.TTLSecs)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0 3 * * *", cfg.Schedule.Cron)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.Equal(t, 1, cfg.Monitoring.RetrainFailureThreshold)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	for _, cmd := range []string{"experiment", "train", "predict", "serve", "schedule"} {
		assert.NoError(t, cfg.Validate(cmd), cmd)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/airq
log:
  level: debug
  format: console
server:
  port: 9090
experiment:
  modes: [GTM, CHS]
  algorithms: [ridge]
features:
  lag_days: [1, 2]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"GTM", "CHS"}, cfg.Experiment.Modes)
	assert.Equal(t, []string{"ridge"}, cfg.Experiment.Algorithms)
	assert.Equal(t, []int{1, 2}, cfg.Features.LagDays)
	// Defaults still apply for unset values
	assert.Equal(t, 7, cfg.Features.RollingWindow)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 9090\n"), 0o644))
	t.Setenv("AIRQ_SERVER_PORT", "7070")
	t.Setenv("AIRQ_CACHE_DRIVER", "redis")
	t.Setenv("AIRQ_STORE_DATABASE_URL", "other.db")
	t.Setenv("AIRQ_HISTORY_DATABASE_URL", "postgres://history")
	t.Setenv("AIRQ_MONITORING_WEBHOOK_URL", "https://hooks.example.com/airq")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "other.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "postgres://history", cfg.History.DatabaseURL)
	assert.Equal(t, "https://hooks.example.com/airq", cfg.Monitoring.WebhookURL)
}

func TestLoadBadYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [port"), 0o644))

	_, err := Load()
	assert.ErrorContains(t, err, "config: read file")
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidate_Experiment(t *testing.T) {
	cfg := validConfig(t)
	cfg.Experiment.Modes = []string{"GTM", "XYZ"}
	cfg.Experiment.Algorithms = []string{"ridge", "svm"}
	cfg.Experiment.Concurrency = 0
	cfg.Split.TestFraction = 0.6
	cfg.Split.ValidationFraction = 0.5

	err := cfg.Validate("experiment")
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrConfiguration))
	assert.Contains(t, err.Error(), `unknown mode "XYZ"`)
	assert.Contains(t, err.Error(), `unknown algorithm "svm"`)
	assert.Contains(t, err.Error(), "experiment.concurrency must be between 1 and 64")
	assert.Contains(t, err.Error(), "split fractions")
}

func TestValidate_ZeroValidationFraction(t *testing.T) {
	cfg := validConfig(t)
	cfg.Split.ValidationFraction = 0

	err := cfg.Validate("experiment")
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrConfiguration))
	assert.Contains(t, err.Error(), "validation > 0")

	cfg.Split.ValidationFraction = 0.1
	assert.NoError(t, cfg.Validate("experiment"))
}

func TestValidate_Features(t *testing.T) {
	cfg := validConfig(t)
	cfg.Features.LagDays = []int{0, 1}
	cfg.Features.RollingWindow = 1
	cfg.Features.Targets = []string{"pm25", "benzene"}
	cfg.Features.TargetTransform = "sqrt"

	err := cfg.Validate("train")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "features.lag_days must be >= 1, got 0")
	assert.Contains(t, err.Error(), "features.rolling_window must be >= 2")
	assert.Contains(t, err.Error(), `"benzene" is not a configured pollutant`)
	assert.Contains(t, err.Error(), `features.target_transform "sqrt" is invalid`)
}

func TestValidate_Serve(t *testing.T) {
	cfg := validConfig(t)
	cfg.Server.Port = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Server.Burst = 0
	cfg.Cache.Driver = "memcached"
	cfg.History.Driver = "postgres"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "server.rate_limit_rps must be > 0")
	assert.Contains(t, err.Error(), "server.burst must be >= 1")
	assert.Contains(t, err.Error(), `cache.driver must be none, memory or redis, got "memcached"`)
	assert.Contains(t, err.Error(), "history.database_url is required for the postgres driver")
}

func TestValidate_StoreAndBlob(t *testing.T) {
	cfg := validConfig(t)
	cfg.Store.Driver = "mysql"
	cfg.Blob.Driver = "s3"

	err := cfg.Validate("train")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver must be sqlite or postgres, got "mysql"`)
	assert.Contains(t, err.Error(), "blob.bucket is required for the s3 driver")

	cfg.Store.Driver = "postgres"
	cfg.Blob.Bucket = "airq-artifacts"
	assert.NoError(t, cfg.Validate("train"))
}

func TestValidate_Schedule(t *testing.T) {
	cfg := validConfig(t)
	cfg.Schedule.Cron = "every night"

	err := cfg.Validate("schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `schedule.cron "every night" is invalid`)
}

func TestValidate_History(t *testing.T) {
	cfg := validConfig(t)
	assert.ErrorContains(t, cfg.Validate("history"), "history.database_url is required")

	cfg.History.DatabaseURL = "postgres://localhost/airq"
	assert.NoError(t, cfg.Validate("history"))
}

func TestValidate_UnknownCommand(t *testing.T) {
	cfg := validConfig(t)
	err := cfg.Validate("deploy")
	assert.True(t, eris.Is(err, model.ErrConfiguration))
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}

func TestInitLogger_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airq.log")
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}))
	zap.L().Info("hello file")
	_ = zap.L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}
