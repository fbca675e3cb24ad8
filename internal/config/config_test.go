package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 750, cfg.Scheduler.SafetyBufferItems, 0.001)
	assert.InDelta(t, 7, cfg.Scheduler.MinIntervalDays, 0.001)
	assert.InDelta(t, 60, cfg.Scheduler.MaxIntervalDays, 0.001)
	assert.InDelta(t, 0.3, cfg.Scheduler.SmoothingAlpha, 0.001)
	assert.Equal(t, 10, cfg.Admission.MaxImmediateWaiting)
	assert.Equal(t, 5, cfg.Admission.MaxImmediateActive)
	assert.Equal(t, 25, cfg.Admission.MaxProcessingBacklog)
	assert.Equal(t, 60000, cfg.Admission.InstantCooldownMs)
	assert.Equal(t, 25, cfg.Backlog.MaxRequestsPerBatch)
	assert.Equal(t, 30, cfg.Backlog.StaleAfterMins)
	assert.Equal(t, 30, cfg.Runner.AttemptTimeoutSecs)
	assert.Equal(t, 15, cfg.Runner.RetryCooldownMins)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Extract.Model)
	assert.Equal(t, "NAME", cfg.Coverage.NameField)
	assert.Equal(t, 4, cfg.Import.Concurrency)
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/ingest
log:
  level: debug
  format: console
server:
  port: 9090
admission:
  max_immediate_waiting: 20
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Admission.MaxImmediateWaiting)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Admission.MaxImmediateActive)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("INGEST_STORE_DRIVER", "postgres")
	t.Setenv("INGEST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("INGEST_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config populated enough to pass validation.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "ingest.db"
	cfg.Scheduler.MinIntervalDays = 7
	cfg.Scheduler.MaxIntervalDays = 60
	cfg.Server.Port = 8080
	cfg.Queue.BaseURL = "http://localhost:9090"
	cfg.Entity.BaseURL = "http://localhost:9091"
	cfg.Sources.CatalogPath = "sources.yaml"
	return cfg
}

func TestValidateServe_Valid(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_IntervalBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Scheduler.MinIntervalDays = 10
	cfg.Scheduler.MaxIntervalDays = 5

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_interval_days")
}

func TestValidateTick_RequiresQueueURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Queue.BaseURL = ""

	err := cfg.Validate("tick")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "queue.base_url is required")
}

func TestValidateRun_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Entity.BaseURL = ""
	cfg.Sources.CatalogPath = ""

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "entity.base_url is required")
	assert.Contains(t, err.Error(), "sources.catalog_path is required")
}

func TestValidate_FailureRateBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.FailureRateThreshold = 1.5

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failure_rate_threshold")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
