package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Admission  AdmissionConfig  `yaml:"admission" mapstructure:"admission"`
	Backlog    BacklogConfig    `yaml:"backlog" mapstructure:"backlog"`
	Runner     RunnerConfig     `yaml:"runner" mapstructure:"runner"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Entity     EntityConfig     `yaml:"entity" mapstructure:"entity"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Coverage   CoverageConfig   `yaml:"coverage" mapstructure:"coverage"`
	Import     ImportConfig     `yaml:"import" mapstructure:"import"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SchedulerConfig configures the per-source collection cadence math and the
// due-check loop.
type SchedulerConfig struct {
	SafetyBufferItems  float64 `yaml:"safety_buffer_items" mapstructure:"safety_buffer_items"`
	MinIntervalDays    float64 `yaml:"min_interval_days" mapstructure:"min_interval_days"`
	MaxIntervalDays    float64 `yaml:"max_interval_days" mapstructure:"max_interval_days"`
	SmoothingAlpha     float64 `yaml:"smoothing_alpha" mapstructure:"smoothing_alpha"`
	DefaultItemsPerDay float64 `yaml:"default_items_per_day" mapstructure:"default_items_per_day"`
	TickIntervalSecs   int     `yaml:"tick_interval_secs" mapstructure:"tick_interval_secs"`
	MaxDuePerTick      int     `yaml:"max_due_per_tick" mapstructure:"max_due_per_tick"`
}

// AdmissionConfig configures the instant-enrichment admission thresholds.
type AdmissionConfig struct {
	MaxImmediateWaiting  int `yaml:"max_immediate_waiting" mapstructure:"max_immediate_waiting"`
	MaxImmediateActive   int `yaml:"max_immediate_active" mapstructure:"max_immediate_active"`
	MaxProcessingBacklog int `yaml:"max_processing_backlog" mapstructure:"max_processing_backlog"`
	InstantCooldownMs    int `yaml:"instant_cooldown_ms" mapstructure:"instant_cooldown_ms"`
}

// BacklogConfig configures the deferred-request reconciler.
type BacklogConfig struct {
	MaxRequestsPerBatch int `yaml:"max_requests_per_batch" mapstructure:"max_requests_per_batch"`
	IntervalSecs        int `yaml:"interval_secs" mapstructure:"interval_secs"`
	StaleAfterMins      int `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// RunnerConfig configures enrichment attempt execution.
type RunnerConfig struct {
	AttemptTimeoutSecs      int `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	RetryCooldownMins       int `yaml:"retry_cooldown_mins" mapstructure:"retry_cooldown_mins"`
	MaxAttempts             int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs        int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs            int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerResetSecs        int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// QueueConfig configures the downstream queue API client.
type QueueConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	AuthToken string `yaml:"auth_token" mapstructure:"auth_token"`
}

// EntityConfig configures the entity catalog API client.
type EntityConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ExtractConfig configures LLM-based content extraction.
type ExtractConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SourcesConfig configures the source catalog and its adapters.
type SourcesConfig struct {
	CatalogPath   string `yaml:"catalog_path" mapstructure:"catalog_path"`
	HTTPRateLimit int    `yaml:"http_rate_limit" mapstructure:"http_rate_limit"`
	FTPUser       string `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword   string `yaml:"ftp_password" mapstructure:"ftp_password"`
	FTPMaxFiles   int    `yaml:"ftp_max_files" mapstructure:"ftp_max_files"`
	FTPMaxAgeDays int    `yaml:"ftp_max_age_days" mapstructure:"ftp_max_age_days"`
}

// CoverageConfig configures the geographic coverage index.
type CoverageConfig struct {
	ShapefilePath string `yaml:"shapefile_path" mapstructure:"shapefile_path"`
	NameField     string `yaml:"name_field" mapstructure:"name_field"`
}

// ImportConfig configures bulk request file imports.
type ImportConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
}

// MonitoringConfig configures metrics collection and alerting.
type MonitoringConfig struct {
	WebhookURL                 string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs          int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold       float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PendingBacklogThreshold    int     `yaml:"pending_backlog_threshold" mapstructure:"pending_backlog_threshold"`
	ProcessingBacklogThreshold int     `yaml:"processing_backlog_threshold" mapstructure:"processing_backlog_threshold"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "ingest.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.safety_buffer_items", 750)
	v.SetDefault("scheduler.min_interval_days", 7)
	v.SetDefault("scheduler.max_interval_days", 60)
	v.SetDefault("scheduler.smoothing_alpha", 0.3)
	v.SetDefault("scheduler.default_items_per_day", 15)
	v.SetDefault("scheduler.tick_interval_secs", 300)
	v.SetDefault("scheduler.max_due_per_tick", 50)
	v.SetDefault("admission.max_immediate_waiting", 10)
	v.SetDefault("admission.max_immediate_active", 5)
	v.SetDefault("admission.max_processing_backlog", 25)
	v.SetDefault("admission.instant_cooldown_ms", 60000)
	v.SetDefault("backlog.max_requests_per_batch", 25)
	v.SetDefault("backlog.interval_secs", 120)
	v.SetDefault("backlog.stale_after_mins", 30)
	v.SetDefault("runner.attempt_timeout_secs", 30)
	v.SetDefault("runner.retry_cooldown_mins", 15)
	v.SetDefault("runner.max_attempts", 3)
	v.SetDefault("runner.initial_backoff_ms", 500)
	v.SetDefault("runner.max_backoff_ms", 30000)
	v.SetDefault("runner.breaker_failure_threshold", 5)
	v.SetDefault("runner.breaker_reset_secs", 60)
	v.SetDefault("queue.base_url", "http://localhost:9090")
	v.SetDefault("entity.base_url", "http://localhost:9091")
	v.SetDefault("extract.model", "claude-haiku-4-5-20251001")
	v.SetDefault("extract.max_tokens", 2048)
	v.SetDefault("sources.catalog_path", "sources.yaml")
	v.SetDefault("sources.http_rate_limit", 10)
	v.SetDefault("sources.ftp_max_files", 10)
	v.SetDefault("sources.ftp_max_age_days", 7)
	v.SetDefault("coverage.name_field", "NAME")
	v.SetDefault("import.concurrency", 4)
	v.SetDefault("import.batch_size", 100)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.pending_backlog_threshold", 500)
	v.SetDefault("monitoring.processing_backlog_threshold", 100)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a given run mode depends on. Mode is the
// command being started: "serve", "tick", or "run".
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Scheduler.MaxIntervalDays < c.Scheduler.MinIntervalDays {
		problems = append(problems, "scheduler.max_interval_days must be >= scheduler.min_interval_days")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "tick":
		if c.Queue.BaseURL == "" {
			problems = append(problems, "queue.base_url is required")
		}
	case "run":
		if c.Queue.BaseURL == "" {
			problems = append(problems, "queue.base_url is required")
		}
		if c.Entity.BaseURL == "" {
			problems = append(problems, "entity.base_url is required")
		}
		if c.Sources.CatalogPath == "" {
			problems = append(problems, "sources.catalog_path is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
