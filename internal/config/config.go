package config

import (
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the full application configuration.
type Config struct {
	Data       DataConfig       `yaml:"data" mapstructure:"data"`
	Features   FeaturesConfig   `yaml:"features" mapstructure:"features"`
	Split      SplitConfig      `yaml:"split" mapstructure:"split"`
	Experiment ExperimentConfig `yaml:"experiment" mapstructure:"experiment"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	History    HistoryConfig    `yaml:"history" mapstructure:"history"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// DataConfig locates the merged input table.
type DataConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	DateFormat string `yaml:"date_format" mapstructure:"date_format"`
	SheetName  string `yaml:"sheet_name" mapstructure:"sheet_name"`
}

// FeaturesConfig configures the feature pipeline.
type FeaturesConfig struct {
	LagDays         []int    `yaml:"lag_days" mapstructure:"lag_days"`
	RollingWindow   int      `yaml:"rolling_window" mapstructure:"rolling_window"`
	Sentinel        float64  `yaml:"sentinel" mapstructure:"sentinel"`
	Pollutants      []string `yaml:"pollutants" mapstructure:"pollutants"`
	Weather         []string `yaml:"weather" mapstructure:"weather"`
	Targets         []string `yaml:"targets" mapstructure:"targets"`
	TargetTransform string   `yaml:"target_transform" mapstructure:"target_transform"`
	CityCatalog     string   `yaml:"city_catalog" mapstructure:"city_catalog"`
}

// SplitConfig configures the chronological dataset split.
type SplitConfig struct {
	TestFraction       float64 `yaml:"test_fraction" mapstructure:"test_fraction"`
	ValidationFraction float64 `yaml:"validation_fraction" mapstructure:"validation_fraction"`
	RequireFullLags    bool    `yaml:"require_full_lags" mapstructure:"require_full_lags"`
}

// ExperimentConfig configures the mode x algorithm matrix.
type ExperimentConfig struct {
	Modes            []string `yaml:"modes" mapstructure:"modes"`
	Algorithms       []string `yaml:"algorithms" mapstructure:"algorithms"`
	Concurrency      int      `yaml:"concurrency" mapstructure:"concurrency"`
	Seed             int64    `yaml:"seed" mapstructure:"seed"`
	Cities           []string `yaml:"cities" mapstructure:"cities"`
	SearchBudgetSecs int      `yaml:"search_budget_secs" mapstructure:"search_budget_secs"`
	HoldoutFraction  float64  `yaml:"holdout_fraction" mapstructure:"holdout_fraction"`
}

// StoreConfig configures the manifest/promotion database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// BlobConfig configures the artifact store for manifests and production bundles.
type BlobConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"`
	Root      string `yaml:"root" mapstructure:"root"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
}

// HistoryConfig configures the trailing-observation store used at inference.
type HistoryConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CacheConfig configures the prediction cache.
type CacheConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
	DB      int    `yaml:"db" mapstructure:"db"`
	TTLSecs int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	// MaxEntries caps the memory driver.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
}

// ServerConfig configures the prediction HTTP server.
type ServerConfig struct {
	Port         int      `yaml:"port" mapstructure:"port"`
	RateLimitRPS float64  `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	Burst        int      `yaml:"burst" mapstructure:"burst"`
	CORSOrigins  []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// ScheduleConfig configures cron-driven retraining.
type ScheduleConfig struct {
	Cron string `yaml:"cron" mapstructure:"cron"`
}

// MonitoringConfig configures operator alerts.
type MonitoringConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// RetrainFailureThreshold is the number of consecutive failed scheduled
	// retrainings that raises an alert.
	RetrainFailureThreshold int `yaml:"retrain_failure_threshold" mapstructure:"retrain_failure_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AIRQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("data.path", "data/merged.csv")
	v.SetDefault("data.date_format", "2006-01-02")
	v.SetDefault("data.sheet_name", "")
	v.SetDefault("features.city_catalog", "")
	v.SetDefault("features.lag_days", []int{1, 2, 3, 4, 5, 6, 7})
	v.SetDefault("features.rolling_window", 7)
	v.SetDefault("features.sentinel", -999.0)
	v.SetDefault("features.pollutants", []string{"pm25", "pm10", "o3", "no2", "so2", "co"})
	v.SetDefault("features.weather", []string{
		"temp_avg_c", "temp_max_c", "temp_min_c", "dewpoint_c",
		"precip_mm", "wind_speed_kmh", "visibility_km", "station_pressure_hpa",
	})
	v.SetDefault("features.targets", []string{"pm25", "o3"})
	v.SetDefault("features.target_transform", "log1p")
	v.SetDefault("split.test_fraction", 0.2)
	v.SetDefault("split.validation_fraction", 0.2)
	v.SetDefault("split.require_full_lags", true)
	v.SetDefault("experiment.modes", []string{"GTM", "GTS", "GHM", "GHS", "CTM", "CTS", "CHM", "CHS"})
	v.SetDefault("experiment.algorithms", []string{"ridge", "random_forest", "gradient_boosting"})
	v.SetDefault("experiment.concurrency", 4)
	v.SetDefault("experiment.seed", 42)
	v.SetDefault("experiment.search_budget_secs", 300)
	v.SetDefault("experiment.holdout_fraction", 0.0)
	v.SetDefault("experiment.cities", []string{})
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "airq.db")
	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.root", "artifacts")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.path_style", false)
	v.SetDefault("history.driver", "table")
	v.SetDefault("history.database_url", "")
	v.SetDefault("cache.driver", "none")
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl_secs", 3600)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 20.0)
	v.SetDefault("server.burst", 40)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("schedule.cron", "0 3 * * *")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.retrain_failure_threshold", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

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

// InitLogger initializes the global zap logger. When cfg.File is set, log
// lines are also written to a size-rotated file.
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

	if cfg.File != "" {
		encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		if cfg.Format == "console" {
			encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		}
		fileCore := zapcore.NewCore(encoder, zapcore.AddSync(rotatingWriter(cfg)), zapCfg.Level)
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	zap.ReplaceGlobals(logger)

	return nil
}

func rotatingWriter(cfg LogConfig) io.Writer {
	if cfg.File == "-" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
}
