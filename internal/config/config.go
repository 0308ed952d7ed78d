package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/intake-vault/internal/db"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store" mapstructure:"store"`
	Log        LogConfig         `yaml:"log" mapstructure:"log"`
	Migration  MigrationConfig   `yaml:"migration" mapstructure:"migration"`
	Backup     BackupConfig      `yaml:"backup" mapstructure:"backup"`
	Retry      RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Detector   DetectorConfig    `yaml:"detector" mapstructure:"detector"`
	Recovery   RecoveryConfig    `yaml:"recovery" mapstructure:"recovery"`
	Sync       SyncConfig        `yaml:"sync" mapstructure:"sync"`
	Ingest     IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	Monitoring MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig      `yaml:"server" mapstructure:"server"`
	Sources    map[string]string `yaml:"sources" mapstructure:"sources"` // source_id -> kind
}

// StoreConfig configures the relational store.
type StoreConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	Pool        db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MigrationConfig configures the raw to structured migration.
type MigrationConfig struct {
	BatchSize        int     `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConcurrency   int     `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	QualityThreshold float64 `yaml:"quality_threshold" mapstructure:"quality_threshold"`
	RawRetentionDays int     `yaml:"raw_retention_days" mapstructure:"raw_retention_days"`
}

// BackupConfig configures the backup tiers.
type BackupConfig struct {
	RetentionDays  int              `yaml:"retention_days" mapstructure:"retention_days"`
	TierTimeoutSec int              `yaml:"tier_timeout_secs" mapstructure:"tier_timeout_secs"`
	Secondary      SecondaryConfig  `yaml:"secondary" mapstructure:"secondary"`
	Tertiary       TertiaryConfig   `yaml:"tertiary" mapstructure:"tertiary"`
	Quaternary     QuaternaryConfig `yaml:"quaternary" mapstructure:"quaternary"`
}

// SecondaryConfig configures the file archive tier.
type SecondaryConfig struct {
	Root      string  `yaml:"root" mapstructure:"root"`
	Compress  bool    `yaml:"compress" mapstructure:"compress"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // ops/sec, 0 = unlimited
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// TertiaryConfig configures the Redis cache tier. An empty URL disables it.
type TertiaryConfig struct {
	RedisURL  string  `yaml:"redis_url" mapstructure:"redis_url"`
	Prefix    string  `yaml:"prefix" mapstructure:"prefix"`
	TTLHours  int     `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// QuaternaryConfig configures the offsite archive. An empty backend
// disables it.
type QuaternaryConfig struct {
	Backend         string    `yaml:"backend" mapstructure:"backend"` // "", "gcs" or "ftp"
	Bucket          string    `yaml:"bucket" mapstructure:"bucket"`
	StorageClass    string    `yaml:"storage_class" mapstructure:"storage_class"`
	CredentialsFile string    `yaml:"credentials_file" mapstructure:"credentials_file"` // empty uses ADC
	Prefix          string    `yaml:"prefix" mapstructure:"prefix"`
	FTP             FTPConfig `yaml:"ftp" mapstructure:"ftp"`
	RateLimit       float64   `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst       int       `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// FTPConfig configures the FTP offsite backend.
type FTPConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RetryConfig configures transient retries of tier calls.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CircuitConfig configures per-tier circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// DetectorConfig configures the loss detector.
type DetectorConfig struct {
	MaxSessionHours     int      `yaml:"max_session_hours" mapstructure:"max_session_hours"`
	MinSessionItems     int      `yaml:"min_session_items" mapstructure:"min_session_items"`
	MaxErrorRatio       float64  `yaml:"max_error_ratio" mapstructure:"max_error_ratio"`
	ExpectedSources     []string `yaml:"expected_sources" mapstructure:"expected_sources"`
	GapDays             int      `yaml:"gap_days" mapstructure:"gap_days"`
	MinDailyCount       int      `yaml:"min_daily_count" mapstructure:"min_daily_count"`
	DelayThresholdHours int      `yaml:"delay_threshold_hours" mapstructure:"delay_threshold_hours"`
}

// RecoveryConfig configures the recovery engine and its automatic cycle.
type RecoveryConfig struct {
	Concurrency      int  `yaml:"concurrency" mapstructure:"concurrency"`
	DelayedBatchSize int  `yaml:"delayed_batch_size" mapstructure:"delayed_batch_size"`
	IngestLagHours   int  `yaml:"ingest_lag_hours" mapstructure:"ingest_lag_hours"`
	Automatic        bool `yaml:"automatic" mapstructure:"automatic"`
	IntervalMins     int  `yaml:"interval_mins" mapstructure:"interval_mins"`
}

// SyncConfig configures the tier consistency job.
type SyncConfig struct {
	Enabled      bool `yaml:"enabled" mapstructure:"enabled"`
	IntervalMins int  `yaml:"interval_mins" mapstructure:"interval_mins"`
	WindowHours  int  `yaml:"window_hours" mapstructure:"window_hours"`
	MaxBackups   int  `yaml:"max_backups" mapstructure:"max_backups"`
	AutoFix      bool `yaml:"auto_fix" mapstructure:"auto_fix"`
}

// IngestConfig configures intake of raw envelopes.
type IngestConfig struct {
	WatchDir      string `yaml:"watch_dir" mapstructure:"watch_dir"`
	ProcessedDir  string `yaml:"processed_dir" mapstructure:"processed_dir"`
	RejectedDir   string `yaml:"rejected_dir" mapstructure:"rejected_dir"`
	DefaultSource string `yaml:"default_source" mapstructure:"default_source"`
	BackupWorkers int    `yaml:"backup_workers" mapstructure:"backup_workers"`
}

// MonitoringConfig configures alert delivery.
type MonitoringConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	MinSeverity string `yaml:"min_severity" mapstructure:"min_severity"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// Hours converts a whole number of hours to a duration.
func Hours(n int) time.Duration { return time.Duration(n) * time.Hour }

// Load reads configuration from an optional .env file, an optional
// config.yaml and INTAKE_ environment variables.
func Load() (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "intake-vault.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("migration.batch_size", 100)
	v.SetDefault("migration.max_concurrency", 5)
	v.SetDefault("migration.quality_threshold", 6.0)
	v.SetDefault("migration.raw_retention_days", 30)
	v.SetDefault("backup.retention_days", 90)
	v.SetDefault("backup.tier_timeout_secs", 30)
	v.SetDefault("backup.secondary.root", "backups")
	v.SetDefault("backup.secondary.compress", true)
	v.SetDefault("backup.tertiary.prefix", "intake:")
	v.SetDefault("backup.tertiary.ttl_hours", 7*24)
	v.SetDefault("backup.quaternary.storage_class", "COLDLINE")
	v.SetDefault("backup.quaternary.prefix", "backups/")
	v.SetDefault("backup.quaternary.ftp.timeout_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("detector.max_session_hours", 6)
	v.SetDefault("detector.min_session_items", 1)
	v.SetDefault("detector.max_error_ratio", 0.5)
	v.SetDefault("detector.gap_days", 7)
	v.SetDefault("detector.min_daily_count", 1)
	v.SetDefault("detector.delay_threshold_hours", 24)
	v.SetDefault("recovery.concurrency", 5)
	v.SetDefault("recovery.delayed_batch_size", 50)
	v.SetDefault("recovery.ingest_lag_hours", 7*24)
	v.SetDefault("recovery.automatic", true)
	v.SetDefault("recovery.interval_mins", 60)
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval_mins", 15)
	v.SetDefault("sync.window_hours", 24)
	v.SetDefault("sync.max_backups", 10000)
	v.SetDefault("sync.auto_fix", true)
	v.SetDefault("ingest.processed_dir", "processed")
	v.SetDefault("ingest.rejected_dir", "rejected")
	v.SetDefault("ingest.backup_workers", 5)
	v.SetDefault("monitoring.min_severity", "high")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

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

// Validate checks the settings a command mode needs. Modes: "store",
// "backup", "serve".
func (c *Config) Validate(mode string) error {
	var problems []string
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}
	if c.Migration.QualityThreshold < 0 || c.Migration.QualityThreshold > 10 {
		problems = append(problems, "migration.quality_threshold must be between 0 and 10")
	}

	if mode == "backup" || mode == "serve" {
		if c.Backup.Secondary.Root == "" {
			problems = append(problems, "backup.secondary.root is required")
		}
		switch c.Backup.Quaternary.Backend {
		case "":
		case "gcs":
			if c.Backup.Quaternary.Bucket == "" {
				problems = append(problems, "backup.quaternary.bucket is required for gcs")
			}
		case "ftp":
			if c.Backup.Quaternary.FTP.Addr == "" {
				problems = append(problems, "backup.quaternary.ftp.addr is required for ftp")
			}
		default:
			problems = append(problems, "backup.quaternary.backend must be empty, gcs or ftp")
		}
	}
	if mode == "serve" && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be positive")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
