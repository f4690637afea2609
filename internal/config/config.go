// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tatoalo/mediaDownloader/internal/processor/tiktok"
)

// Config captures all service configuration knobs loaded via Viper.
// The three binaries share one file; each reads the sections it needs.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Sites      SitesConfig      `mapstructure:"sites"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Cleaner    CleanerConfig    `mapstructure:"cleaner"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	YTDLP      YTDLPConfig      `mapstructure:"ytdlp"`
	TikTok     tiktok.Config    `mapstructure:"tiktok"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SitesConfig lists the hosts submissions may point at.
type SitesConfig struct {
	Whitelist []string `mapstructure:"whitelist"`
}

// BrokerConfig holds the Pub/Sub wiring for both queues.
type BrokerConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	JobTopic           string `mapstructure:"job_topic"`
	JobSubscription    string `mapstructure:"job_subscription"`
	ResultTopic        string `mapstructure:"result_topic"`
	ResultSubscription string `mapstructure:"result_subscription"`
	NotificationTopic  string `mapstructure:"notification_topic"`
}

// CacheConfig controls access to the deduplication database.
type CacheConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects and configures the artifact store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BasePath  string `mapstructure:"base_path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// WorkerConfig governs the download worker pool.
type WorkerConfig struct {
	Concurrency   int   `mapstructure:"concurrency"`
	MaxVideoBytes int64 `mapstructure:"max_video_bytes"`
	MaxImageBytes int64 `mapstructure:"max_image_bytes"`
}

// RetryConfig configures transient-failure retry behavior.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DispatcherConfig governs submission handling and result correlation.
type DispatcherConfig struct {
	ResultTimeout time.Duration `mapstructure:"result_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxFailures   int           `mapstructure:"max_failures"`
}

// CleanerConfig governs retention passes.
type CleanerConfig struct {
	Horizon      time.Duration `mapstructure:"horizon"`
	Interval     time.Duration `mapstructure:"interval"`
	HeartbeatURL string        `mapstructure:"heartbeat_url"`
}

// TelemetryConfig wires the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// YTDLPConfig configures the generic downloader subprocess.
type YTDLPConfig struct {
	BinaryPath string        `mapstructure:"binary_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEDIADL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("sites.whitelist", []string{"tiktok.com", "youtube.com", "youtu.be"})
	v.SetDefault("broker.job_topic", "media-jobs")
	v.SetDefault("broker.job_subscription", "media-jobs-workers")
	v.SetDefault("broker.result_topic", "media-results")
	v.SetDefault("broker.result_subscription", "media-results-bot")
	v.SetDefault("broker.notification_topic", "media-notifications")
	v.SetDefault("cache.table", "dedup_entries")
	v.SetDefault("cache.max_conns", 4)
	v.SetDefault("cache.min_conns", 1)
	v.SetDefault("cache.max_conn_lifetime", time.Hour)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_path", "data/artifacts")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_video_bytes", 50*1024*1024)
	v.SetDefault("worker.max_image_bytes", 10*1024*1024)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 3*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("dispatcher.result_timeout", 10*time.Minute)
	v.SetDefault("dispatcher.sweep_interval", 30*time.Second)
	v.SetDefault("dispatcher.max_failures", 64)
	v.SetDefault("cleaner.horizon", 24*time.Hour)
	v.SetDefault("cleaner.interval", time.Hour)
	v.SetDefault("ytdlp.binary_path", "yt-dlp")
	v.SetDefault("ytdlp.timeout", 2*time.Minute)
	v.SetDefault("tiktok.timeout", 30*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Sites.Whitelist) == 0 {
		return fmt.Errorf("sites.whitelist must not be empty")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local, gcs, or memory")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint must be set when telemetry is enabled")
	}
	return nil
}
