// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Renderer   RendererConfig   `mapstructure:"renderer"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs worker pool and crawl defaults.
type CrawlerConfig struct {
	Workers            int    `mapstructure:"workers"`
	UserAgent          string `mapstructure:"user_agent"`
	MaxDepthDefault    int    `mapstructure:"max_depth_default"`
	MaxPagesDefault    int    `mapstructure:"max_pages_default"`
	MaxURLs            int    `mapstructure:"max_urls"`
	PageTimeoutSeconds int    `mapstructure:"page_timeout_seconds"`
	QueueDepth         int    `mapstructure:"queue_depth"`
}

// PolitenessConfig tunes per-domain admission control.
type PolitenessConfig struct {
	MinDelayMs           int     `mapstructure:"min_delay_ms"`
	MaxDelayMs           int     `mapstructure:"max_delay_ms"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	RequestsPerMinute    int     `mapstructure:"requests_per_minute"`
	HardCooldownHours    int     `mapstructure:"hard_cooldown_hours"`
	BreakerMinAttempts   int     `mapstructure:"breaker_min_attempts"`
	BreakerThreshold     float64 `mapstructure:"breaker_threshold"`
	BreakerTimeoutMinute int     `mapstructure:"breaker_timeout_minutes"`
}

// RendererConfig configures the headless rendering subsystem.
type RendererConfig struct {
	Headless      bool `mapstructure:"headless"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig sets the blob backend and paths for raw HTML snapshots.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // gcs, local or memory
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds queue and analysis-notification topics. An empty
// project selects the in-memory queue and publisher.
type PubSubConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	CrawlTopic    string `mapstructure:"crawl_topic"`
	CrawlSub      string `mapstructure:"crawl_subscription"`
	AnalysisTopic string `mapstructure:"analysis_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "brandlens-bot/0.1")
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.max_pages_default", 100)
	v.SetDefault("crawler.max_urls", 1000)
	v.SetDefault("crawler.page_timeout_seconds", 30)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("politeness.min_delay_ms", 500)
	v.SetDefault("politeness.max_delay_ms", 5000)
	v.SetDefault("politeness.requests_per_second", 2.0)
	v.SetDefault("politeness.requests_per_minute", 60)
	v.SetDefault("politeness.hard_cooldown_hours", 168)
	v.SetDefault("politeness.breaker_min_attempts", 5)
	v.SetDefault("politeness.breaker_threshold", 0.8)
	v.SetDefault("politeness.breaker_timeout_minutes", 15)
	v.SetDefault("renderer.headless", true)
	v.SetDefault("renderer.max_parallel", 2)
	v.SetDefault("renderer.nav_timeout_seconds", 30)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.PageTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.page_timeout_seconds must be > 0")
	}
	if c.Politeness.MinDelayMs <= 0 || c.Politeness.MaxDelayMs < c.Politeness.MinDelayMs {
		return fmt.Errorf("politeness delays must satisfy 0 < min <= max")
	}
	if c.Politeness.RequestsPerSecond <= 0 || c.Politeness.RequestsPerMinute <= 0 {
		return fmt.Errorf("politeness rate limits must be > 0")
	}
	if c.Renderer.Headless && c.Renderer.MaxParallel <= 0 {
		return fmt.Errorf("renderer.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be gcs, local or memory")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PageTimeout converts the page timeout to a duration.
func (c Config) PageTimeout() time.Duration {
	return time.Duration(c.Crawler.PageTimeoutSeconds) * time.Second
}

// HardCooldown converts the hard-crawl cooldown to a duration.
func (c Config) HardCooldown() time.Duration {
	return time.Duration(c.Politeness.HardCooldownHours) * time.Hour
}
