// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/hash"
	"github.com/JakeFAU/review-miner/internal/proxy"
	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Errors    ErrorsConfig    `mapstructure:"errors"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// CrawlerConfig governs the crawl machine and the worker pool.
type CrawlerConfig struct {
	PageLimit          int    `mapstructure:"page_limit"`
	VariantFanoutLimit int    `mapstructure:"variant_fanout_limit"`
	Concurrency        int    `mapstructure:"concurrency"`
	QueueDepth         int    `mapstructure:"queue_depth"`
	UserAgent          string `mapstructure:"user_agent"`
	ScraperName        string `mapstructure:"scraper_name"`
	BaseURL            string `mapstructure:"base_url"`
	TaskTimeoutSeconds int    `mapstructure:"task_timeout_seconds"`
}

// ProviderConfig describes one proxy provider.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// ProxyConfig selects the primary and fallback providers.
type ProxyConfig struct {
	Primary     string                    `mapstructure:"primary"`
	Fallback    string                    `mapstructure:"fallback"`
	CountryCode string                    `mapstructure:"country_code"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
}

// HTTPConfig configures the fetch substrate.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// RateLimitConfig configures per-host pacing.
type RateLimitConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	PerHost      map[string]float64 `mapstructure:"per_host"`
}

// ErrorsConfig selects where error records go and how they are ranked.
type ErrorsConfig struct {
	Sink        string   `mapstructure:"sink"`
	FileDir     string   `mapstructure:"file_dir"`
	RedisStream string   `mapstructure:"redis_stream"`
	RedisMaxLen int64    `mapstructure:"redis_max_len"`
	MaxSizeMB   int      `mapstructure:"max_size_mb"`
	IDHash      string   `mapstructure:"id_hash"`
	Severity    []string `mapstructure:"severity"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// StorageConfig selects the output record backend.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	ErrorTable      string `mapstructure:"error_table"`
	TaskTable       string `mapstructure:"task_table"`
	StatsTable      string `mapstructure:"stats_table"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime string `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool   `mapstructure:"ensure_schema"`
}

// RedisConfig holds the redis connection used by the stream error sink.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the progress hub.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	StoreEnabled   bool `mapstructure:"store_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	BatchMaxEvents int  `mapstructure:"batch_max_events"`
	BatchMaxWaitMs int  `mapstructure:"batch_max_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// Load builds a Config from disk and environment.
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
	cfg.applyProviderKeys()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("crawler.page_limit", crawler.DefaultPageLimit)
	v.SetDefault("crawler.variant_fanout_limit", crawler.DefaultVariantFanout)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "review-miner/0.1")
	v.SetDefault("crawler.scraper_name", crawler.DefaultScraperName)
	v.SetDefault("crawler.base_url", "https://www.amazon.com")
	v.SetDefault("crawler.task_timeout_seconds", 900)
	v.SetDefault("proxy.primary", proxy.ScraperAPI)
	v.SetDefault("proxy.fallback", proxy.ScrapeOps)
	v.SetDefault("proxy.country_code", proxy.DefaultCountryCode)
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 2.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("errors.sink", "memory")
	v.SetDefault("errors.file_dir", "data")
	v.SetDefault("errors.redis_stream", "reviewminer:errors")
	v.SetDefault("errors.max_size_mb", 50)
	v.SetDefault("errors.id_hash", hash.MD5)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "reviewminer")
	v.SetDefault("storage.local.base_dir", "data/records")
	v.SetDefault("database.error_table", "error_records")
	v.SetDefault("database.task_table", "task_runs")
	v.SetDefault("database.stats_table", "fetch_stats")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 2048)
	v.SetDefault("progress.batch_max_events", 256)
	v.SetDefault("progress.batch_max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
}

// applyProviderKeys fills the built-in providers and lets the conventional
// SCRAPER_API_KEY and SCRAPEOPS_API_KEY variables supply their keys.
func (c *Config) applyProviderKeys() {
	if c.Proxy.Providers == nil {
		c.Proxy.Providers = make(map[string]ProviderConfig)
	}
	builtins := map[string]struct{ endpoint, env string }{
		proxy.ScraperAPI: {proxy.ScraperAPIEndpoint, "SCRAPER_API_KEY"},
		proxy.ScrapeOps:  {proxy.ScrapeOpsEndpoint, "SCRAPEOPS_API_KEY"},
	}
	for name, b := range builtins {
		p := c.Proxy.Providers[name]
		if p.BaseURL == "" {
			p.BaseURL = b.endpoint
		}
		if p.APIKey == "" {
			p.APIKey = os.Getenv(b.env)
		}
		c.Proxy.Providers[name] = p
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.PageLimit <= 0 {
		return fmt.Errorf("crawler.page_limit must be > 0")
	}
	if c.Crawler.VariantFanoutLimit < 0 {
		return fmt.Errorf("crawler.variant_fanout_limit must be >= 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Proxy.Primary == "" {
		return fmt.Errorf("proxy.primary is required")
	}
	if _, ok := c.Proxy.Providers[c.Proxy.Primary]; !ok {
		return fmt.Errorf("proxy.primary %q is not a configured provider", c.Proxy.Primary)
	}
	if c.Proxy.Fallback != "" {
		if _, ok := c.Proxy.Providers[c.Proxy.Fallback]; !ok {
			return fmt.Errorf("proxy.fallback %q is not a configured provider", c.Proxy.Fallback)
		}
	}
	if _, err := hash.New(c.Errors.IDHash); err != nil {
		return fmt.Errorf("errors.id_hash: %w", err)
	}
	if _, err := taxonomy.ParseSeverity(c.Errors.Severity); err != nil {
		return fmt.Errorf("errors.severity: %w", err)
	}
	switch c.Errors.Sink {
	case "memory", "file", "redis":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres error sink")
		}
	default:
		return fmt.Errorf("errors.sink %q is not supported", c.Errors.Sink)
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Database.MaxConnLifetime != "" {
		if _, err := time.ParseDuration(c.Database.MaxConnLifetime); err != nil {
			return fmt.Errorf("database.max_conn_lifetime: %w", err)
		}
	}
	return nil
}

// HTTPTimeout returns the per-dispatch fetch timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// TaskTimeout returns the bound on one task run, zero when unbounded.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Crawler.TaskTimeoutSeconds) * time.Second
}

// ConnLifetime parses database.max_conn_lifetime. Validate has already
// rejected malformed values.
func (c Config) ConnLifetime() time.Duration {
	d, _ := time.ParseDuration(c.Database.MaxConnLifetime)
	return d
}

// Providers converts the provider map for the proxy router.
func (c Config) Providers() []proxy.Provider {
	out := make([]proxy.Provider, 0, len(c.Proxy.Providers))
	for name, p := range c.Proxy.Providers {
		out = append(out, proxy.Provider{Name: name, BaseURL: p.BaseURL, APIKey: p.APIKey})
	}
	return out
}

// MachineConfig maps crawler and proxy settings onto the crawl machine.
func (c Config) MachineConfig() crawler.Config {
	return crawler.Config{
		PrimaryProvider:  c.Proxy.Primary,
		FallbackProvider: c.Proxy.Fallback,
		PageLimit:        c.Crawler.PageLimit,
		VariantFanout:    c.Crawler.VariantFanoutLimit,
		BaseURL:          c.Crawler.BaseURL,
		ScraperName:      c.Crawler.ScraperName,
	}
}
