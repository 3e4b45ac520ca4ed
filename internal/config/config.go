// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
)

// Backend names accepted by the storage, events and browser sections.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendRedis    = "redis"
	BackendChromedp = "chromedp"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Browser BrowserConfig `mapstructure:"browser"`
	DB      DBConfig      `mapstructure:"db"`
	Storage StorageConfig `mapstructure:"storage"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists the origins allowed to call the control API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxAge         int      `mapstructure:"max_age"`
}

// CrawlerConfig governs listing pagination and pacing.
type CrawlerConfig struct {
	BaseURL          string  `mapstructure:"base_url"`
	PageSize         int     `mapstructure:"page_size"`
	ListingQuery     string  `mapstructure:"listing_query"`
	DefaultMaxPages  int     `mapstructure:"default_max_pages"`
	MaxListingOffset int     `mapstructure:"max_listing_offset"`
	DefaultDelayMs   int     `mapstructure:"default_delay_ms"`
	DomainQPS        float64 `mapstructure:"domain_qps"`
	DomainBurst      int     `mapstructure:"domain_burst"`
}

// BrowserConfig configures the headless browser and navigation retries.
type BrowserConfig struct {
	Backend               string `mapstructure:"backend"`
	ExecPath              string `mapstructure:"exec_path"`
	UserAgent             string `mapstructure:"user_agent"`
	NoSandbox             bool   `mapstructure:"no_sandbox"`
	Headful               bool   `mapstructure:"headful"`
	ListingTimeoutSeconds int    `mapstructure:"listing_timeout_seconds"`
	ListingRetryDelayMs   int    `mapstructure:"listing_retry_delay_ms"`
	ProductTimeoutSeconds int    `mapstructure:"product_timeout_seconds"`
	ProductRetryDelayMs   int    `mapstructure:"product_retry_delay_ms"`
	MaxAttempts           int    `mapstructure:"max_attempts"`
	IdleWindowMs          int    `mapstructure:"idle_window_ms"`
	IdleMaxInflight       int    `mapstructure:"idle_max_inflight"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// StorageConfig selects where page snapshots are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig selects where price and job events are published.
type EventsConfig struct {
	Backend      string `mapstructure:"backend"`
	PriceTopic   string `mapstructure:"price_topic"`
	JobTopic     string `mapstructure:"job_topic"`
	ProjectID    string `mapstructure:"project_id"`
	RedisAddr    string `mapstructure:"redis_addr"`
	StreamPrefix string `mapstructure:"stream_prefix"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

// ScheduleConfig lists crawls started on cron schedules while serving.
type ScheduleConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Timezone is an IANA zone name; empty means the process local zone.
	Timezone string          `mapstructure:"timezone"`
	Jobs     []ScheduledCrawl `mapstructure:"jobs"`
}

// ScheduledCrawl is one cron entry. Cron takes five fields or a descriptor
// such as "@daily".
type ScheduledCrawl struct {
	Cron     string `mapstructure:"cron"`
	Category string `mapstructure:"category"`
	Limit    int    `mapstructure:"limit"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
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
	v.SetDefault("server.shutdown_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:*", "https://localhost:*"})
	v.SetDefault("cors.max_age", 300)
	v.SetDefault("crawler.base_url", "https://www.continente.pt")
	v.SetDefault("crawler.page_size", 48)
	v.SetDefault("crawler.listing_query", "srule=FOOD&pmin=0.01")
	v.SetDefault("crawler.default_max_pages", 50)
	v.SetDefault("crawler.max_listing_offset", 10000)
	v.SetDefault("crawler.default_delay_ms", 2000)
	v.SetDefault("crawler.domain_qps", 0.0)
	v.SetDefault("crawler.domain_burst", 1)
	v.SetDefault("browser.backend", BackendChromedp)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.headful", false)
	v.SetDefault("browser.listing_timeout_seconds", 90)
	v.SetDefault("browser.listing_retry_delay_ms", 3000)
	v.SetDefault("browser.product_timeout_seconds", 45)
	v.SetDefault("browser.product_retry_delay_ms", 2000)
	v.SetDefault("browser.max_attempts", 3)
	v.SetDefault("browser.idle_window_ms", 500)
	v.SetDefault("browser.idle_max_inflight", 2)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.base_dir", "data/snapshots")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("events.backend", BackendNone)
	v.SetDefault("events.price_topic", "prices")
	v.SetDefault("events.job_topic", "jobs")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.redis_addr", "localhost:6379")
	v.SetDefault("events.stream_prefix", "crawler:")
	v.SetDefault("events.stream_max_len", 100000)
	v.SetDefault("logging.development", true)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.timezone", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	u, err := url.Parse(c.Crawler.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("crawler.base_url must be an absolute URL")
	}
	if c.Crawler.PageSize <= 0 {
		return fmt.Errorf("crawler.page_size must be > 0")
	}
	if c.Crawler.DefaultMaxPages <= 0 {
		return fmt.Errorf("crawler.default_max_pages must be > 0")
	}
	if c.Crawler.DomainQPS < 0 {
		return fmt.Errorf("crawler.domain_qps must be >= 0")
	}
	if c.Browser.MaxAttempts <= 0 {
		return fmt.Errorf("browser.max_attempts must be > 0")
	}
	switch c.Browser.Backend {
	case BackendChromedp, BackendNone:
	default:
		return fmt.Errorf("browser.backend %q is not supported", c.Browser.Backend)
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Events.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Events.ProjectID == "" {
			return fmt.Errorf("events.project_id is required for the pubsub backend")
		}
	case BackendRedis:
		if c.Events.RedisAddr == "" {
			return fmt.Errorf("events.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("events.backend %q is not supported", c.Events.Backend)
	}
	return c.Schedule.validate()
}

func (s ScheduleConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	for i, job := range s.Jobs {
		if strings.TrimSpace(job.Cron) == "" {
			return fmt.Errorf("schedule.jobs[%d].cron is required", i)
		}
		if _, ok := crawler.LookupCategory(job.Category); !ok {
			return fmt.Errorf("schedule.jobs[%d].category %q is unknown", i, job.Category)
		}
		if job.Limit < 0 {
			return fmt.Errorf("schedule.jobs[%d].limit must be >= 0", i)
		}
	}
	return nil
}

// Location resolves the schedule timezone.
func (s ScheduleConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ListingNavigation returns the navigation bounds for listing pages.
func (c Config) ListingNavigation() crawler.NavigateOptions {
	return crawler.NavigateOptions{
		Timeout:    time.Duration(c.Browser.ListingTimeoutSeconds) * time.Second,
		RetryDelay: time.Duration(c.Browser.ListingRetryDelayMs) * time.Millisecond,
	}
}

// ProductNavigation returns the navigation bounds for product pages.
func (c Config) ProductNavigation() crawler.NavigateOptions {
	return crawler.NavigateOptions{
		Timeout:    time.Duration(c.Browser.ProductTimeoutSeconds) * time.Second,
		RetryDelay: time.Duration(c.Browser.ProductRetryDelayMs) * time.Millisecond,
	}
}

// ShutdownTimeout bounds graceful shutdown of the HTTP server and running job.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}
