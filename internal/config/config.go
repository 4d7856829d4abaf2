// Package config loads and validates siteaudit configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/siteaudit/internal/crawler"
)

// EnvPrefix prefixes every environment override, e.g. SITEAUDIT_REDIS_ENDPOINTS.
const EnvPrefix = "SITEAUDIT"

// Config captures every configuration knob.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Auth      AuthConfig     `mapstructure:"auth"`
	Crawler   CrawlerConfig  `mapstructure:"crawler"`
	Redis     RedisConfig    `mapstructure:"redis"`
	DB        DBConfig       `mapstructure:"db"`
	PubSub    PubSubConfig   `mapstructure:"pubsub"`
	Snapshots SnapshotConfig `mapstructure:"snapshots"`
	Progress  ProgressConfig `mapstructure:"progress"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	JobWorkers             int `mapstructure:"job_workers"`
	QueueDepth             int `mapstructure:"queue_depth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig holds fetch settings and the defaults applied to crawl
// requests that leave a field unset.
type CrawlerConfig struct {
	UserAgent            string  `mapstructure:"user_agent"`
	MaxPages             int     `mapstructure:"max_pages"`
	MaxRetries           int     `mapstructure:"max_retries"`
	DelayMillis          int     `mapstructure:"delay_ms"`
	Workers              int     `mapstructure:"workers"`
	FetchTimeoutSeconds  int     `mapstructure:"fetch_timeout_seconds"`
	HealthTimeoutSeconds int     `mapstructure:"health_timeout_seconds"`
	MaxBodyBytes         int     `mapstructure:"max_body_bytes"`
	RateLimitRPS         float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int     `mapstructure:"rate_limit_burst"`
}

// RedisConfig configures the run storage engine.
type RedisConfig struct {
	Endpoints          []string `mapstructure:"endpoints"`
	Password           string   `mapstructure:"password"`
	DB                 int      `mapstructure:"db"`
	DialTimeoutMillis  int      `mapstructure:"dial_timeout_ms"`
	RetentionDays      int      `mapstructure:"retention_days"`
	FreshnessHours     int      `mapstructure:"freshness_hours"`
	ReconnectAttempts  int      `mapstructure:"reconnect_attempts"`
	ReconnectBackoffMs int      `mapstructure:"reconnect_backoff_ms"`
}

// DBConfig controls the optional Postgres run archive.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds the optional completion topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SnapshotConfig selects where raw page bodies are written.
type SnapshotConfig struct {
	// Backend is one of none, local, gcs or memory.
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	BufferSize       int  `mapstructure:"buffer_size"`
	MaxBatchEvents   int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs   int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs    int  `mapstructure:"sink_timeout_ms"`
	PrometheusEvents bool `mapstructure:"prometheus"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	cfg.Redis.Endpoints = splitEndpoints(cfg.Redis.Endpoints)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.job_workers", 2)
	v.SetDefault("server.queue_depth", 64)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.user_agent", "siteaudit/1.0 (+https://github.com/JakeFAU/siteaudit)")
	v.SetDefault("crawler.max_pages", 5)
	v.SetDefault("crawler.max_retries", 3)
	v.SetDefault("crawler.delay_ms", 1000)
	v.SetDefault("crawler.workers", 5)
	v.SetDefault("crawler.fetch_timeout_seconds", 10)
	v.SetDefault("crawler.health_timeout_seconds", 5)
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("crawler.rate_limit_rps", 0)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("redis.endpoints", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout_ms", 2000)
	v.SetDefault("redis.retention_days", 30)
	v.SetDefault("redis.freshness_hours", 24)
	v.SetDefault("redis.reconnect_attempts", 3)
	v.SetDefault("redis.reconnect_backoff_ms", 200)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("snapshots.backend", "none")
	v.SetDefault("snapshots.gcs_bucket", "")
	v.SetDefault("snapshots.local_dir", "data/snapshots")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.content_type", "text/html; charset=utf-8")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// splitEndpoints accepts both YAML lists and the comma-separated form an
// environment variable produces.
func splitEndpoints(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.JobWorkers <= 0 {
		return fmt.Errorf("server.job_workers must be > 0")
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.DelayMillis < 0 {
		return fmt.Errorf("crawler.delay_ms must be >= 0")
	}
	if c.Crawler.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.fetch_timeout_seconds must be > 0")
	}
	if len(c.Redis.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints must list at least one endpoint")
	}
	if c.Redis.RetentionDays <= 0 {
		return fmt.Errorf("redis.retention_days must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Snapshots.Backend {
	case "", "none", "memory":
	case "local":
		if c.Snapshots.LocalDir == "" {
			return fmt.Errorf("snapshots.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Snapshots.GCSBucket == "" {
			return fmt.Errorf("snapshots.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("snapshots.backend %q is not one of none, local, gcs, memory", c.Snapshots.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	return nil
}

// Delay is the default politeness delay.
func (c CrawlerConfig) Delay() time.Duration {
	return time.Duration(c.DelayMillis) * time.Millisecond
}

// FetchTimeout is the per-attempt fetch timeout.
func (c CrawlerConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// HealthTimeout is the per-request health check timeout.
func (c CrawlerConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutSeconds) * time.Second
}

// RetentionTTL is how long stored runs live.
func (c RedisConfig) RetentionTTL() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// FreshnessWindow is how recent a run must be to satisfy a new request.
func (c RedisConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessHours) * time.Hour
}

// DialTimeout bounds each endpoint PING.
func (c RedisConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMillis) * time.Millisecond
}

// ReconnectBackoff is the base wait between endpoint re-selection rounds.
func (c RedisConfig) ReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoffMs) * time.Millisecond
}

// RequestTimeout bounds each API request.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Request builds a crawl request for seed from the configured defaults.
func (c CrawlerConfig) Request(seed string) crawler.CrawlRequest {
	return crawler.CrawlRequest{
		SeedURL:    seed,
		PageBudget: c.MaxPages,
		MaxRetries: c.MaxRetries,
		Delay:      c.Delay(),
		Workers:    c.Workers,
	}
}
