// Package config loads and validates prospector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Classify  ClassifyConfig  `mapstructure:"classify"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Export    ExportConfig    `mapstructure:"export"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig governs the claim-and-crawl loop.
type WorkerConfig struct {
	IDPrefix          string `mapstructure:"id_prefix"`
	Concurrency       int    `mapstructure:"concurrency"`
	MaxTargets        int    `mapstructure:"max_targets"`
	IdlePollSeconds   int    `mapstructure:"idle_poll_seconds"`
	ClaimTTLSeconds   int    `mapstructure:"claim_ttl_seconds"`
	RecrawlTTLSeconds int    `mapstructure:"recrawl_ttl_seconds"`
	ExitWhenIdle      bool   `mapstructure:"exit_when_idle"`
}

// CrawlConfig bounds each per-domain site crawl.
type CrawlConfig struct {
	MaxPagesPerDomain  int    `mapstructure:"max_pages_per_domain"`
	MaxErrorsPerDomain int    `mapstructure:"max_errors_per_domain"`
	UserAgent          string `mapstructure:"user_agent"`
	IgnoreRobots       bool   `mapstructure:"ignore_robots"`
	SnapshotPages      bool   `mapstructure:"snapshot_pages"`
}

// GovernorConfig tunes adaptive pacing and the run-level budget caps.
type GovernorConfig struct {
	MinDelayMs             int     `mapstructure:"min_delay_ms"`
	BaseDelayMs            int     `mapstructure:"base_delay_ms"`
	MaxDelayMs             int     `mapstructure:"max_delay_ms"`
	SuccessFactor          float64 `mapstructure:"success_factor"`
	FailureFactor          float64 `mapstructure:"failure_factor"`
	BlockFactor            float64 `mapstructure:"block_factor"`
	MaxOperations          int     `mapstructure:"max_operations"`
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures"`
}

// HTTPConfig configures HTTP fetch and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// ProxyConfig describes the rotating exit pool.
type ProxyConfig struct {
	Endpoints       []string `mapstructure:"endpoints"`
	UserAgents      []string `mapstructure:"user_agents"`
	MaxFailures     int      `mapstructure:"max_failures"`
	CooldownSeconds int      `mapstructure:"cooldown_seconds"`
}

// DiscoveryConfig points at the business directory used for seeding.
type DiscoveryConfig struct {
	BaseURL       string  `mapstructure:"base_url"`
	MaxPages      int     `mapstructure:"max_pages"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// ClassifyConfig selects and configures the text classifier.
type ClassifyConfig struct {
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// VerifyConfig holds scoring weights and verdict thresholds.
type VerifyConfig struct {
	WebsiteWeight     float64 `mapstructure:"website_weight"`
	DiscoveryWeight   float64 `mapstructure:"discovery_weight"`
	ExternalWeight    float64 `mapstructure:"external_weight"`
	PassThreshold     float64 `mapstructure:"pass_threshold"`
	FailThreshold     float64 `mapstructure:"fail_threshold"`
	MinTargetsForDone int     `mapstructure:"min_targets_for_done"`
}

// StorageConfig sets backend and paths for blob persistence.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig controls the shared claim and dedup store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	Subscription string `mapstructure:"subscription"`
}

// ExportConfig controls spreadsheet export output.
type ExportConfig struct {
	OutputPath string `mapstructure:"output_path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROSPECTOR")
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
	v.SetDefault("worker.id_prefix", "prospector")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.max_targets", 0)
	v.SetDefault("worker.idle_poll_seconds", 15)
	v.SetDefault("worker.claim_ttl_seconds", 600)
	v.SetDefault("worker.recrawl_ttl_seconds", 604800)
	v.SetDefault("worker.exit_when_idle", false)
	v.SetDefault("crawl.max_pages_per_domain", 12)
	v.SetDefault("crawl.max_errors_per_domain", 4)
	v.SetDefault("crawl.user_agent", "prospector-bot/0.1")
	v.SetDefault("crawl.ignore_robots", false)
	v.SetDefault("crawl.snapshot_pages", false)
	v.SetDefault("governor.min_delay_ms", 500)
	v.SetDefault("governor.base_delay_ms", 1000)
	v.SetDefault("governor.max_delay_ms", 60000)
	v.SetDefault("governor.success_factor", 0.75)
	v.SetDefault("governor.failure_factor", 2.0)
	v.SetDefault("governor.block_factor", 4.0)
	v.SetDefault("governor.max_operations", 500)
	v.SetDefault("governor.max_consecutive_failures", 5)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.cooldown_seconds", 300)
	v.SetDefault("discovery.max_pages", 5)
	v.SetDefault("discovery.rate_per_second", 0.5)
	v.SetDefault("discovery.burst", 1)
	v.SetDefault("classify.provider", "keyword")
	v.SetDefault("classify.model", "gemini-1.5-flash")
	v.SetDefault("verify.website_weight", 0.4)
	v.SetDefault("verify.discovery_weight", 0.4)
	v.SetDefault("verify.external_weight", 0.2)
	v.SetDefault("verify.pass_threshold", 0.75)
	v.SetDefault("verify.fail_threshold", 0.35)
	v.SetDefault("verify.min_targets_for_done", 3)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "snapshots")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("export.output_path", "listings.xlsx")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Crawl.MaxPagesPerDomain <= 0 {
		return fmt.Errorf("crawl.max_pages_per_domain must be > 0")
	}
	if c.Crawl.MaxErrorsPerDomain <= 0 {
		return fmt.Errorf("crawl.max_errors_per_domain must be > 0")
	}
	if c.Governor.MinDelayMs <= 0 {
		return fmt.Errorf("governor.min_delay_ms must be > 0")
	}
	if c.Governor.MaxDelayMs < c.Governor.MinDelayMs {
		return fmt.Errorf("governor.max_delay_ms must be >= governor.min_delay_ms")
	}
	if c.Governor.BaseDelayMs < c.Governor.MinDelayMs || c.Governor.BaseDelayMs > c.Governor.MaxDelayMs {
		return fmt.Errorf("governor.base_delay_ms must lie within [min_delay_ms, max_delay_ms]")
	}
	if c.Governor.SuccessFactor <= 0 || c.Governor.SuccessFactor >= 1 {
		return fmt.Errorf("governor.success_factor must be in (0, 1)")
	}
	if c.Governor.FailureFactor <= 1 {
		return fmt.Errorf("governor.failure_factor must be > 1")
	}
	if c.Governor.BlockFactor < c.Governor.FailureFactor {
		return fmt.Errorf("governor.block_factor must be >= governor.failure_factor")
	}
	if c.Governor.MaxOperations <= 0 {
		return fmt.Errorf("governor.max_operations must be > 0")
	}
	if c.Governor.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("governor.max_consecutive_failures must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if sum := c.Verify.WebsiteWeight + c.Verify.DiscoveryWeight + c.Verify.ExternalWeight; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("verify weights must sum to 1, got %.3f", sum)
	}
	if c.Verify.PassThreshold <= c.Verify.FailThreshold {
		return fmt.Errorf("verify.pass_threshold must be > verify.fail_threshold")
	}
	switch c.Storage.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
	}
	switch c.Classify.Provider {
	case "keyword", "gemini":
	default:
		return fmt.Errorf("classify.provider must be keyword or gemini")
	}
	if c.Classify.Provider == "gemini" && c.Classify.APIKey == "" {
		return fmt.Errorf("classify.api_key must be set for the gemini provider")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ClaimTTL is how long a worker's target and domain claims stay valid
// without a heartbeat.
func (c Config) ClaimTTL() time.Duration {
	return time.Duration(c.Worker.ClaimTTLSeconds) * time.Second
}

// IdlePoll is how long the worker sleeps when the queue is empty.
func (c Config) IdlePoll() time.Duration {
	return time.Duration(c.Worker.IdlePollSeconds) * time.Second
}

// RecrawlTTL is how long a finished domain stays exempt from recrawling.
func (c Config) RecrawlTTL() time.Duration {
	return time.Duration(c.Worker.RecrawlTTLSeconds) * time.Second
}
