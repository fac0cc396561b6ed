package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Crawl.MaxPagesPerDomain != 12 {
		t.Fatalf("expected default max pages 12, got %d", cfg.Crawl.MaxPagesPerDomain)
	}
	if cfg.Governor.MaxConsecutiveFailures != 5 {
		t.Fatalf("expected default failure cap 5, got %d", cfg.Governor.MaxConsecutiveFailures)
	}
	if cfg.Verify.PassThreshold != 0.75 || cfg.Verify.FailThreshold != 0.35 {
		t.Fatalf("expected default thresholds 0.75/0.35, got %v/%v",
			cfg.Verify.PassThreshold, cfg.Verify.FailThreshold)
	}
	if cfg.Storage.Backend != "memory" {
		t.Fatalf("expected default storage backend memory, got %s", cfg.Storage.Backend)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
worker:
  concurrency: 4
  max_targets: 20
  claim_ttl_seconds: 300
crawl:
  max_pages_per_domain: 25
  max_errors_per_domain: 6
  user_agent: prospector-test
  ignore_robots: true
governor:
  min_delay_ms: 200
  base_delay_ms: 400
  max_delay_ms: 30000
  max_operations: 1000
http:
  timeout_seconds: 45
  max_retries: 4
  backoff_initial_ms: 100
  backoff_max_ms: 500
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
  promotion_threshold: 70
proxy:
  endpoints: ["http://10.0.0.1:3128", "http://10.0.0.2:3128"]
verify:
  website_weight: 0.7
  discovery_weight: 0.3
  external_weight: 0.0
storage:
  backend: gcs
  gcs_bucket: bucket
  prefix: snapshots
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawl.MaxPagesPerDomain != 25 || !cfg.Crawl.IgnoreRobots {
		t.Fatalf("expected crawl overrides to apply")
	}
	if len(cfg.Proxy.Endpoints) != 2 {
		t.Fatalf("expected 2 proxy endpoints, got %d", len(cfg.Proxy.Endpoints))
	}
	if cfg.Verify.WebsiteWeight != 0.7 || cfg.Verify.DiscoveryWeight != 0.3 {
		t.Fatalf("expected verify weight overrides to apply")
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if got := cfg.ClaimTTL(); got != 300*time.Second {
		t.Fatalf("expected claim ttl 300s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Worker: WorkerConfig{Concurrency: 1},
		Crawl:  CrawlConfig{MaxPagesPerDomain: 10, MaxErrorsPerDomain: 3},
		Governor: GovernorConfig{
			MinDelayMs:             500,
			BaseDelayMs:            1000,
			MaxDelayMs:             60000,
			SuccessFactor:          0.75,
			FailureFactor:          2,
			BlockFactor:            4,
			MaxOperations:          500,
			MaxConsecutiveFailures: 5,
		},
		HTTP: HTTPConfig{TimeoutSeconds: 10},
		Verify: VerifyConfig{
			WebsiteWeight:   0.4,
			DiscoveryWeight: 0.4,
			ExternalWeight:  0.2,
			PassThreshold:   0.75,
			FailThreshold:   0.35,
		},
		Storage:  StorageConfig{Backend: "memory"},
		Classify: ClassifyConfig{Provider: "keyword"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Worker.Concurrency = 0
				return c
			}(),
			want: "worker.concurrency",
		},
		{
			name: "invalid page cap",
			cfg: func() Config {
				c := base
				c.Crawl.MaxPagesPerDomain = 0
				return c
			}(),
			want: "crawl.max_pages_per_domain",
		},
		{
			name: "delay bounds inverted",
			cfg: func() Config {
				c := base
				c.Governor.MaxDelayMs = 100
				return c
			}(),
			want: "governor.max_delay_ms",
		},
		{
			name: "success factor out of range",
			cfg: func() Config {
				c := base
				c.Governor.SuccessFactor = 1.5
				return c
			}(),
			want: "governor.success_factor",
		},
		{
			name: "block factor below failure factor",
			cfg: func() Config {
				c := base
				c.Governor.BlockFactor = 1.5
				return c
			}(),
			want: "governor.block_factor",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "headless missing max parallel",
			cfg: func() Config {
				c := base
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
				return c
			}(),
			want: "headless.max_parallel",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "weights do not sum to one",
			cfg: func() Config {
				c := base
				c.Verify.WebsiteWeight = 0.9
				return c
			}(),
			want: "weights must sum to 1",
		},
		{
			name: "thresholds inverted",
			cfg: func() Config {
				c := base
				c.Verify.PassThreshold = 0.2
				return c
			}(),
			want: "pass_threshold",
		},
		{
			name: "unknown storage backend",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "s3"
				return c
			}(),
			want: "storage.backend",
		},
		{
			name: "gcs missing bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "gemini missing api key",
			cfg: func() Config {
				c := base
				c.Classify.Provider = "gemini"
				return c
			}(),
			want: "classify.api_key",
		},
		{
			name: "pubsub missing project",
			cfg: func() Config {
				c := base
				c.PubSub.Enabled = true
				return c
			}(),
			want: "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
