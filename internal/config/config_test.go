package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

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
pipeline:
  workers: 4
  lease_seconds: 60
  poll_interval_ms: 250
providers:
  scraper:
    delay_seconds: 0
    timeout_seconds: 10
    headless: true
  copy:
    backend: openai
    model: gpt-4o-mini
    api_key: copy-key
    delay_seconds: 1.5
  image:
    delay_seconds: 3
  publisher:
    endpoint: https://shop.example.com
    api_version: 2024-04
db:
  sqlite_path: /tmp/runs.db
storage:
  backend: memory
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
	if cfg.Pipeline.Workers != 4 || cfg.Lease() != time.Minute || cfg.PollInterval() != 250*time.Millisecond {
		t.Fatalf("expected pipeline overrides to apply: %+v", cfg.Pipeline)
	}
	if cfg.Providers.Copy.Backend != "openai" || cfg.Providers.Copy.APIKey != "copy-key" {
		t.Fatalf("expected copy overrides to apply: %+v", cfg.Providers.Copy)
	}
	if !cfg.Providers.Scraper.Headless || cfg.Providers.Scraper.Timeout() != 10*time.Second {
		t.Fatalf("expected scraper overrides to apply: %+v", cfg.Providers.Scraper)
	}
	delays := cfg.Delays()
	if delays["scraper"] != 0 || delays["copy"] != 1500*time.Millisecond || delays["image"] != 3*time.Second {
		t.Fatalf("unexpected delays: %v", delays)
	}
	if delays["publisher"] != time.Second {
		t.Fatalf("expected publisher default delay, got %v", delays["publisher"])
	}
	if cfg.Providers.Publisher.APIVersion != "2024-04" {
		t.Fatalf("expected publisher api version override, got %q", cfg.Providers.Publisher.APIVersion)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected development logging disabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.Workers != 2 {
		t.Fatalf("expected default of 2 workers, got %d", cfg.Pipeline.Workers)
	}
	if cfg.DB.DSN != "" || cfg.DB.SQLitePath == "" {
		t.Fatalf("expected embedded store fallback by default: %+v", cfg.DB)
	}
	if cfg.Delays()["image"] != 2*time.Second {
		t.Fatalf("expected image default delay 2s, got %v", cfg.Delays()["image"])
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AUTOMATION_PIPELINE_WORKERS", "7")
	t.Setenv("AUTOMATION_PROVIDERS_COPY_API_KEY", "from-env")
	t.Setenv("AUTOMATION_DB_DSN", "postgres://localhost/automation")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pipeline.Workers != 7 {
		t.Fatalf("expected env worker override, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Providers.Copy.APIKey != "from-env" {
		t.Fatalf("expected env api key override, got %q", cfg.Providers.Copy.APIKey)
	}
	if cfg.DB.DSN != "postgres://localhost/automation" {
		t.Fatalf("expected env dsn override, got %q", cfg.DB.DSN)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	common := ProviderCommon{TimeoutSeconds: 10}
	base := Config{
		Server:   ServerConfig{Port: 8080},
		Pipeline: PipelineConfig{Workers: 2, LeaseSeconds: 60, MaxAttempts: 3},
		Providers: ProvidersConfig{
			Scraper:   ScraperConfig{ProviderCommon: common},
			Copy:      CopyConfig{ProviderCommon: common, Backend: "gemini"},
			Image:     ImageConfig{ProviderCommon: common},
			Publisher: PublisherConfig{ProviderCommon: common},
		},
		DB:      DBConfig{SQLitePath: "automation.db"},
		Storage: StorageConfig{Backend: "memory"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "no workers", mutate: func(c *Config) { c.Pipeline.Workers = 0 }, want: "pipeline.workers"},
		{name: "no lease", mutate: func(c *Config) { c.Pipeline.LeaseSeconds = 0 }, want: "pipeline.lease_seconds"},
		{name: "no attempts", mutate: func(c *Config) { c.Pipeline.MaxAttempts = 0 }, want: "pipeline.max_attempts"},
		{name: "negative delay", mutate: func(c *Config) { c.Providers.Image.DelaySeconds = -1 }, want: "providers.image.delay_seconds"},
		{name: "missing timeout", mutate: func(c *Config) { c.Providers.Publisher.TimeoutSeconds = 0 }, want: "providers.publisher.timeout_seconds"},
		{name: "unknown copy backend", mutate: func(c *Config) { c.Providers.Copy.Backend = "markov" }, want: "providers.copy.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.bucket"},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Backend = "local" }, want: "storage.local.base_dir"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "ftp" }, want: "storage.backend"},
		{name: "no store", mutate: func(c *Config) { c.DB.SQLitePath = "" }, want: "db.sqlite_path"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
