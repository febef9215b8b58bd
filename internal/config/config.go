// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	DB          DBConfig          `mapstructure:"db"`
	Storage     StorageConfig     `mapstructure:"storage"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Application ApplicationConfig `mapstructure:"application"`
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

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PipelineConfig governs the worker pool and retry behavior.
type PipelineConfig struct {
	Workers          int  `mapstructure:"workers"`
	LeaseSeconds     int  `mapstructure:"lease_seconds"`
	PollIntervalMs   int  `mapstructure:"poll_interval_ms"`
	MaxAttempts      int  `mapstructure:"max_attempts"`
	BackoffInitialMs int  `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int  `mapstructure:"backoff_max_ms"`
	ResumeOnStart    bool `mapstructure:"resume_on_start"`
}

// ProvidersConfig holds one section per external provider.
type ProvidersConfig struct {
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Copy      CopyConfig      `mapstructure:"copy"`
	Image     ImageConfig     `mapstructure:"image"`
	Publisher PublisherConfig `mapstructure:"publisher"`
}

// ProviderCommon are the settings every provider shares.
type ProviderCommon struct {
	Endpoint       string  `mapstructure:"endpoint"`
	APIKey         string  `mapstructure:"api_key"`
	DelaySeconds   float64 `mapstructure:"delay_seconds"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// ScraperConfig configures the product page scraper.
type ScraperConfig struct {
	ProviderCommon     `mapstructure:",squash"`
	UserAgent          string  `mapstructure:"user_agent"`
	IgnoreRobots       bool    `mapstructure:"ignore_robots"`
	HostRPS            float64 `mapstructure:"host_rps"`
	Headless           bool    `mapstructure:"headless"`
	HeadlessParallel   int     `mapstructure:"headless_parallel"`
	PromotionThresh    int     `mapstructure:"promotion_threshold"`
	RequireProductHint bool    `mapstructure:"require_product_hint"`
}

// CopyConfig configures the copy generator.
type CopyConfig struct {
	ProviderCommon `mapstructure:",squash"`
	// Backend is gemini or openai.
	Backend     string  `mapstructure:"backend"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// ImageConfig configures the image generator.
type ImageConfig struct {
	ProviderCommon `mapstructure:",squash"`
	Model          string `mapstructure:"model"`
	Size           string `mapstructure:"size"`
	MaxReferences  int    `mapstructure:"max_references"`
}

// PublisherConfig configures the storefront publisher.
type PublisherConfig struct {
	ProviderCommon `mapstructure:",squash"`
	APIVersion     string `mapstructure:"api_version"`
	Status         string `mapstructure:"status"`
}

// DBConfig controls access to the job store database.
type DBConfig struct {
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int    `mapstructure:"max_conns"`
	MinConns   int    `mapstructure:"min_conns"`
}

// StorageConfig selects where generated images are written.
type StorageConfig struct {
	Backend       string             `mapstructure:"backend"`
	Bucket        string             `mapstructure:"bucket"`
	Prefix        string             `mapstructure:"prefix"`
	PublicBaseURL string             `mapstructure:"public_base_url"`
	Local         LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem blob backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for run completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	LogEnabled bool `mapstructure:"log_enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
	Batch      struct {
		MaxEvents int `mapstructure:"max_events"`
		MaxWaitMs int `mapstructure:"max_wait_ms"`
	} `mapstructure:"batch"`
	SinkTimeoutMs int `mapstructure:"sink_timeout_ms"`
}

// ApplicationConfig carries telemetry identity.
type ApplicationConfig struct {
	ServiceName      string  `mapstructure:"service_name"`
	Version          string  `mapstructure:"version"`
	ProjectID        string  `mapstructure:"project_id"`
	Region           string  `mapstructure:"region"`
	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUTOMATION")
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

// setDefaults registers every key so AutomaticEnv can override keys that
// appear in no config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)

	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.lease_seconds", 300)
	v.SetDefault("pipeline.poll_interval_ms", 500)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.backoff_initial_ms", 500)
	v.SetDefault("pipeline.backoff_max_ms", 10000)
	v.SetDefault("pipeline.resume_on_start", true)

	v.SetDefault("providers.scraper.endpoint", "")
	v.SetDefault("providers.scraper.api_key", "")
	v.SetDefault("providers.scraper.delay_seconds", 1)
	v.SetDefault("providers.scraper.timeout_seconds", 30)
	v.SetDefault("providers.scraper.user_agent", "product-automation-bot/0.1")
	v.SetDefault("providers.scraper.ignore_robots", false)
	v.SetDefault("providers.scraper.host_rps", 1)
	v.SetDefault("providers.scraper.headless", false)
	v.SetDefault("providers.scraper.headless_parallel", 1)
	v.SetDefault("providers.scraper.promotion_threshold", 60)
	v.SetDefault("providers.scraper.require_product_hint", false)

	v.SetDefault("providers.copy.endpoint", "https://api.openai.com/v1")
	v.SetDefault("providers.copy.api_key", "")
	v.SetDefault("providers.copy.delay_seconds", 1)
	v.SetDefault("providers.copy.timeout_seconds", 60)
	v.SetDefault("providers.copy.backend", "gemini")
	v.SetDefault("providers.copy.model", "gemini-1.5-flash")
	v.SetDefault("providers.copy.temperature", 0.4)

	v.SetDefault("providers.image.endpoint", "https://ark.ap-southeast.bytepluses.com/api/v3")
	v.SetDefault("providers.image.api_key", "")
	v.SetDefault("providers.image.delay_seconds", 2)
	v.SetDefault("providers.image.timeout_seconds", 120)
	v.SetDefault("providers.image.model", "seedream-4-0")
	v.SetDefault("providers.image.size", "2K")
	v.SetDefault("providers.image.max_references", 3)

	v.SetDefault("providers.publisher.endpoint", "")
	v.SetDefault("providers.publisher.api_key", "")
	v.SetDefault("providers.publisher.delay_seconds", 1)
	v.SetDefault("providers.publisher.timeout_seconds", 30)
	v.SetDefault("providers.publisher.api_version", "2024-01")
	v.SetDefault("providers.publisher.status", "draft")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.sqlite_path", "automation.db")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "images")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.local.base_dir", "data")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 500)
	v.SetDefault("progress.batch.max_wait_ms", 1000)
	v.SetDefault("progress.sink_timeout_ms", 2000)

	v.SetDefault("application.service_name", "product-automation")
	v.SetDefault("application.version", "dev")
	v.SetDefault("application.project_id", "")
	v.SetDefault("application.region", "")
	v.SetDefault("application.trace_sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.LeaseSeconds <= 0 {
		return fmt.Errorf("pipeline.lease_seconds must be > 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	for name, p := range map[string]ProviderCommon{
		"scraper":   c.Providers.Scraper.ProviderCommon,
		"copy":      c.Providers.Copy.ProviderCommon,
		"image":     c.Providers.Image.ProviderCommon,
		"publisher": c.Providers.Publisher.ProviderCommon,
	} {
		if p.DelaySeconds < 0 {
			return fmt.Errorf("providers.%s.delay_seconds must be >= 0", name)
		}
		if p.TimeoutSeconds <= 0 {
			return fmt.Errorf("providers.%s.timeout_seconds must be > 0", name)
		}
	}
	switch c.Providers.Copy.Backend {
	case "gemini", "openai":
	default:
		return fmt.Errorf("providers.copy.backend must be gemini or openai")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
		}
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be one of gcs, local, memory")
	}
	if c.DB.DSN == "" && c.DB.SQLitePath == "" {
		return fmt.Errorf("db.sqlite_path must be set when db.dsn is empty")
	}
	return nil
}

// Lease is the item lease duration.
func (c Config) Lease() time.Duration {
	return time.Duration(c.Pipeline.LeaseSeconds) * time.Second
}

// PollInterval is how long idle workers sleep between claims.
func (c Config) PollInterval() time.Duration {
	if c.Pipeline.PollIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Pipeline.PollIntervalMs) * time.Millisecond
}

// Delays maps provider name to its minimum gap between calls.
func (c Config) Delays() map[string]time.Duration {
	return map[string]time.Duration{
		"scraper":   seconds(c.Providers.Scraper.DelaySeconds),
		"copy":      seconds(c.Providers.Copy.DelaySeconds),
		"image":     seconds(c.Providers.Image.DelaySeconds),
		"publisher": seconds(c.Providers.Publisher.DelaySeconds),
	}
}

// Timeout returns the per-attempt timeout for a provider.
func (p ProviderCommon) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
