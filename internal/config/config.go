package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all service configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"WASEND_ADDR" envDefault:":3010"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Infrastructure
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RedisAddr   string `env:"REDIS_ADDR"`    // empty: dedupe and shared limiter run in-process
	DatabaseURL string `env:"DATABASE_URL"`  // empty: in-memory store
	JWTSecret   string `env:"JWT_SECRET"`    // empty: API auth disabled (development)

	// Dispatcher
	WorkerCount       int           `env:"WORKERS_COUNT" envDefault:"0"` // 0 = 4 x NumCPU
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"60s"`
	DequeueWait       time.Duration `env:"DEQUEUE_WAIT" envDefault:"5s"`
	DrainTimeout      time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`

	// Retry policy
	MaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase  time.Duration `env:"RETRY_BACKOFF_BASE" envDefault:"1s"`
	BackoffCap   time.Duration `env:"RETRY_BACKOFF_CAP" envDefault:"5m"`

	// Rate limiting
	// Per sender-number bucket: provider allows ~80 msg/sec per number.
	NumberRate     float64 `env:"LIMITER_NUMBER_RATE" envDefault:"80"`
	NumberBurst    float64 `env:"LIMITER_NUMBER_BURST" envDefault:"80"`
	WorkspaceRate  float64 `env:"LIMITER_WORKSPACE_RATE" envDefault:"200"`
	WorkspaceBurst int     `env:"LIMITER_WORKSPACE_BURST" envDefault:"200"`
	GlobalRate     float64 `env:"LIMITER_GLOBAL_RATE" envDefault:"500"`
	GlobalBurst    int     `env:"LIMITER_GLOBAL_BURST" envDefault:"500"`

	// Upstream provider
	UpstreamBaseURL        string        `env:"UPSTREAM_BASE_URL" envDefault:"https://graph.facebook.com"`
	UpstreamAPIVersion     string        `env:"UPSTREAM_API_VERSION" envDefault:"v21.0"`
	UpstreamConnectTimeout time.Duration `env:"UPSTREAM_CONNECT_TIMEOUT" envDefault:"5s"`
	UpstreamTotalTimeout   time.Duration `env:"UPSTREAM_TOTAL_TIMEOUT" envDefault:"30s"`

	// Webhook intake
	WebhookVerifyToken  string        `env:"WEBHOOK_VERIFY_TOKEN" envDefault:"change-me"`
	WebhookMaxBodyBytes int64         `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"1048576"` // 1 MiB
	WebhookDedupeTTL    time.Duration `env:"WEBHOOK_DEDUPE_TTL" envDefault:"72h"`

	// Campaigns
	CampaignBatchSize    int           `env:"CAMPAIGN_BATCH_SIZE" envDefault:"500"`
	CampaignPollInterval time.Duration `env:"CAMPAIGN_POLL_INTERVAL" envDefault:"2s"`

	// Resource guard (container-relative percentages)
	CPUPauseThreshold float64 `env:"CPU_PAUSE_THRESHOLD" envDefault:"85.0"`
	MemoryLimit       int64   `env:"MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	GuardInterval     time.Duration `env:"GUARD_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production env vars are injected
	// directly and the file is absent.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = 4 * runtime.NumCPU()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WASEND_ADDR is required")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required")
	}

	// Range checks
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKERS_COUNT must be > 0, got %d", c.WorkerCount)
	}
	if c.VisibilityTimeout < time.Second {
		return fmt.Errorf("VISIBILITY_TIMEOUT must be >= 1s, got %s", c.VisibilityTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0, got %d", c.MaxAttempts)
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff base/cap invalid: base=%s cap=%s", c.BackoffBase, c.BackoffCap)
	}
	if c.NumberRate <= 0 || c.NumberBurst <= 0 {
		return fmt.Errorf("LIMITER_NUMBER_RATE and LIMITER_NUMBER_BURST must be > 0")
	}
	if c.WebhookMaxBodyBytes < 1024 {
		return fmt.Errorf("WEBHOOK_MAX_BODY_BYTES must be >= 1024, got %d", c.WebhookMaxBodyBytes)
	}
	if c.CampaignBatchSize < 1 {
		return fmt.Errorf("CAMPAIGN_BATCH_SIZE must be > 0, got %d", c.CampaignBatchSize)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Bool("redis_enabled", c.RedisAddr != "").
		Bool("postgres_enabled", c.DatabaseURL != "").
		Int("workers", c.WorkerCount).
		Dur("visibility_timeout", c.VisibilityTimeout).
		Int("max_attempts", c.MaxAttempts).
		Dur("backoff_base", c.BackoffBase).
		Dur("backoff_cap", c.BackoffCap).
		Float64("number_rate", c.NumberRate).
		Float64("global_rate", c.GlobalRate).
		Str("upstream_base_url", c.UpstreamBaseURL).
		Str("upstream_api_version", c.UpstreamAPIVersion).
		Int64("webhook_max_body_bytes", c.WebhookMaxBodyBytes).
		Dur("webhook_dedupe_ttl", c.WebhookDedupeTTL).
		Int("campaign_batch_size", c.CampaignBatchSize).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Service configuration loaded")
}
