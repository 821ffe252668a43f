// Package config loads and validates server configuration from the
// environment, with an optional .env file for development.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all pipeline configuration.
//
// Timeouts and intervals arrive as integer milliseconds (the *_MS
// variables); the duration accessors below convert them.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"WS_ADDR" envDefault:":3002"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"holorelay"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Bus
	BusURL string `env:"BUS_URL" envDefault:"nats://localhost:4222"`

	// Persistence
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"` // memory | sql
	DatabaseURL  string `env:"DATABASE_URL"`

	// Snapshotter (no-op when Bucket is empty)
	Bucket             string `env:"BUCKET"`
	SnapshotIntervalMs int64  `env:"SNAPSHOT_INTERVAL_MS" envDefault:"300000"`
	SnapshotTimeoutMs  int64  `env:"SNAPSHOT_TIMEOUT_MS" envDefault:"120000"`

	// Worker pool
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY"` // 0 = NumCPU
	GeneratorMaxMs    int64  `env:"GENERATOR_MAX_MS" envDefault:"10000"`
	Generator         string `env:"GENERATOR" envDefault:"mock"` // mock | real
	DedupWindowMs     int64  `env:"DEDUP_WINDOW_MS" envDefault:"300000"`

	// Request/reply
	RequestReplyTimeoutMs int64 `env:"REQUEST_REPLY_TIMEOUT_MS" envDefault:"30000"`

	// Broadcast engine
	FPSTarget         int   `env:"FPS_TARGET" envDefault:"30"`
	BroadcastQueueCap int   `env:"BROADCAST_QUEUE_CAP" envDefault:"16"`
	BacklogSoftBytes  int64 `env:"WS_BACKLOG_SOFT_BYTES" envDefault:"4194304"`
	BacklogHardBytes  int64 `env:"WS_BACKLOG_HARD_BYTES" envDefault:"16777216"`
	WriteTimeoutMs    int64 `env:"WS_WRITE_TIMEOUT_MS" envDefault:"200"`

	// Gateway limits
	JWTSecret         string `env:"JWT_SECRET"`
	MaxConnsPerIP     int    `env:"MAX_CONNS_PER_IP" envDefault:"32"`
	MaxConnsPerTenant int    `env:"MAX_CONNS_PER_TENANT" envDefault:"256"`

	// Observability
	PromPort     int    `env:"PROM_PORT" envDefault:"9617"`
	ExportProm   bool   `env:"EXPORT_PROM" envDefault:"true"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = runtime.NumCPU()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.BusURL == "" {
		return fmt.Errorf("BUS_URL is required")
	}

	switch c.StoreBackend {
	case "memory":
	case "sql":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=sql")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of: memory, sql (got: %s)", c.StoreBackend)
	}

	switch c.Generator {
	case "mock", "real":
	default:
		return fmt.Errorf("GENERATOR must be one of: mock, real (got: %s)", c.Generator)
	}

	if c.FPSTarget < 1 || c.FPSTarget > 240 {
		return fmt.Errorf("FPS_TARGET must be 1-240, got %d", c.FPSTarget)
	}
	if c.BroadcastQueueCap < 1 {
		return fmt.Errorf("BROADCAST_QUEUE_CAP must be > 0, got %d", c.BroadcastQueueCap)
	}
	if c.BacklogHardBytes < c.BacklogSoftBytes {
		return fmt.Errorf("WS_BACKLOG_HARD_BYTES (%d) must be >= WS_BACKLOG_SOFT_BYTES (%d)",
			c.BacklogHardBytes, c.BacklogSoftBytes)
	}
	if c.GeneratorMaxMs <= 0 {
		return fmt.Errorf("GENERATOR_MAX_MS must be > 0, got %d", c.GeneratorMaxMs)
	}
	if c.RequestReplyTimeoutMs <= 0 {
		return fmt.Errorf("REQUEST_REPLY_TIMEOUT_MS must be > 0, got %d", c.RequestReplyTimeoutMs)
	}
	if c.MaxConnsPerIP < 1 {
		return fmt.Errorf("MAX_CONNS_PER_IP must be > 0, got %d", c.MaxConnsPerIP)
	}
	if c.MaxConnsPerTenant < 1 {
		return fmt.Errorf("MAX_CONNS_PER_TENANT must be > 0, got %d", c.MaxConnsPerTenant)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// TickInterval returns the broadcast tick period derived from FPSTarget.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.FPSTarget)
}

func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMs) * time.Millisecond
}

func (c *Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutMs) * time.Millisecond
}

func (c *Config) GeneratorMax() time.Duration {
	return time.Duration(c.GeneratorMaxMs) * time.Millisecond
}

func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

func (c *Config) RequestReplyTimeout() time.Duration {
	return time.Duration(c.RequestReplyTimeoutMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// LogConfig logs the effective configuration with secrets elided.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("bus_url", c.BusURL).
		Str("store_backend", c.StoreBackend).
		Bool("snapshotter_enabled", c.Bucket != "").
		Int64("snapshot_interval_ms", c.SnapshotIntervalMs).
		Int("worker_concurrency", c.WorkerConcurrency).
		Int64("generator_max_ms", c.GeneratorMaxMs).
		Str("generator", c.Generator).
		Int64("request_reply_timeout_ms", c.RequestReplyTimeoutMs).
		Int("fps_target", c.FPSTarget).
		Int("broadcast_queue_cap", c.BroadcastQueueCap).
		Int64("backlog_soft_bytes", c.BacklogSoftBytes).
		Int64("backlog_hard_bytes", c.BacklogHardBytes).
		Int64("write_timeout_ms", c.WriteTimeoutMs).
		Int("max_conns_per_ip", c.MaxConnsPerIP).
		Int("max_conns_per_tenant", c.MaxConnsPerTenant).
		Int("prom_port", c.PromPort).
		Bool("export_prom", c.ExportProm).
		Str("otlp_endpoint", c.OTLPEndpoint).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
