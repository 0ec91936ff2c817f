// Package config loads broker configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Pub/sub backend names accepted by RELAY_PUBSUB.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// Config holds all broker configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr   string `env:"RELAY_ADDR" envDefault:":3010"`
	NodeID string `env:"RELAY_NODE_ID"` // empty generates a random id

	// Replication fabric
	PubSubBackend string `env:"RELAY_PUBSUB" envDefault:"memory"`
	NATSUrl       string `env:"RELAY_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	RedisAddr     string `env:"RELAY_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"RELAY_REDIS_PASSWORD"`
	RedisDB       int    `env:"RELAY_REDIS_DB" envDefault:"0"`

	// Document lifecycle
	CleanupDelay time.Duration `env:"RELAY_CLEANUP_DELAY" envDefault:"60s"`
	DedupeTTL    time.Duration `env:"RELAY_DEDUPE_TTL" envDefault:"60s"`

	// Default document size accounting, in bytes. Zero disables a check.
	SizeWarningThreshold int64 `env:"RELAY_SIZE_WARNING_BYTES" envDefault:"10485760"` // 10MB
	SizeLimit            int64 `env:"RELAY_SIZE_LIMIT_BYTES" envDefault:"104857600"`  // 100MB

	// Capacity
	MaxConnections int `env:"RELAY_MAX_CONNECTIONS" envDefault:"1000"`

	// New-connection rate limiting
	ConnRate  float64 `env:"RELAY_CONN_RATE" envDefault:"100"` // accepts/sec
	ConnBurst int     `env:"RELAY_CONN_BURST" envDefault:"200"`

	// Timeouts
	WriteTimeout time.Duration `env:"RELAY_WRITE_TIMEOUT" envDefault:"10s"`
	DrainTimeout time.Duration `env:"RELAY_DRAIN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// The .env file is a development convenience; deployments set real
	// environment variables.
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}

	validBackends := map[string]bool{BackendMemory: true, BackendNATS: true, BackendRedis: true}
	if !validBackends[c.PubSubBackend] {
		return fmt.Errorf("RELAY_PUBSUB must be one of: memory, nats, redis (got: %s)", c.PubSubBackend)
	}
	if c.PubSubBackend == BackendNATS && c.NATSUrl == "" {
		return fmt.Errorf("RELAY_NATS_URL is required with the nats backend")
	}
	if c.PubSubBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("RELAY_REDIS_ADDR is required with the redis backend")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("RELAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CleanupDelay <= 0 {
		return fmt.Errorf("RELAY_CLEANUP_DELAY must be > 0, got %s", c.CleanupDelay)
	}
	if c.DedupeTTL <= 0 {
		return fmt.Errorf("RELAY_DEDUPE_TTL must be > 0, got %s", c.DedupeTTL)
	}
	if c.SizeWarningThreshold < 0 || c.SizeLimit < 0 {
		return fmt.Errorf("size thresholds must be >= 0")
	}
	if c.SizeLimit > 0 && c.SizeWarningThreshold > c.SizeLimit {
		return fmt.Errorf("RELAY_SIZE_WARNING_BYTES (%d) must be <= RELAY_SIZE_LIMIT_BYTES (%d)",
			c.SizeWarningThreshold, c.SizeLimit)
	}
	if c.ConnRate <= 0 {
		return fmt.Errorf("RELAY_CONN_RATE must be > 0, got %.1f", c.ConnRate)
	}
	if c.ConnBurst < 1 {
		return fmt.Errorf("RELAY_CONN_BURST must be > 0, got %d", c.ConnBurst)
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

// LogConfig logs the configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("node_id", c.NodeID).
		Str("pubsub_backend", c.PubSubBackend).
		Str("nats_url", c.NATSUrl).
		Str("redis_addr", c.RedisAddr).
		Dur("cleanup_delay", c.CleanupDelay).
		Dur("dedupe_ttl", c.DedupeTTL).
		Int64("size_warning_bytes", c.SizeWarningThreshold).
		Int64("size_limit_bytes", c.SizeLimit).
		Int("max_connections", c.MaxConnections).
		Float64("conn_rate", c.ConnRate).
		Int("conn_burst", c.ConnBurst).
		Dur("write_timeout", c.WriteTimeout).
		Dur("drain_timeout", c.DrainTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Broker configuration loaded")
}
