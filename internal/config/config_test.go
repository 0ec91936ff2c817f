package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":3010", cfg.Addr)
	assert.Equal(t, BackendMemory, cfg.PubSubBackend)
	assert.Equal(t, 60*time.Second, cfg.CleanupDelay)
	assert.Equal(t, 60*time.Second, cfg.DedupeTTL)
	assert.Equal(t, int64(10485760), cfg.SizeWarningThreshold)
	assert.Equal(t, int64(104857600), cfg.SizeLimit)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":4000")
	t.Setenv("RELAY_PUBSUB", "redis")
	t.Setenv("RELAY_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RELAY_CLEANUP_DELAY", "5s")
	t.Setenv("RELAY_NODE_ID", "node-7")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Addr)
	assert.Equal(t, BackendRedis, cfg.PubSubBackend)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, 5*time.Second, cfg.CleanupDelay)
	assert.Equal(t, "node-7", cfg.NodeID)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"unknown backend", func(c *Config) { c.PubSubBackend = "kafka" }},
		{"nats without url", func(c *Config) { c.PubSubBackend = BackendNATS; c.NATSUrl = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero cleanup delay", func(c *Config) { c.CleanupDelay = 0 }},
		{"warning above limit", func(c *Config) { c.SizeWarningThreshold = 100; c.SizeLimit = 10 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(nil)
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
