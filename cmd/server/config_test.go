package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "finance.db", cfg.DBPath)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.AllowedOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("FE_ENV", "production")
	t.Setenv("FE_ADDR", ":9000")
	t.Setenv("FE_REDIS_ADDR", "redis:6379")
	t.Setenv("FE_CACHE_TTL", "5m")
	t.Setenv("FE_LOG_FORMAT", "json")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.IsProduction())
	assert.NotNil(t, NewLogger(cfg))
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"log format", "FE_LOG_FORMAT", "xml"},
		{"negative rate limit", "FE_RATE_LIMIT", "-1"},
		{"bad duration", "FE_CACHE_TTL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
