/*
config.go - Runtime configuration

PURPOSE:
  Reads FE_* environment variables into Config and builds the process
  logger. main.go loads an optional .env file before LoadConfig runs.

SEE ALSO:
  - main.go: Startup sequence
*/
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration, read from FE_* environment variables.
type Config struct {
	Env             string        `envconfig:"ENV" default:"development"`
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	DBPath string `envconfig:"DB_PATH" default:"finance.db"`

	// RedisAddr empty disables the run cache.
	RedisAddr string        `envconfig:"REDIS_ADDR"`
	CacheTTL  time.Duration `envconfig:"CACHE_TTL" default:"24h"`

	RateLimit      int      `envconfig:"RATE_LIMIT" default:"30"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
}

func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("FE", &cfg); err != nil {
		return nil, err
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FE_LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("FE_RATE_LIMIT must be >= 0, got %d", cfg.RateLimit)
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

// NewLogger builds the process logger from the config.
func NewLogger(c *Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
