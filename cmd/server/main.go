/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine HTTP server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and FE_* environment variables
  2. Build the logger
  3. Open the SQLite run store
  4. Connect the Redis run cache (when FE_REDIS_ADDR is set)
  5. Configure the HTTP router and start serving

ENVIRONMENT:
  FE_ADDR            listen address (default :8080)
  FE_DB_PATH         SQLite path, ":memory:" for in-memory (default finance.db)
  FE_REDIS_ADDR      Redis address; empty disables the run cache
  FE_CACHE_TTL       run cache entry lifetime (default 24h)
  FE_LOG_FORMAT      json | text (default text)
  FE_RATE_LIMIT      settlements per minute per client IP (default 30, 0 = off)
  FE_ENV             production enables the HTTPS redirect

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (FE_SHUTDOWN_TIMEOUT)
  3. Close the store and cache connections

SEE ALSO:
  - config.go: Environment configuration
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/warp/finance-engine/api"
	"github.com/warp/finance-engine/cache"
	"github.com/warp/finance-engine/store/sqlite"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var runCache *cache.RunCache
	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		runCache = cache.NewRunCache(client, cfg.CacheTTL)
		logger.Info("run cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
	}

	handler := api.NewHandler(store, runCache, api.NewMetrics(), logger.With("component", "api"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		RunsPerMinute:  cfg.RateLimit,
		Production:     cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  4 * cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
