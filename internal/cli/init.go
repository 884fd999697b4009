// Package cli provides common CLI initialization utilities shared by
// cmd/praondefoi and cmd/recurring-worker.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"praondefoi/internal/amqp"
	"praondefoi/internal/backend"
	"praondefoi/internal/cache"
	"praondefoi/internal/config"
	"praondefoi/internal/log"
	"praondefoi/internal/services"
)

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger initializes structured logging at the level named by LOG_LEVEL.
// Returns the configured logger and sets it as the default logger.
func SetupLogger(level string) *log.Logger {
	cfg := log.DefaultConfig()
	if parsed, err := config.ParseLogLevel(level); err == nil {
		cfg.Level = parsed
	}
	logger := log.New(cfg)
	log.SetDefault(logger)
	return logger
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig() *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// Runtime bundles the long-lived components built from configuration.
type Runtime struct {
	Config    *config.Config
	Logger    *log.Logger
	Backend   *backend.BackendResult
	AMQP      *amqp.Client // nil when AMQP is disabled or unreachable
	Versions  *cache.MemoryVersionStore
	Caches    *cache.Manager
	Projector *services.MonthlyProjector
	Ledger    *services.LedgerService
	CatchUp   *services.CatchUpProcessor
}

// Bootstrap opens the store and the optional AMQP client and wires the
// services. It exits the process when the store cannot be opened.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *log.Logger) *Runtime {
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger.Logger.With(log.FieldComponent, log.ComponentBackend)).CreateBackend(ctx, backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Backend:  result,
		Versions: cache.NewMemoryVersionStore(cfg.CacheVersionTTL),
		Caches:   cache.NewManager(),
	}

	// interface left nil unless a client exists
	var publisher services.EventPublisher
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without events", log.FieldError, err)
		} else {
			rt.AMQP = client
			publisher = client
			logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	} else {
		logger.Info("AMQP disabled - ledger events will not be published")
	}

	store := result.Store
	rt.Projector = services.NewMonthlyProjector(store, rt.Versions, cfg.CacheMaxEntries, cfg.CacheEntryTTL)
	rt.Ledger = services.NewLedgerService(store, rt.Versions, publisher)
	rt.CatchUp = services.NewCatchUpProcessor(store, rt.Versions, publisher, cfg.CatchUpLeaseTTL)

	rt.Caches.Register("versions", rt.Versions)
	rt.Projector.RegisterCaches(rt.Caches)

	return rt
}

// Close releases the AMQP client, the cache cleanup loop and the store.
func (rt *Runtime) Close() {
	rt.Caches.Stop()
	if rt.AMQP != nil {
		if err := rt.AMQP.Close(); err != nil {
			rt.Logger.Warn("Failed to close AMQP client", log.FieldError, err)
		}
	}
	if rt.Backend != nil && rt.Backend.Cleanup != nil {
		if err := rt.Backend.Cleanup(); err != nil {
			rt.Logger.Warn("Failed to close store", log.FieldError, err)
		}
	}
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout reached")
		case <-finished:
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
