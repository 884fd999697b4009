package main

import (
	"context"
	"errors"
	"time"

	"praondefoi/internal/cli"
	"praondefoi/internal/log"
	"praondefoi/internal/services"
	"praondefoi/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel)
	logger.Info("Starting recurring-worker")

	rt := cli.Bootstrap(context.Background(), cfg, logger)

	catchUpLogger := logger.WithComponent(log.ComponentCatchUp)
	runCatchUp := func(ctx context.Context, now time.Time) error {
		_, err := rt.CatchUp.RunCatchUp(log.WithContext(ctx, catchUpLogger), now)
		if errors.Is(err, services.ErrCatchUpInProgress) {
			catchUpLogger.InfoContext(ctx, "Catch-up pass skipped, another pass holds the lease")
			return nil
		}
		return err
	}
	scheduler := worker.NewTickerScheduler("recurrence-catch-up", cfg.CatchUpInterval, runCatchUp, time.Now)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			logger.Warn("Scheduler did not stop cleanly", log.FieldError, err)
		}
		rt.Close()
	})

	logger.Info("Recurring catch-up configured",
		"interval", cfg.CatchUpInterval,
		"lease_ttl", cfg.CatchUpLeaseTTL,
		"backend", cfg.DataBackend)

	rt.Caches.StartCleanup(cfg.CacheEntryTTL)

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", log.FieldError, err)
		rt.Close()
		return
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Recurring-worker shutdown complete")
}
