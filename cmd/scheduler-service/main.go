/**
 * @description
 * This is the main entry point for the scheduler-service.
 * This service is a non-HTTP, long-running process that runs the engine's sweeps
 * on cron schedules: reservation expiry, escrow time releases, payout batches
 * and retries, and daily ad budget resets.
 */
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/orivaflow/commerce-engine/internal/config"
	"github.com/orivaflow/commerce-engine/internal/platform"
	"github.com/orivaflow/commerce-engine/internal/scheduler"
	"github.com/orivaflow/commerce-engine/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Load application configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		zap.NewExample().Fatal("cannot load config", zap.Error(err))
	}

	logger, err := logging.New("scheduler-service", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		zap.NewExample().Fatal("cannot build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx := context.Background()

	repo, closeRepo, err := platform.OpenRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("unable to open store", zap.Error(err))
	}
	defer closeRepo()

	rdb := platform.OpenRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	// The scheduler has no listener, so sweeps are reported through logs only.
	engine, err := platform.NewEngine(cfg, repo, rdb, logger, nil)
	if err != nil {
		logger.Fatal("unable to build engine", zap.Error(err))
	}
	jobs := scheduler.NewJobs(engine.Transactions, engine.Escrow, engine.Payouts, engine.Ads, logger, cfg)
	s := scheduler.NewScheduler(jobs, logger, cfg)
	if err := s.Register(); err != nil {
		logger.Fatal("unable to register jobs", zap.Error(err))
	}

	// Start the cron scheduler in the background
	s.Start()
	logger.Info("scheduler started", zap.Int("jobs", s.Len()))

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-s.Stop().Done() // Wait for running jobs to finish
	logger.Info("scheduler stopped gracefully")
}
