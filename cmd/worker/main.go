// Package main provides the backfill tick worker entry point for the sync service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/stripe-notion-sync/internal/app"
	"github.com/stripe-notion-sync/internal/config"
	"github.com/stripe-notion-sync/internal/logging"
)

func main() {
	workers := flag.Int("workers", 0, "Concurrent ticks (default BACKFILL_TICK_WORKERS)")
	flag.Parse()

	fmt.Println("Stripe to Notion Sync Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Backfill.Queue == "local" {
		log.Fatalf("BACKFILL_QUEUE=local only works with the server's embedded workers")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	if err := a.RecoverTicks(ctx); err != nil {
		logger.WithError(err).Warn("Failed to recover in-flight ticks")
	}

	n := *workers
	if n <= 0 {
		n = cfg.Backfill.TickWorkers
	}
	pool := a.Workers(n)
	if err := pool.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start tick workers")
	}
	logger.WithField("workers", n).Info("Worker started")

	<-ctx.Done()
	logger.Info("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Tick workers did not stop in time")
	}

	logger.Info("Worker exited")
}
