// Package main provides the API server entry point for the sync service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/stripe-notion-sync/internal/api"
	"github.com/stripe-notion-sync/internal/app"
	"github.com/stripe-notion-sync/internal/config"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/storage"
)

func main() {
	fmt.Println("Stripe to Notion Sync API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	if err := storage.RunMigrations(cfg.Database.Postgres.DSN(), storage.DefaultMigrationsPath); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET is empty, webhook signatures are not verified")
	}

	// Embedded tick workers
	var workers interface{ Stop(context.Context) error }
	if cfg.Server.EmbeddedWorkers > 0 {
		if err := a.RecoverTicks(ctx); err != nil {
			logger.WithError(err).Warn("Failed to recover in-flight ticks")
		}
		pool := a.Workers(cfg.Server.EmbeddedWorkers)
		if err := pool.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start tick workers")
		}
		workers = pool
	}

	server := api.NewServer(&api.ServerConfig{
		Host:                 cfg.Server.Host,
		Port:                 cfg.Server.Port,
		ReadTimeout:          cfg.Server.ReadTimeout,
		WriteTimeout:         cfg.Server.WriteTimeout,
		IdleTimeout:          60 * time.Second,
		ShutdownTimeout:      cfg.Server.ShutdownTimeout,
		AdminToken:           cfg.Server.AdminToken,
		RequestsPerSecond:    cfg.Server.RequestsPerSecond,
		WebhookSecret:        cfg.Stripe.WebhookSecret,
		BillingWebhookSecret: cfg.Stripe.BillingWebhookSecret,
		SignatureTolerance:   cfg.Stripe.SignatureTolerance,
	}, api.Dependencies{
		Accounts:    a.Accounts,
		Events:      a.Router,
		Backfill:    a.Scheduler,
		Provisioner: a.Provisioner,
		Metrics:     a.Metrics,
		Logger:      logger,
	})

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"workers": cfg.Server.EmbeddedWorkers,
	}).Info("Server started successfully")

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if workers != nil {
		if err := workers.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("Tick workers did not stop in time")
		}
	}

	logger.Info("Server exited")
}
