// Package app wires the sync components from configuration. The server and
// worker binaries share it.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe-notion-sync/internal/account"
	"github.com/stripe-notion-sync/internal/adapter"
	"github.com/stripe-notion-sync/internal/backfill"
	"github.com/stripe-notion-sync/internal/config"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/events"
	"github.com/stripe-notion-sync/internal/job"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/metrics"
	"github.com/stripe-notion-sync/internal/processor"
	"github.com/stripe-notion-sync/internal/provision"
	"github.com/stripe-notion-sync/internal/ratelimit"
	"github.com/stripe-notion-sync/internal/retry"
	"github.com/stripe-notion-sync/internal/step"
	"github.com/stripe-notion-sync/internal/storage"
)

// App holds the wired components of one process
type App struct {
	Config      *config.Config
	Postgres    *storage.PostgresDB
	Redis       *storage.RedisCache
	Metrics     *metrics.Metrics
	Accounts    *account.Manager
	Queue       job.TickQueue
	Scheduler   *backfill.Scheduler
	Router      *events.Router
	Provisioner *provision.Provisioner
}

// New connects to Postgres and Redis and builds every component
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.FromContext(ctx)

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	redisCache, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	client := redisCache.Client()
	logger.Info("Database connections established")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	a := &App{Config: cfg, Postgres: postgres, Redis: redisCache, Metrics: m}

	// Workspace request budget: shared through Redis unless running single-node
	var limiter ratelimit.Limiter
	if cfg.Backfill.Queue == "local" {
		limiter = ratelimit.NewLocalLimiter(cfg.Notion.RequestsPerSecond, cfg.Notion.ReservedPerSecond)
		a.Queue = job.NewLocalTickQueue(1024, 2*time.Second)
	} else {
		tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
			Redis:          client,
			TotalBudget:    cfg.Notion.RequestsPerSecond,
			ReservedBudget: cfg.Notion.ReservedPerSecond,
			WindowSize:     time.Second,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		if limiter, err = ratelimit.NewPacer(&ratelimit.PacerConfig{Tracker: tracker}); err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = job.NewRedisTickQueue(client, "", 5*time.Second)
	}

	workspace := adapter.NewNotionClientFactory(adapter.NotionClientOptions{
		BaseURL:    cfg.Notion.BaseURL,
		APIVersion: cfg.Notion.APIVersion,
		HTTPClient: &http.Client{Timeout: cfg.Notion.RequestTimeout},
		MaxRetries: cfg.Notion.MaxRetries,
		BaseDelay:  cfg.Notion.BaseDelay,
		MaxDelay:   cfg.Notion.MaxDelay,
		Limiter:    limiter,
		Metrics:    m,
	})
	payments := adapter.NewStripeClient(adapter.StripeClientOptions{
		BaseURL:    cfg.Stripe.BaseURL,
		LiveKey:    cfg.Stripe.APIKey,
		TestKey:    cfg.Stripe.TestAPIKey,
		HTTPClient: &http.Client{Timeout: cfg.Stripe.RequestTimeout},
		Metrics:    m,
	})

	runs := storage.NewBackfillRunRepository(postgres)
	a.Accounts = account.NewManager(account.Options{
		Accounts: storage.NewAccountRepository(postgres),
		Mappings: storage.NewMappingRepository(postgres),
		Locker:   storage.NewKeyLock(client, "lock:upsert:"),
		Metrics:  m,
	})

	steps := step.RedisFactory{Client: client, Config: step.Config{
		CacheTTL: cfg.Steps.CacheTTL,
		Retry: &retry.RetryConfig{
			MaxAttempts:  cfg.Steps.MaxAttempts,
			InitialDelay: cfg.Steps.InitialDelay,
			MaxDelay:     cfg.Steps.MaxDelay,
			Multiplier:   2,
			Jitter:       0.2,
			ShouldRetry:  apperrors.IsRetryable,
		},
	}}
	sessions := &processor.SessionFactory{Accounts: a.Accounts, Workspace: workspace}
	proc := processor.New(payments, m)

	a.Scheduler = backfill.NewScheduler(backfill.Options{
		Accounts:          a.Accounts,
		Sessions:          sessions,
		Processor:         proc,
		Payments:          payments,
		Runs:              runs,
		Progress:          storage.NewProgressStore(client, cfg.Backfill.StatusTTL),
		Queue:             a.Queue,
		Steps:             steps,
		Locker:            storage.NewKeyLock(client, "lock:tick:"),
		Metrics:           m,
		PageSize:          cfg.Backfill.PageSize,
		RecordConcurrency: cfg.Backfill.RecordConcurrency,
	})
	a.Router = events.NewRouter(a.Accounts, sessions, proc, steps, m)
	a.Provisioner = provision.NewProvisioner(a.Accounts, workspace)
	return a, nil
}

// Workers builds a tick worker pool over the app's queue
func (a *App) Workers(n int) *job.WorkerPool {
	return job.NewWorkerPool(a.Queue, a.Scheduler.Tick, job.WorkerPoolConfig{Workers: n})
}

// RecoverTicks re-queues ticks left in flight by a crashed process
func (a *App) RecoverTicks(ctx context.Context) error {
	q, ok := a.Queue.(*job.RedisTickQueue)
	if !ok {
		return nil
	}
	n, err := q.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.FromContext(ctx).WithField("ticks", n).Info("Recovered in-flight backfill ticks")
	}
	return nil
}

// Close stops the actors and closes connections
func (a *App) Close() {
	if a.Accounts != nil {
		a.Accounts.Stop()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
