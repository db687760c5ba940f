// Package backfill imports an account's history one bounded page at a time.
//
// Each entity type moves through not-started, started (cursor nil), started
// (cursor X) and completed. A tick lists one page of the current type from its
// persisted cursor, syncs every record, persists the advanced state and only
// then enqueues the next tick, so a crash resumes at the last persisted page.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/stripe-notion-sync/internal/account"
	"github.com/stripe-notion-sync/internal/adapter"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/job"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/metrics"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/processor"
	"github.com/stripe-notion-sync/internal/ratelimit"
	"github.com/stripe-notion-sync/internal/registry"
	"github.com/stripe-notion-sync/internal/retry"
	"github.com/stripe-notion-sync/internal/step"
	"github.com/stripe-notion-sync/internal/storage"
	"github.com/stripe-notion-sync/internal/types"
)

const (
	defaultPageSize          = 50
	defaultRecordConcurrency = 4
	defaultTickLockTTL       = 10 * time.Minute
)

// Enqueuer schedules a tick
type Enqueuer interface {
	Enqueue(ctx context.Context, msg job.TickMessage) error
}

// TickLocker keeps two deliveries of the same run from running at once
type TickLocker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Options wires a Scheduler
type Options struct {
	Accounts  *account.Manager
	Sessions  *processor.SessionFactory
	Processor *processor.Processor
	Payments  adapter.PaymentsClient
	Runs      storage.BackfillRunStore
	Progress  storage.StatusStore
	Queue     Enqueuer
	Steps     step.Factory
	// Locker is optional; without it runs are only guarded within this process
	Locker  TickLocker
	Metrics *metrics.Metrics

	PageSize          int
	RecordConcurrency int
	TickLockTTL       time.Duration
	// EnqueueRetry retries scheduling the next tick once a page is saved
	EnqueueRetry *retry.RetryConfig
}

// Scheduler drives backfill runs
type Scheduler struct {
	opts  Options
	now   func() time.Time
	newID func() string
}

// NewScheduler creates a scheduler
func NewScheduler(opts Options) *Scheduler {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.RecordConcurrency <= 0 {
		opts.RecordConcurrency = defaultRecordConcurrency
	}
	if opts.TickLockTTL <= 0 {
		opts.TickLockTTL = defaultTickLockTTL
	}
	if opts.Locker == nil {
		opts.Locker = newLocalLocker()
	}
	if opts.EnqueueRetry == nil {
		opts.EnqueueRetry = &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			ShouldRetry:  apperrors.IsRetryable,
		}
	}
	return &Scheduler{
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

// Start begins a backfill for the account's current mode. An unfinished run
// is returned as is; use Resume to re-enqueue it.
func (s *Scheduler) Start(ctx context.Context, accountID string) (*models.BackfillState, error) {
	state, err := s.accountState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !state.SubscriptionStatus.IsActive() {
		return nil, apperrors.NewSubscriptionInactiveError(accountID, state.SubscriptionStatus)
	}
	databases := state.DatabaseMap()
	if len(databases) == 0 {
		return nil, apperrors.NewNotConnectedError(accountID)
	}

	latest, err := s.opts.Runs.LatestRun(ctx, accountID, state.Mode)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.FinishedAt == nil {
		return latest, nil
	}

	var order []types.EntityType
	for _, t := range registry.BackfillOrder() {
		if _, ok := databases[t]; ok {
			order = append(order, t)
		}
	}
	run := models.NewBackfillState(accountID, state.Mode, order, s.newID(), s.now())
	if err := s.opts.Runs.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.writeStatus(ctx, run, types.BackfillStarted, nil); err != nil {
		return nil, err
	}
	if err := s.opts.Queue.Enqueue(ctx, tickFor(run)); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accountId": accountID,
		"mode":      run.Mode,
		"runId":     run.FirstRunID,
		"entities":  len(order),
	}).Info("Backfill started")
	return run, nil
}

// Resume re-enqueues the latest unfinished run of the account's current mode
func (s *Scheduler) Resume(ctx context.Context, accountID string) (*models.BackfillState, error) {
	state, err := s.accountState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	run, err := s.opts.Runs.LatestRun(ctx, accountID, state.Mode)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperrors.NewNotFoundError("backfill", accountID)
	}
	if run.FinishedAt != nil {
		return run, nil
	}
	if err := s.writeStatus(ctx, run, types.BackfillStarted, nil); err != nil {
		return nil, err
	}
	if err := s.opts.Queue.Enqueue(ctx, tickFor(run)); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accountId": accountID,
		"runId":     run.FirstRunID,
		"seq":       run.Seq,
	}).Info("Backfill resumed")
	return run, nil
}

// Status returns the progress record of the account's backfill in mode
func (s *Scheduler) Status(ctx context.Context, mode types.Mode, accountID string) (*models.BackfillStatus, error) {
	return s.opts.Progress.GetStatus(ctx, mode, accountID)
}

// Tick processes one page of a run. Stale or duplicate deliveries are dropped.
// A failed tick persists nothing and returns its error.
func (s *Scheduler) Tick(ctx context.Context, msg job.TickMessage) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accountId": msg.AccountID,
		"runId":     msg.RunID,
		"seq":       msg.Seq,
	})
	ctx = logging.WithLogger(ratelimit.WithPriority(ctx, ratelimit.PriorityLow), logger)

	lockKey := "backfill:" + msg.RunID
	token, ok, err := s.opts.Locker.TryAcquire(ctx, lockKey, s.opts.TickLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("Run is busy, dropping duplicate tick")
		s.opts.Metrics.Tick("stale")
		return nil
	}
	defer func() {
		if err := s.opts.Locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			logger.WithError(err).Warn("Failed to release run lock")
		}
	}()

	run, err := s.opts.Runs.GetRun(ctx, msg.RunID)
	if err != nil {
		return err
	}
	if run != nil && msg.Seq == run.Seq-1 && msg.Retried() {
		// A retry of the tick that produced the persisted state failed after
		// saving it, so the continuation may never have been enqueued
		logger.Info("Re-enqueueing continuation of a saved tick")
		return s.continueRun(ctx, run)
	}
	if run == nil || run.FinishedAt != nil || run.Seq != msg.Seq {
		logger.Debug("Stale tick dropped")
		s.opts.Metrics.Tick("stale")
		return nil
	}

	next, processed, err := s.advance(ctx, run, msg)
	if err != nil {
		s.opts.Metrics.Tick("failed")
		errMsg := err.Error()
		if statusErr := s.writeStatus(ctx, run, types.BackfillFailed, &errMsg); statusErr != nil {
			logger.WithError(statusErr).Warn("Failed to write failed status")
		}
		return err
	}

	if err := s.opts.Runs.SaveRun(ctx, next); err != nil {
		return err
	}
	if err := s.continueRun(ctx, next); err != nil {
		return err
	}
	if next.FinishedAt == nil {
		s.opts.Metrics.Tick("ok")
		logger.WithField("entitiesProcessed", processed).Debug("Tick done")
	}
	return nil
}

// continueRun publishes the status of a saved run and enqueues its next tick,
// or marks it complete. It is safe to repeat for the same saved state.
func (s *Scheduler) continueRun(ctx context.Context, run *models.BackfillState) error {
	if run.FinishedAt != nil {
		if err := s.writeStatus(ctx, run, types.BackfillComplete, nil); err != nil {
			return err
		}
		s.opts.Metrics.Tick("complete")
		logging.FromContext(ctx).WithField("recordsProcessed", run.EntitiesProcessed).Info("Backfill complete")
		return nil
	}

	if err := s.writeStatus(ctx, run, types.BackfillStarted, nil); err != nil {
		return err
	}
	result := retry.WithExponentialBackoff(ctx, s.opts.EnqueueRetry, func(ctx context.Context, _ int) error {
		return s.opts.Queue.Enqueue(ctx, tickFor(run))
	})
	return result.Err()
}

// advance runs one tick against a copy of run and returns the next state
func (s *Scheduler) advance(ctx context.Context, run *models.BackfillState, msg job.TickMessage) (*models.BackfillState, int64, error) {
	next := run.Clone()
	next.Seq++
	next.MostRecentRunID = s.newID()

	current, ok := next.CurrentEntity()
	if !ok {
		s.finish(next)
		return next, 0, nil
	}
	st := next.StatusFor(current)

	acct, err := s.accountState(ctx, run.AccountID)
	if err != nil {
		return nil, 0, err
	}
	if !acct.SubscriptionStatus.IsActive() {
		return nil, 0, apperrors.NewSubscriptionInactiveError(run.AccountID, acct.SubscriptionStatus)
	}

	runner := s.opts.Steps.New(msg.ExecutionID())
	cursor := ""
	if st.StartingAfter != nil {
		cursor = *st.StartingAfter
	}
	page, err := step.Do(ctx, runner, fmt.Sprintf("list:%s:%s", current, cursor), func(ctx context.Context) (*models.ListPage, error) {
		return s.opts.Payments.List(ctx, adapter.Account{ID: run.AccountID, Mode: run.Mode}, current, cursor, s.opts.PageSize)
	})
	if err != nil {
		return nil, 0, err
	}

	if len(page.Data) == 0 {
		st.Started = true
		st.Completed = true
		st.StartingAfter = nil
		logging.FromContext(ctx).WithField("entityType", current).Info("Entity type backfilled")
		if next.AllCompleted() {
			s.finish(next)
		}
		return next, 0, nil
	}

	session, err := s.opts.Sessions.New(ctx, run.AccountID, runner)
	if err != nil {
		return nil, 0, err
	}
	processed, err := s.processPage(ctx, session, current, page)
	if err != nil {
		return nil, 0, err
	}

	last := gjson.GetBytes(page.Data[len(page.Data)-1], "id").String()
	st.Started = true
	st.StartingAfter = &last
	next.EntitiesProcessed += processed
	s.opts.Metrics.RecordsProcessed(string(current), int(processed))
	return next, processed, nil
}

func (s *Scheduler) processPage(ctx context.Context, session *processor.Session, entityType types.EntityType, page *models.ListPage) (int64, error) {
	var processed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.RecordConcurrency)

	for _, record := range page.Data {
		id := gjson.GetBytes(record, "id").String()
		if id == "" {
			continue
		}
		g.Go(func() error {
			res, err := s.opts.Processor.ProcessEntityComplete(gctx, session, entityType, id, processor.Options{Raw: record})
			if err != nil {
				return err
			}
			processed.Add(int64(res.EntitiesProcessed))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return processed.Load(), nil
}

func (s *Scheduler) finish(state *models.BackfillState) {
	now := s.now()
	state.FinishedAt = &now
}

func (s *Scheduler) writeStatus(ctx context.Context, run *models.BackfillState, status types.BackfillStatusValue, errMsg *string) error {
	record := &models.BackfillStatus{
		Status:           status,
		RecordsProcessed: run.EntitiesProcessed,
		StartedAt:        run.StartedAt,
		FinishedAt:       run.FinishedAt,
		Error:            errMsg,
	}
	if current, ok := run.CurrentEntity(); ok {
		record.CurrentEntity = &current
	}
	return s.opts.Progress.SetStatus(ctx, run.Mode, run.AccountID, record)
}

func (s *Scheduler) accountState(ctx context.Context, accountID string) (*models.AccountState, error) {
	state, err := s.opts.Accounts.Get(accountID).GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperrors.NewNotFoundError("account", accountID)
	}
	return state, nil
}

func tickFor(run *models.BackfillState) job.TickMessage {
	return job.TickMessage{AccountID: run.AccountID, Mode: run.Mode, RunID: run.FirstRunID, Seq: run.Seq}
}

// localLocker guards runs within one process
type localLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newLocalLocker() *localLocker {
	return &localLocker{held: make(map[string]string)}
}

func (l *localLocker) TryAcquire(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := uuid.New().String()
	l.held[key] = token
	return token, true, nil
}

func (l *localLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}
