package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripe-notion-sync/internal/account"
	"github.com/stripe-notion-sync/internal/convert"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/job"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/processor"
	"github.com/stripe-notion-sync/internal/retry"
	"github.com/stripe-notion-sync/internal/step"
	"github.com/stripe-notion-sync/internal/storage"
	"github.com/stripe-notion-sync/internal/testutil"
	"github.com/stripe-notion-sync/internal/types"
)

const testAccount = "acct_1"

type harness struct {
	payments  *testutil.FakePayments
	workspace *testutil.FakeWorkspace
	store     *storage.MemoryStore
	manager   *account.Manager
	queue     *job.LocalTickQueue
	progress  *storage.ProgressStore
	scheduler *Scheduler

	mu sync.Mutex
	// the next enqueueFails enqueues return enqueueErr instead of queueing
	enqueueErr   error
	enqueueFails int
}

// Enqueue implements Enqueuer over the local queue with injectable failures
func (h *harness) Enqueue(ctx context.Context, msg job.TickMessage) error {
	h.mu.Lock()
	if h.enqueueFails > 0 {
		h.enqueueFails--
		err := h.enqueueErr
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()
	return h.queue.Enqueue(ctx, msg)
}

func (h *harness) failEnqueues(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueFails = n
	h.enqueueErr = apperrors.NewCacheError("enqueue tick", errors.New("connection reset"))
}

type harnessConfig struct {
	pageSize    int
	concurrency int
	only        []types.EntityType
	skipConnect bool
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := storage.NewMemoryStore()
	manager := account.NewManager(account.Options{Accounts: store, Mappings: store})
	t.Cleanup(manager.Stop)

	h := &harness{
		payments:  testutil.NewFakePayments(),
		workspace: testutil.NewFakeWorkspace(),
		store:     store,
		manager:   manager,
		queue:     job.NewLocalTickQueue(64, time.Millisecond),
		progress:  storage.NewProgressStore(client, time.Hour),
	}
	stepCfg := step.Config{
		CacheTTL: time.Hour,
		Retry: &retry.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   2,
			ShouldRetry:  apperrors.IsRetryable,
		},
	}
	h.scheduler = NewScheduler(Options{
		Accounts:          manager,
		Sessions:          &processor.SessionFactory{Accounts: manager, Workspace: h.workspace.Factory()},
		Processor:         processor.New(h.payments, nil),
		Payments:          h.payments,
		Runs:              store,
		Progress:          h.progress,
		Queue:             h,
		Steps:             step.RedisFactory{Client: client, Config: stepCfg},
		Locker:            storage.NewKeyLock(client, "lock:"),
		PageSize:          cfg.pageSize,
		RecordConcurrency: cfg.concurrency,
		EnqueueRetry: &retry.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   2,
			ShouldRetry:  apperrors.IsRetryable,
		},
	})

	if !cfg.skipConnect {
		require.NoError(t, testutil.Connect(context.Background(), manager.Get(testAccount), types.ModeTest, cfg.only...))
	}
	return h
}

// drain runs queued ticks until the queue is empty and returns how many ran
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	ticks := 0
	for {
		msg, ok := h.queue.TryDequeue()
		if !ok {
			return ticks
		}
		require.NoError(t, h.scheduler.Tick(context.Background(), msg))
		ticks++
		require.Less(t, ticks, 1000, "backfill does not terminate")
	}
}

func (h *harness) status(t *testing.T) *models.BackfillStatus {
	t.Helper()
	st, err := h.scheduler.Status(context.Background(), types.ModeTest, testAccount)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func seedCustomers(h *harness, n int) {
	for i := 1; i <= n; i++ {
		h.payments.Add(types.EntityCustomer, fmt.Sprintf(`{"id":"cus_%03d","object":"customer","email":"c%d@example.com"}`, i, i))
	}
}

func TestBackfill_CustomersThenInvoicesReuseMappings(t *testing.T) {
	h := newHarness(t, harnessConfig{pageSize: 2, concurrency: 3})
	seedCustomers(h, 3)
	for i := 1; i <= 6; i++ {
		customer := fmt.Sprintf("cus_%03d", (i-1)/2+1)
		h.payments.Add(types.EntityInvoice, fmt.Sprintf(`{"id":"in_%03d","object":"invoice","customer":%q,"currency":"usd","amount_due":100}`, i, customer))
	}
	ctx := context.Background()

	run, err := h.scheduler.Start(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, types.BackfillStarted, h.status(t).Status)
	h.drain(t)

	assert.Equal(t, 3, h.workspace.Creates(testutil.DatabaseID(types.EntityCustomer)))
	assert.Equal(t, 6, h.workspace.Creates(testutil.DatabaseID(types.EntityInvoice)))
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 0, h.payments.Retrieves(fmt.Sprintf("cus_%03d", i)), "customers come from mappings")
	}

	customers := map[string]bool{}
	for _, p := range h.workspace.PagesIn(testutil.DatabaseID(types.EntityCustomer)) {
		customers[p.ID] = true
	}
	for _, p := range h.workspace.PagesIn(testutil.DatabaseID(types.EntityInvoice)) {
		rel := testutil.RelationIDs(p.Properties[convert.RelCustomer])
		require.Len(t, rel, 1)
		assert.True(t, customers[rel[0]])
	}

	final := h.status(t)
	assert.Equal(t, types.BackfillComplete, final.Status)
	assert.Equal(t, int64(9), final.RecordsProcessed)
	assert.NotNil(t, final.FinishedAt)
	assert.Nil(t, final.CurrentEntity)

	stored, err := h.store.GetRun(ctx, run.FirstRunID)
	require.NoError(t, err)
	assert.True(t, stored.AllCompleted())
	assert.Equal(t, int64(9), stored.EntitiesProcessed)
}

func TestBackfill_StartGates(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive subscription", func(t *testing.T) {
		h := newHarness(t, harnessConfig{})
		require.NoError(t, h.manager.Get(testAccount).SetSubscriptionStatus(ctx, types.SubscriptionCanceled))
		_, err := h.scheduler.Start(ctx, testAccount)
		require.Error(t, err)
		assert.Equal(t, 0, h.queue.Len())
	})

	t.Run("not connected", func(t *testing.T) {
		h := newHarness(t, harnessConfig{skipConnect: true})
		actor := h.manager.Get(testAccount)
		require.NoError(t, actor.SetUp(ctx, types.ModeTest, "token"))
		require.NoError(t, actor.SetSubscriptionStatus(ctx, types.SubscriptionTrialing))
		_, err := h.scheduler.Start(ctx, testAccount)
		assert.True(t, apperrors.IsConfigurationError(err))
	})

	t.Run("unfinished run is returned", func(t *testing.T) {
		h := newHarness(t, harnessConfig{})
		first, err := h.scheduler.Start(ctx, testAccount)
		require.NoError(t, err)
		second, err := h.scheduler.Start(ctx, testAccount)
		require.NoError(t, err)
		assert.Equal(t, first.FirstRunID, second.FirstRunID)
		assert.Equal(t, 1, h.queue.Len())
	})
}

func TestBackfill_OnlyLinkedTypesAreListed(t *testing.T) {
	h := newHarness(t, harnessConfig{only: []types.EntityType{types.EntityProduct}})
	run, err := h.scheduler.Start(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, []types.EntityType{types.EntityProduct}, run.EntitiesToBackfill)

	assert.Equal(t, 1, h.drain(t))
	assert.Equal(t, 1, h.payments.ListCalls())
	assert.Equal(t, types.BackfillComplete, h.status(t).Status)
}

func TestBackfill_StaleTickIsDropped(t *testing.T) {
	h := newHarness(t, harnessConfig{pageSize: 2, only: []types.EntityType{types.EntityCustomer}})
	seedCustomers(h, 3)
	ctx := context.Background()

	_, err := h.scheduler.Start(ctx, testAccount)
	require.NoError(t, err)
	first, ok := h.queue.TryDequeue()
	require.True(t, ok)
	require.NoError(t, h.scheduler.Tick(ctx, first))

	// Redelivery of the already persisted tick
	calls := h.payments.ListCalls()
	require.NoError(t, h.scheduler.Tick(ctx, first))
	assert.Equal(t, calls, h.payments.ListCalls())
	assert.Equal(t, 1, h.queue.Len())

	h.drain(t)
	assert.Equal(t, 3, h.workspace.Creates(testutil.DatabaseID(types.EntityCustomer)))
}

func TestBackfill_FailedTickResumesWithoutRework(t *testing.T) {
	h := newHarness(t, harnessConfig{pageSize: 2, concurrency: 1, only: []types.EntityType{types.EntityCustomer}})
	seedCustomers(h, 3)
	ctx := context.Background()

	var mu sync.Mutex
	broken := true
	h.workspace.Fail = func(op, target string) error {
		mu.Lock()
		defer mu.Unlock()
		if broken && op == "create" && target == "cus_002" {
			return apperrors.NewAPIError("notion", 400, "validation_error", "bad property")
		}
		return nil
	}

	run, err := h.scheduler.Start(ctx, testAccount)
	require.NoError(t, err)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)
	require.Error(t, h.scheduler.Tick(ctx, msg))

	failed := h.status(t)
	assert.Equal(t, types.BackfillFailed, failed.Status)
	require.NotNil(t, failed.Error)
	stored, err := h.store.GetRun(ctx, run.FirstRunID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Seq, "failed tick persists nothing")
	assert.Nil(t, stored.StatusFor(types.EntityCustomer).StartingAfter)
	assert.Equal(t, 0, h.queue.Len())

	mu.Lock()
	broken = false
	mu.Unlock()
	listCalls := h.payments.ListCalls()

	resumed, err := h.scheduler.Resume(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, run.FirstRunID, resumed.FirstRunID)
	msg, ok = h.queue.TryDequeue()
	require.True(t, ok)
	require.NoError(t, h.scheduler.Tick(ctx, msg))
	assert.Equal(t, listCalls, h.payments.ListCalls(), "the listed page comes from the step cache")

	h.drain(t)
	assert.Equal(t, 3, h.workspace.Creates(testutil.DatabaseID(types.EntityCustomer)))
	final := h.status(t)
	assert.Equal(t, types.BackfillComplete, final.Status)
	assert.Equal(t, int64(3), final.RecordsProcessed)

	again, err := h.scheduler.Resume(ctx, testAccount)
	require.NoError(t, err)
	assert.NotNil(t, again.FinishedAt)
	assert.Equal(t, 0, h.queue.Len())
}

func TestBackfill_EnqueueFailureIsRetriedInline(t *testing.T) {
	h := newHarness(t, harnessConfig{pageSize: 2, only: []types.EntityType{types.EntityCustomer}})
	seedCustomers(h, 3)
	ctx := context.Background()

	_, err := h.scheduler.Start(ctx, testAccount)
	require.NoError(t, err)
	first, ok := h.queue.TryDequeue()
	require.True(t, ok)

	h.failEnqueues(1)
	require.NoError(t, h.scheduler.Tick(ctx, first))
	assert.Equal(t, 1, h.queue.Len())

	h.drain(t)
	assert.Equal(t, types.BackfillComplete, h.status(t).Status)
}

func TestBackfill_LostContinuationIsRestoredByRetriedTick(t *testing.T) {
	h := newHarness(t, harnessConfig{pageSize: 2, only: []types.EntityType{types.EntityCustomer}})
	seedCustomers(h, 3)
	ctx := context.Background()

	run, err := h.scheduler.Start(ctx, testAccount)
	require.NoError(t, err)
	first, ok := h.queue.TryDequeue()
	require.True(t, ok)

	h.failEnqueues(10)
	err = h.scheduler.Tick(ctx, first)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	stored, err := h.store.GetRun(ctx, run.FirstRunID)
	require.NoError(t, err)
	assert.Equal(t, first.Seq+1, stored.Seq, "the page was saved before the enqueue failed")
	assert.Equal(t, 0, h.queue.Len())
	h.failEnqueues(0)

	// A plain duplicate of the saved tick is still dropped
	require.NoError(t, h.scheduler.Tick(ctx, first))
	assert.Equal(t, 0, h.queue.Len())

	// The worker's retry of the failed tick restores the continuation
	retried := first
	retried.Attempt = 1
	require.NoError(t, h.scheduler.Tick(ctx, retried))
	assert.Equal(t, 1, h.queue.Len())

	h.drain(t)
	assert.Equal(t, types.BackfillComplete, h.status(t).Status)
	assert.Equal(t, 3, h.workspace.Creates(testutil.DatabaseID(types.EntityCustomer)))
}

func TestBackfill_RecoveredTickAfterFinalSaveCompletes(t *testing.T) {
	h := newHarness(t, harnessConfig{only: []types.EntityType{types.EntityProduct}})
	ctx := context.Background()

	_, err := h.scheduler.Start(ctx, testAccount)
	require.NoError(t, err)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)
	require.NoError(t, h.scheduler.Tick(ctx, msg))
	require.NoError(t, h.progress.SetStatus(ctx, types.ModeTest, testAccount, &models.BackfillStatus{Status: types.BackfillStarted}))

	// Crash after the final save: the recovered delivery publishes completion
	msg.Redelivered = true
	require.NoError(t, h.scheduler.Tick(ctx, msg))
	assert.Equal(t, types.BackfillComplete, h.status(t).Status)
	assert.Equal(t, 0, h.queue.Len())
}

func TestBackfill_CancelledSiblingDoesNotBlockRetry(t *testing.T) {
	h := newHarness(t, harnessConfig{pageSize: 4, concurrency: 4, only: []types.EntityType{types.EntityCustomer}})
	seedCustomers(h, 4)
	h.workspace.WriteDelay = 50 * time.Millisecond
	ctx := context.Background()

	var mu sync.Mutex
	broken := true
	h.workspace.Fail = func(op, target string) error {
		mu.Lock()
		defer mu.Unlock()
		if broken && op == "create" && target == "cus_001" {
			return apperrors.NewAPIError("notion", 400, "validation_error", "bad property")
		}
		return nil
	}

	_, err := h.scheduler.Start(ctx, testAccount)
	require.NoError(t, err)
	msg, ok := h.queue.TryDequeue()
	require.True(t, ok)
	require.Error(t, h.scheduler.Tick(ctx, msg))

	mu.Lock()
	broken = false
	mu.Unlock()

	retried := msg
	retried.Attempt = 1
	done := make(chan error, 1)
	go func() { done <- h.scheduler.Tick(ctx, retried) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("retried tick is stuck on a record cancelled by the failed tick")
	}

	h.drain(t)
	assert.Equal(t, types.BackfillComplete, h.status(t).Status)
	assert.Equal(t, 4, h.workspace.Creates(testutil.DatabaseID(types.EntityCustomer)))
}

func TestBackfill_ResumeWithoutRun(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.scheduler.Resume(context.Background(), testAccount)
	require.Error(t, err)
	assert.Equal(t, 404, apperrors.GetHTTPStatusCode(err))
}

func TestBackfill_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("recordsProcessed equals pages written and cursors only move forward", prop.ForAll(
		func(customers, pageSize, concurrency int) bool {
			h := newHarness(t, harnessConfig{pageSize: pageSize, concurrency: concurrency, only: []types.EntityType{types.EntityCustomer}})
			seedCustomers(h, customers)
			ctx := context.Background()

			run, err := h.scheduler.Start(ctx, testAccount)
			if err != nil {
				return false
			}

			lastPos := -1
			completions := 0
			for {
				msg, ok := h.queue.TryDequeue()
				if !ok {
					break
				}
				if err := h.scheduler.Tick(ctx, msg); err != nil {
					return false
				}
				state, err := h.store.GetRun(ctx, run.FirstRunID)
				if err != nil {
					return false
				}
				st := state.StatusFor(types.EntityCustomer)
				if st.Completed {
					completions++
					continue
				}
				var pos int
				if _, err := fmt.Sscanf(*st.StartingAfter, "cus_%d", &pos); err != nil || pos <= lastPos {
					return false
				}
				lastPos = pos
			}

			final, err := h.scheduler.Status(ctx, types.ModeTest, testAccount)
			if err != nil || final == nil {
				return false
			}
			written := h.workspace.Creates(testutil.DatabaseID(types.EntityCustomer))
			return final.Status == types.BackfillComplete &&
				completions == 1 &&
				written == customers &&
				final.RecordsProcessed == int64(written)
		},
		gen.IntRange(0, 12),
		gen.IntRange(1, 5),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
