package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/storage"
	"github.com/stripe-notion-sync/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	m := NewManager(Options{Accounts: store, Mappings: store})
	t.Cleanup(m.Stop)
	return m, store
}

// slowCreate returns an UpsertFunc that counts invocations and holds until release is closed
func slowCreate(calls *int32, release <-chan struct{}, pageID string) UpsertFunc {
	return func(ctx context.Context) (string, error) {
		atomic.AddInt32(calls, 1)
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return pageID, nil
	}
}

func TestCoordinatedUpsert_ConcurrentCallersShareOneCreate(t *testing.T) {
	m, _ := newTestManager(t)
	actor := m.Get("acct_1")
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	const n = 20

	results := make([]*models.EntityMapping, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = actor.CoordinatedUpsert(ctx, types.EntityCustomer, "cus_1", slowCreate(&calls, release, fmt.Sprintf("page_%d", i)), false)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].TargetPageID, results[i].TargetPageID)
	}
}

func TestCoordinatedUpsert_ExistingMappingIsReused(t *testing.T) {
	m, store := newTestManager(t)
	actor := m.Get("acct_1")
	ctx := context.Background()

	first, err := actor.CoordinatedUpsert(ctx, types.EntityProduct, "prod_1", func(context.Context) (string, error) { return "page_p", nil }, false)
	require.NoError(t, err)

	var calls int32
	second, err := actor.CoordinatedUpsert(ctx, types.EntityProduct, "prod_1", func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "page_other", nil
	}, false)
	require.NoError(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, first.TargetPageID, second.TargetPageID)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
	assert.Len(t, store.Mappings("acct_1"), 1)
}

func TestCoordinatedUpsert_ForceRunsOperationAndKeepsPage(t *testing.T) {
	m, store := newTestManager(t)
	actor := m.Get("acct_1")
	ctx := context.Background()

	_, err := actor.CoordinatedUpsert(ctx, types.EntityInvoice, "in_1", func(context.Context) (string, error) { return "page_i", nil }, false)
	require.NoError(t, err)

	var calls int32
	forced, err := actor.CoordinatedUpsert(ctx, types.EntityInvoice, "in_1", func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "page_i", nil
	}, true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "page_i", forced.TargetPageID)
	assert.Len(t, store.Mappings("acct_1"), 1)
}

func TestCoordinatedUpsert_FailureWritesNothingAndAllowsRetry(t *testing.T) {
	m, store := newTestManager(t)
	actor := m.Get("acct_1")
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := actor.CoordinatedUpsert(ctx, types.EntityCharge, "ch_1", func(context.Context) (string, error) { return "", boom }, false)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.Mappings("acct_1"))

	mapping, err := actor.CoordinatedUpsert(ctx, types.EntityCharge, "ch_1", func(context.Context) (string, error) { return "page_c", nil }, false)
	require.NoError(t, err)
	assert.Equal(t, "page_c", mapping.TargetPageID)
}

func TestCoordinatedUpsert_JoinersReceiveTheError(t *testing.T) {
	m, _ := newTestManager(t)
	actor := m.Get("acct_1")
	ctx := context.Background()
	boom := errors.New("rate limited forever")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = actor.CoordinatedUpsert(ctx, types.EntityCoupon, "co_1", func(ctx context.Context) (string, error) {
				<-release
				return "", boom
			}, false)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
}

// parkedAccounts blocks the first LoadAccount until unpark is closed
type parkedAccounts struct {
	*storage.MemoryStore
	once   sync.Once
	parked chan struct{}
	unpark chan struct{}
}

func (p *parkedAccounts) LoadAccount(ctx context.Context, accountID string) (*models.AccountState, error) {
	p.once.Do(func() {
		close(p.parked)
		<-p.unpark
	})
	return p.MemoryStore.LoadAccount(ctx, accountID)
}

func TestCoordinatedUpsert_CancelledWhileQueuedDoesNotWedgeKey(t *testing.T) {
	store := storage.NewMemoryStore()
	accounts := &parkedAccounts{MemoryStore: store, parked: make(chan struct{}), unpark: make(chan struct{})}
	m := NewManager(Options{Accounts: accounts, Mappings: store})
	t.Cleanup(m.Stop)
	actor := m.Get("acct_1")

	go func() { _, _ = actor.GetStatus(context.Background()) }()
	<-accounts.parked

	// Registration is queued behind the parked load, then the caller gives up
	cctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := actor.CoordinatedUpsert(cctx, types.EntityInvoice, "in_1", func(context.Context) (string, error) {
			return "page_first", nil
		}, false)
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}
	close(accounts.unpark)

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	mapping, err := actor.CoordinatedUpsert(ctx, types.EntityInvoice, "in_1", func(context.Context) (string, error) {
		return "page_second", nil
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "page_second", mapping.TargetPageID)
}

func TestCoordinatedUpsert_JoinerOfCancelledOwnerRunsItself(t *testing.T) {
	m, _ := newTestManager(t)
	actor := m.Get("acct_1")

	ownerCtx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	ownerErr := make(chan error, 1)
	go func() {
		_, err := actor.CoordinatedUpsert(ownerCtx, types.EntityPrice, "price_1", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}, false)
		ownerErr <- err
	}()
	<-started

	joined := make(chan *models.EntityMapping, 1)
	go func() {
		mapping, err := actor.CoordinatedUpsert(context.Background(), types.EntityPrice, "price_1", func(context.Context) (string, error) {
			return "page_joiner", nil
		}, false)
		assert.NoError(t, err)
		joined <- mapping
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-ownerErr, context.Canceled)
	select {
	case mapping := <-joined:
		require.NotNil(t, mapping)
		assert.Equal(t, "page_joiner", mapping.TargetPageID)
	case <-time.After(time.Second):
		t.Fatal("joiner did not finish")
	}
}

func TestCoordinatedUpsert_RetryAfterJoinedFailureStartsFresh(t *testing.T) {
	m, _ := newTestManager(t)
	actor := m.Get("acct_1")
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("prod_%d", i)
		release := make(chan struct{})
		started := make(chan struct{})
		ownerDone := make(chan struct{})
		go func() {
			defer close(ownerDone)
			_, _ = actor.CoordinatedUpsert(ctx, types.EntityProduct, id, func(context.Context) (string, error) {
				close(started)
				<-release
				return "", boom
			}, false)
		}()
		<-started

		joinerErr := make(chan error, 1)
		go func() {
			_, err := actor.CoordinatedUpsert(ctx, types.EntityProduct, id, func(context.Context) (string, error) {
				return "", boom
			}, false)
			joinerErr <- err
		}()
		time.Sleep(time.Millisecond)
		close(release)
		require.ErrorIs(t, <-joinerErr, boom)

		// Called right after the failure was observed: must run, not replay it
		mapping, err := actor.CoordinatedUpsert(ctx, types.EntityProduct, id, func(context.Context) (string, error) {
			return "page_" + id, nil
		}, false)
		require.NoError(t, err, id)
		assert.Equal(t, "page_"+id, mapping.TargetPageID)
		<-ownerDone
	}
}

func TestCoordinatedUpsert_AccountsAreIndependent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	release := make(chan struct{})
	var blocked int32

	go func() {
		_, _ = m.Get("acct_slow").CoordinatedUpsert(ctx, types.EntityCustomer, "cus_1", slowCreate(&blocked, release, "page_s"), false)
	}()
	defer close(release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.Get("acct_fast").CoordinatedUpsert(ctx, types.EntityCustomer, "cus_1", func(context.Context) (string, error) { return "page_f", nil }, false)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("an account waited on another account's upsert")
	}
}

func TestCoordinatedUpsert_RedisLockAcrossManagers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Two managers model two processes sharing one database and one Redis
	store := storage.NewMemoryStore()
	lock := storage.NewKeyLock(client, "lock:upsert:")
	m1 := NewManager(Options{Accounts: store, Mappings: store, Locker: lock, LockTTL: time.Minute})
	m2 := NewManager(Options{Accounts: store, Mappings: store, Locker: lock, LockTTL: time.Minute})
	t.Cleanup(m1.Stop)
	t.Cleanup(m2.Stop)

	var calls int32
	create := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return "page_x", nil
	}

	var wg sync.WaitGroup
	for _, m := range []*Manager{m1, m2, m1, m2} {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			mapping, err := m.Get("acct_1").CoordinatedUpsert(context.Background(), types.EntitySubscription, "sub_1", create, false)
			assert.NoError(t, err)
			if mapping != nil {
				assert.Equal(t, "page_x", mapping.TargetPageID)
			}
		}(m)
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCoordinatedUpsert_PropertyExactlyOneCreate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)
	properties.Property("N concurrent callers cause one create and see one mapping", prop.ForAll(
		func(n int, sourceID string) bool {
			store := storage.NewMemoryStore()
			m := NewManager(Options{Accounts: store, Mappings: store})
			defer m.Stop()

			var calls int32
			pages := make([]string, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					mapping, err := m.Get("acct_p").CoordinatedUpsert(context.Background(), types.EntityCustomer, sourceID, func(context.Context) (string, error) {
						atomic.AddInt32(&calls, 1)
						time.Sleep(time.Millisecond)
						return "page_" + sourceID, nil
					}, false)
					if err == nil {
						pages[i] = mapping.TargetPageID
					}
				}(i)
			}
			wg.Wait()

			if atomic.LoadInt32(&calls) != 1 {
				return false
			}
			for _, p := range pages {
				if p != "page_"+sourceID {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 25),
		gen.Identifier(),
	))
	properties.TestingRun(t)
}

func TestActor_StateOperations(t *testing.T) {
	m, store := newTestManager(t)
	actor := m.Get("acct_1")
	ctx := context.Background()

	state, err := actor.GetStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, state, "unknown accounts have no state")

	require.NoError(t, actor.SetSubscriptionStatus(ctx, types.SubscriptionActive))
	require.NoError(t, actor.SetUp(ctx, types.ModeTest, "secret_token"))
	require.NoError(t, actor.SetNotionPages(ctx, "parent", map[types.EntityType]*models.DatabaseRef{
		types.EntityCustomer: {PageID: "db_c", Title: "Customers"},
		types.EntityInvoice:  {PageID: "db_i", Title: "Invoices"},
	}))

	msg := "customer: dependency unresolved"
	require.NoError(t, actor.SetEntityError(ctx, types.EntityInvoice, &msg))
	require.NoError(t, actor.SetEntityError(ctx, types.EntityPrice, &msg), "types without a database are ignored")

	state, err = actor.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ModeTest, state.Mode)
	assert.Equal(t, types.SubscriptionActive, state.SubscriptionStatus)
	assert.Equal(t, "secret_token", state.NotionToken)
	require.NotNil(t, state.NotionConnection.Databases[types.EntityInvoice].LastError)
	assert.Equal(t, msg, *state.NotionConnection.Databases[types.EntityInvoice].LastError)

	// Returned state is a copy
	state.NotionConnection.Databases[types.EntityCustomer].PageID = "mutated"
	again, err := actor.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "db_c", again.DatabaseMap()[types.EntityCustomer])

	persisted, err := store.LoadAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionActive, persisted.SubscriptionStatus)

	require.NoError(t, actor.ClearNotionPages(ctx))
	cleared, err := actor.GetStatus(ctx)
	require.NoError(t, err)
	assert.False(t, cleared.IsConnected())
	assert.Equal(t, "secret_token", cleared.NotionToken)
}

func TestActor_StateSurvivesRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	m1 := NewManager(Options{Accounts: store, Mappings: store})
	require.NoError(t, m1.Get("acct_1").SetSubscriptionStatus(ctx, types.SubscriptionTrialing))
	m1.Stop()

	_, err := m1.Get("acct_1").GetStatus(ctx)
	assert.ErrorIs(t, err, ErrStopped)

	m2 := NewManager(Options{Accounts: store, Mappings: store})
	defer m2.Stop()
	state, err := m2.Get("acct_1").GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionTrialing, state.SubscriptionStatus)
}
