package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

func TestProgressStore_SetGet(t *testing.T) {
	ctx := testContext(t)
	mr, client := newTestRedis(t)
	store := NewProgressStore(client, time.Hour)

	missing, err := store.GetStatus(ctx, types.ModeLive, "acct_1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	current := types.EntityInvoice
	require.NoError(t, store.SetStatus(ctx, types.ModeLive, "acct_1", &models.BackfillStatus{
		Status:           types.BackfillStarted,
		RecordsProcessed: 12,
		StartedAt:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CurrentEntity:    &current,
	}))

	got, err := store.GetStatus(ctx, types.ModeLive, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.BackfillStarted, got.Status)
	assert.Equal(t, int64(12), got.RecordsProcessed)
	require.NotNil(t, got.CurrentEntity)
	assert.Equal(t, types.EntityInvoice, *got.CurrentEntity)

	other, err := store.GetStatus(ctx, types.ModeTest, "acct_1")
	require.NoError(t, err)
	assert.Nil(t, other, "modes are tracked separately")

	assert.Equal(t, time.Hour, mr.TTL("backfill:status:live:acct_1"))
}

func TestKeyLock_ExclusiveUntilReleased(t *testing.T) {
	ctx := testContext(t)
	_, client := newTestRedis(t)
	lock := NewKeyLock(client, "lock:")

	token, ok, err := lock.TryAcquire(ctx, "acct_1:customer:cus_1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryAcquire(ctx, "acct_1:customer:cus_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale token must not release someone else's lease
	require.NoError(t, lock.Release(ctx, "acct_1:customer:cus_1", "not-the-owner"))
	_, ok, err = lock.TryAcquire(ctx, "acct_1:customer:cus_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx, "acct_1:customer:cus_1", token))
	_, ok, err = lock.TryAcquire(ctx, "acct_1:customer:cus_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyLock_AcquireWaitsForExpiry(t *testing.T) {
	ctx := testContext(t)
	mr, client := newTestRedis(t)
	lock := NewKeyLock(client, "lock:")
	lock.poll = 5 * time.Millisecond

	_, ok, err := lock.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		mr.FastForward(2 * time.Second)
	}()

	token, err := lock.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestRedisCache_Ping(t *testing.T) {
	_, client := newTestRedis(t)
	cache := NewRedisCacheFromClient(client)
	assert.NoError(t, cache.Ping(testContext(t)))
}
