package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newFrozenTracker(t *testing.T, total, reserved int) *BudgetTracker {
	tracker, err := NewBudgetTracker(&BudgetTrackerConfig{
		Redis:          setupRedis(t),
		TotalBudget:    total,
		ReservedBudget: reserved,
	})
	require.NoError(t, err)
	frozen := time.UnixMilli(1700000000500)
	tracker.now = func() time.Time { return frozen }
	return tracker
}

func TestNewBudgetTracker_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *BudgetTrackerConfig
		wantErr string
	}{
		{"nil config", nil, "configuration is required"},
		{"nil redis", &BudgetTrackerConfig{}, "redis client is required"},
		{"reserved too large", &BudgetTrackerConfig{Redis: redis.NewClient(&redis.Options{}), TotalBudget: 3, ReservedBudget: 3}, "must be below"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBudgetTracker(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBudgetTracker_LowPriorityCannotUseReserved(t *testing.T) {
	tracker := newFrozenTracker(t, 3, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := tracker.TryConsume(ctx, "acct_1", 1, PriorityLow)
		require.True(t, ok)
	}

	ok, wait := tracker.TryConsume(ctx, "acct_1", 1, PriorityLow)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	ok, _ = tracker.TryConsume(ctx, "acct_1", 1, PriorityHigh)
	assert.True(t, ok, "high priority should still get the reserved slot")

	ok, _ = tracker.TryConsume(ctx, "acct_1", 1, PriorityHigh)
	assert.False(t, ok, "total budget is exhausted")
}

func TestBudgetTracker_ScopesAreIndependent(t *testing.T) {
	tracker := newFrozenTracker(t, 2, 1)
	ctx := context.Background()

	ok, _ := tracker.TryConsume(ctx, "acct_1", 1, PriorityLow)
	require.True(t, ok)
	ok, _ = tracker.TryConsume(ctx, "acct_1", 1, PriorityLow)
	require.False(t, ok)

	ok, _ = tracker.TryConsume(ctx, "acct_2", 1, PriorityLow)
	assert.True(t, ok)
}

func TestBudgetTracker_GetUsage(t *testing.T) {
	tracker := newFrozenTracker(t, 3, 1)
	ctx := context.Background()

	_, _ = tracker.TryConsume(ctx, "acct_1", 1, PriorityHigh)
	_, _ = tracker.TryConsume(ctx, "acct_1", 1, PriorityLow)

	usage, err := tracker.GetUsage(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, 2, usage.TotalUsed)
	assert.Equal(t, 1, usage.ReservedUsed)
	assert.Equal(t, 1, usage.SharedUsed)
	assert.Equal(t, 2, usage.SharedBudget)
}

func TestPacer_WaitsForNextWindow(t *testing.T) {
	tracker, err := NewBudgetTracker(&BudgetTrackerConfig{
		Redis:          setupRedis(t),
		TotalBudget:    2,
		ReservedBudget: 1,
		WindowSize:     50 * time.Millisecond,
	})
	require.NoError(t, err)

	pacer, err := NewPacer(&PacerConfig{Tracker: tracker, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx := WithPriority(context.Background(), PriorityLow)
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, pacer.Wait(ctx, "acct_1"))
	}
	// One shared slot per 50ms window: three requests span at least two window boundaries
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPacer_ContextCancelled(t *testing.T) {
	tracker := newFrozenTracker(t, 2, 1)
	pacer, err := NewPacer(&PacerConfig{Tracker: tracker, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, pacer.Wait(ctx, "acct_1"))
	// The frozen clock never reaches the next window
	assert.ErrorIs(t, pacer.Wait(ctx, "acct_1"), context.DeadlineExceeded)
}

func TestPriorityFrom(t *testing.T) {
	assert.Equal(t, PriorityLow, PriorityFrom(context.Background()))
	assert.Equal(t, PriorityHigh, PriorityFrom(WithPriority(context.Background(), PriorityHigh)))
	assert.Equal(t, "high", PriorityHigh.String())
}

func TestLocalLimiter_ReservedBurstForHighPriority(t *testing.T) {
	l := NewLocalLimiter(2, 1)
	high := WithPriority(context.Background(), PriorityHigh)

	ctx, cancel := context.WithTimeout(high, 10*time.Millisecond)
	defer cancel()

	// one reserved token and one shared token are immediately available
	require.NoError(t, l.Wait(ctx, "acct_1"))
	require.NoError(t, l.Wait(ctx, "acct_1"))
	assert.Error(t, l.Wait(ctx, "acct_1"))
}
