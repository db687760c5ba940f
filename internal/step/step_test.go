package step

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/retry"
)

func fastConfig() Config {
	return Config{
		CacheTTL: time.Hour,
		Retry: &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
			ShouldRetry:  apperrors.IsRetryable,
		},
	}
}

func newTestFactory(t *testing.T) (RedisFactory, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return RedisFactory{Client: client, Config: fastConfig()}, mr
}

func TestRedisRunner_CompletedStepIsNotRepeated(t *testing.T) {
	factory, mr := newTestFactory(t)
	ctx := context.Background()
	calls := 0

	create := func(ctx context.Context) (string, error) {
		calls++
		return "page_1", nil
	}

	first, err := Do(ctx, factory.New("evt_1"), "upsert:customer:cus_1", create)
	require.NoError(t, err)

	// Redelivery of the same event builds a new runner for the same execution
	second, err := Do(ctx, factory.New("evt_1"), "upsert:customer:cus_1", create)
	require.NoError(t, err)

	assert.Equal(t, "page_1", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
	assert.True(t, mr.Exists("step:evt_1:upsert:customer:cus_1"))

	_, err = Do(ctx, factory.New("evt_2"), "upsert:customer:cus_1", create)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "other executions do not share results")
}

func TestRedisRunner_FailedStepIsNotCached(t *testing.T) {
	factory, mr := newTestFactory(t)
	ctx := context.Background()

	_, err := factory.New("evt_1").Run(ctx, "fetch", func(context.Context) ([]byte, error) {
		return nil, apperrors.NewTransientAPIError("stripe", 503, errors.New("unavailable"))
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.False(t, mr.Exists("step:evt_1:fetch"))
}

func TestRunner_RetriesTransientOnly(t *testing.T) {
	ctx := context.Background()
	runner := NewInlineRunner(fastConfig())

	attempts := 0
	out, err := runner.Run(ctx, "flaky", func(context.Context) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, apperrors.NewRateLimitedError("notion", 0)
		}
		return []byte(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(out))
	assert.Equal(t, 3, attempts)

	attempts = 0
	_, err = runner.Run(ctx, "auth", func(context.Context) ([]byte, error) {
		attempts++
		return nil, apperrors.NewAuthError("notion", "revoked")
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthError(err))
	assert.Equal(t, 1, attempts)
}

func TestDo_DecodesStructs(t *testing.T) {
	type result struct {
		PageID string `json:"pageId"`
		Count  int    `json:"count"`
	}
	got, err := Do(context.Background(), InlineFactory{Config: fastConfig()}.New("x"), "s", func(context.Context) (result, error) {
		return result{PageID: "p", Count: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, result{PageID: "p", Count: 2}, got)
}
