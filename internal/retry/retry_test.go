package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/stripe-notion-sync/internal/errors"
)

func fastConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		ShouldRetry:  apperrors.IsRetryable,
	}
}

func TestWithExponentialBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return apperrors.NewTransientAPIError("notion", 503, nil)
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	assert.NoError(t, result.Err())
}

func TestWithExponentialBackoff_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return apperrors.NewAuthError("notion", "unauthorized")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.True(t, apperrors.IsAuthError(result.Err()))
}

func TestWithExponentialBackoff_ExhaustsAttempts(t *testing.T) {
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		return apperrors.NewTransientAPIError("stripe", 500, nil)
	})

	assert.False(t, result.Success)
	assert.Equal(t, 4, result.Attempts)
}

func TestWithExponentialBackoff_HonorsRetryAfter(t *testing.T) {
	start := time.Now()
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			return apperrors.NewRateLimitedError("notion", 30*time.Millisecond)
		}
		return nil
	})

	require.True(t, result.Success)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWithExponentialBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		return apperrors.NewTransientAPIError("notion", 502, nil)
	})

	assert.False(t, result.Success)
	assert.True(t, errors.Is(result.LastError, context.Canceled))
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 3))
	assert.Equal(t, time.Second, calculateDelay(cfg, 10))

	cfg.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := calculateDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
