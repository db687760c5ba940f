// Package step runs named units of work with retries. The Redis runner caches
// each successful step result per execution, so re-running a flow after a
// failure skips the steps that already completed.
package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/retry"
)

// Func is one unit of work; its result must be JSON-safe bytes
type Func func(ctx context.Context) ([]byte, error)

// Runner executes named steps for one execution
type Runner interface {
	Run(ctx context.Context, name string, fn Func) ([]byte, error)
}

// Factory creates a Runner per execution id (event id, backfill tick id)
type Factory interface {
	New(executionID string) Runner
}

// Config controls retries and result caching
type Config struct {
	CacheTTL time.Duration
	Retry    *retry.RetryConfig
}

func (c Config) retryConfig() *retry.RetryConfig {
	if c.Retry != nil {
		return c.Retry
	}
	return retry.DefaultRetryConfig()
}

// Do runs fn as a named step and decodes its result
func Do[T any](ctx context.Context, r Runner, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := r.Run(ctx, name, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, apperrors.NewInternalError(fmt.Sprintf("decode step %q result", name), err)
	}
	return out, nil
}

func runWithRetry(ctx context.Context, cfg *retry.RetryConfig, name string, fn Func) ([]byte, error) {
	var out []byte
	result := retry.WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"step":    name,
				"attempt": attempt,
			}).Debug("Retrying step")
		}
		var err error
		out, err = fn(ctx)
		return err
	})
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("step %s failed after %d attempts: %w", name, result.Attempts, err)
	}
	return out, nil
}

// InlineRunner retries steps without caching their results
type InlineRunner struct {
	cfg Config
}

// NewInlineRunner creates an uncached runner
func NewInlineRunner(cfg Config) *InlineRunner {
	return &InlineRunner{cfg: cfg}
}

// Run implements Runner
func (r *InlineRunner) Run(ctx context.Context, name string, fn Func) ([]byte, error) {
	return runWithRetry(ctx, r.cfg.retryConfig(), name, fn)
}

// InlineFactory creates InlineRunners
type InlineFactory struct {
	Config Config
}

// New implements Factory
func (f InlineFactory) New(string) Runner {
	return NewInlineRunner(f.Config)
}

// RedisRunner caches step results under step:{executionID}:{name}
type RedisRunner struct {
	client      redis.Cmdable
	executionID string
	cfg         Config
}

// NewRedisRunner creates a caching runner for one execution
func NewRedisRunner(client redis.Cmdable, executionID string, cfg Config) *RedisRunner {
	return &RedisRunner{client: client, executionID: executionID, cfg: cfg}
}

func (r *RedisRunner) key(name string) string {
	return fmt.Sprintf("step:%s:%s", r.executionID, name)
}

// Run implements Runner. A cache read failure runs the step; a cache write
// failure is logged and the result still returned.
func (r *RedisRunner) Run(ctx context.Context, name string, fn Func) ([]byte, error) {
	key := r.key(name)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"executionId": r.executionID,
		"step":        name,
	})

	cached, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		logger.Debug("Step already completed, using cached result")
		return cached, nil
	case !errors.Is(err, redis.Nil):
		logger.WithError(err).Warn("Step cache read failed")
	}

	out, err := runWithRetry(ctx, r.cfg.retryConfig(), name, fn)
	if err != nil {
		return nil, err
	}

	if err := r.client.Set(ctx, key, out, r.cfg.CacheTTL).Err(); err != nil {
		logger.WithError(err).Warn("Step cache write failed")
	}
	return out, nil
}

// RedisFactory creates RedisRunners sharing one client
type RedisFactory struct {
	Client redis.Cmdable
	Config Config
}

// New implements Factory
func (f RedisFactory) New(executionID string) Runner {
	return NewRedisRunner(f.Client, executionID, f.Config)
}
