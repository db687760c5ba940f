// Package ratelimit paces workspace API requests per account token.
//
// The workspace platform enforces an average request rate per integration
// token. All processes share one budget per token through Redis, split into a
// reserved pool for webhook-driven traffic and a shared pool for backfill.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 3           // requests per window
	DefaultReservedBudget = 1           // reserved for webhook traffic
	DefaultWindowSize     = time.Second // fixed window aligned to the clock
	DefaultKeyTTL         = 2 * time.Second
)

// KeyPrefix namespaces budget counters in Redis.
const KeyPrefix = "notion:budget:"

// consumeScript checks both the total and the pool counter and increments them atomically.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// BudgetTracker coordinates request consumption across processes using Redis.
type BudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is required; the tracker cannot function without it.
	Redis redis.Cmdable

	// TotalBudget is the number of requests allowed per window. Default: 3.
	TotalBudget int

	// ReservedBudget is the part of the total only high priority requests may use. Default: 1.
	ReservedBudget int

	// WindowSize is the window duration. Default: 1s.
	WindowSize time.Duration

	// KeyTTL should exceed WindowSize. Default: 2s.
	KeyTTL time.Duration
}

// UsageStats contains current consumption for one scope.
type UsageStats struct {
	TotalUsed      int
	ReservedUsed   int
	SharedUsed     int
	TotalBudget    int
	ReservedBudget int
	SharedBudget   int
	WindowStart    time.Time
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 || c.ReservedBudget < 0 {
		return errors.New("budgets cannot be negative")
	}

	total, reserved := c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = DefaultReservedBudget
	}
	if reserved >= total {
		return fmt.Errorf("reserved budget (%d) must be below total budget (%d)", reserved, total)
	}
	return nil
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	t := &BudgetTracker{
		redis:          cfg.Redis,
		totalBudget:    cfg.TotalBudget,
		reservedBudget: cfg.ReservedBudget,
		windowSize:     cfg.WindowSize,
		keyTTL:         cfg.KeyTTL,
		now:            time.Now,
	}
	if t.totalBudget == 0 {
		t.totalBudget = DefaultTotalBudget
	}
	if t.reservedBudget == 0 {
		t.reservedBudget = DefaultReservedBudget
	}
	if t.windowSize == 0 {
		t.windowSize = DefaultWindowSize
	}
	if t.keyTTL == 0 {
		t.keyTTL = DefaultKeyTTL
	}
	t.sharedBudget = t.totalBudget - t.reservedBudget
	return t, nil
}

func (t *BudgetTracker) windowTimestamp() int64 {
	return t.now().Truncate(t.windowSize).UnixMilli()
}

func (t *BudgetTracker) keys(scope string, windowTS int64) (totalKey, reservedKey, sharedKey string) {
	base := KeyPrefix + scope + ":"
	ts := strconv.FormatInt(windowTS, 10)
	return base + "total:" + ts, base + "reserved:" + ts, base + "shared:" + ts
}

// TryConsume attempts to take cost units from the pool matching priority.
// High priority draws from the reserved pool first and falls back to the shared pool.
// It returns whether the request may proceed and, if not, how long to wait.
func (t *BudgetTracker) TryConsume(ctx context.Context, scope string, cost int, priority Priority) (bool, time.Duration) {
	if cost <= 0 {
		return true, 0
	}

	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(scope, windowTS)

	if priority == PriorityHigh {
		if ok, err := t.consume(ctx, totalKey, reservedKey, cost, t.reservedBudget); err == nil && ok {
			return true, 0
		}
	}

	ok, err := t.consume(ctx, totalKey, sharedKey, cost, t.sharedBudget)
	if err != nil || !ok {
		// A Redis failure denies the request; the caller waits out the window
		return false, t.waitTime(windowTS)
	}
	return true, 0
}

func (t *BudgetTracker) consume(ctx context.Context, totalKey, poolKey string, cost, poolBudget int) (bool, error) {
	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cost, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, err
	}
	return result[0] == 1, nil
}

// waitTime returns the time until the next window starts.
func (t *BudgetTracker) waitTime(windowTS int64) time.Duration {
	windowEnd := time.UnixMilli(windowTS).Add(t.windowSize)
	wait := windowEnd.Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns current usage for scope.
func (t *BudgetTracker) GetUsage(ctx context.Context, scope string) (*UsageStats, error) {
	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(scope, windowTS)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read budget usage: %w", err)
	}

	return &UsageStats{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}
