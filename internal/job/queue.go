// Package job carries backfill ticks between processes. A tick is enqueued by
// the scheduler and consumed by a pool of workers.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/types"
)

// TickMessage addresses one tick of a backfill run chain
type TickMessage struct {
	AccountID string     `json:"accountId"`
	Mode      types.Mode `json:"mode"`
	RunID     string     `json:"runId"`
	Seq       int64      `json:"seq"`
	// Attempt is incremented each time a failed tick is re-enqueued
	Attempt int `json:"attempt,omitempty"`
	// Redelivered marks a message re-queued by Recover after a crash
	Redelivered bool `json:"redelivered,omitempty"`
}

// Retried reports whether an earlier delivery of this tick may have run
func (m TickMessage) Retried() bool {
	return m.Attempt > 0 || m.Redelivered
}

// ExecutionID identifies the tick for step caching. Retried attempts share it
// so completed steps are not repeated.
func (m TickMessage) ExecutionID() string {
	return fmt.Sprintf("%s:%d", m.RunID, m.Seq)
}

// Delivery is a dequeued message awaiting Ack
type Delivery struct {
	Message TickMessage
	raw     string
}

// TickQueue is a FIFO of tick messages
type TickQueue interface {
	Enqueue(ctx context.Context, msg TickMessage) error
	// Dequeue waits a bounded time for a message; nil means none arrived
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
}

const (
	defaultQueueKey = "backfill:ticks"
	defaultWait     = 5 * time.Second
)

// RedisTickQueue is a reliable queue: dequeued messages move to a processing
// list and stay there until acked, so Recover can re-queue them after a crash.
type RedisTickQueue struct {
	client        redis.Cmdable
	key           string
	processingKey string
	wait          time.Duration
}

// NewRedisTickQueue creates a queue under key (default "backfill:ticks")
func NewRedisTickQueue(client redis.Cmdable, key string, wait time.Duration) *RedisTickQueue {
	if key == "" {
		key = defaultQueueKey
	}
	if wait <= 0 {
		wait = defaultWait
	}
	return &RedisTickQueue{
		client:        client,
		key:           key,
		processingKey: key + ":processing",
		wait:          wait,
	}
}

// Enqueue implements TickQueue
func (q *RedisTickQueue) Enqueue(ctx context.Context, msg TickMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return apperrors.NewCacheError("enqueue tick", err)
	}
	return nil
}

// Dequeue implements TickQueue
func (q *RedisTickQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", q.wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewCacheError("dequeue tick", err)
	}

	var msg TickMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Unreadable messages are dropped rather than redelivered forever
		_ = q.client.LRem(ctx, q.processingKey, 1, raw).Err()
		return nil, fmt.Errorf("failed to unmarshal tick: %w", err)
	}
	return &Delivery{Message: msg, raw: raw}, nil
}

// Ack implements TickQueue
func (q *RedisTickQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey, 1, d.raw).Err(); err != nil {
		return apperrors.NewCacheError("ack tick", err)
	}
	return nil
}

// Recover moves every unacknowledged message back to the queue, marked as
// redelivered, and returns how many were moved. Call it before starting workers.
func (q *RedisTickQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		raw, err := q.client.LIndex(ctx, q.processingKey, 0).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, apperrors.NewCacheError("recover ticks", err)
		}

		var msg TickMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			if err := q.client.LRem(ctx, q.processingKey, 1, raw).Err(); err != nil {
				return moved, apperrors.NewCacheError("recover ticks", err)
			}
			continue
		}
		msg.Redelivered = true
		data, err := json.Marshal(msg)
		if err != nil {
			return moved, fmt.Errorf("failed to marshal tick: %w", err)
		}

		// Newest first onto the dequeue end keeps the original order; one transaction so nothing is lost
		pipe := q.client.TxPipeline()
		pipe.RPush(ctx, q.key, data)
		pipe.LRem(ctx, q.processingKey, 1, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, apperrors.NewCacheError("recover ticks", err)
		}
		moved++
	}
}

// Len returns the number of queued messages
func (q *RedisTickQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// LocalTickQueue is an in-process queue for single-node runs and tests
type LocalTickQueue struct {
	ch   chan TickMessage
	wait time.Duration
}

// NewLocalTickQueue creates a buffered queue
func NewLocalTickQueue(size int, wait time.Duration) *LocalTickQueue {
	if size <= 0 {
		size = 1024
	}
	if wait <= 0 {
		wait = defaultWait
	}
	return &LocalTickQueue{ch: make(chan TickMessage, size), wait: wait}
}

// Enqueue implements TickQueue
func (q *LocalTickQueue) Enqueue(ctx context.Context, msg TickMessage) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue implements TickQueue
func (q *LocalTickQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(q.wait)
	defer timer.Stop()
	select {
	case msg := <-q.ch:
		return &Delivery{Message: msg}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryDequeue returns a queued message without waiting
func (q *LocalTickQueue) TryDequeue() (TickMessage, bool) {
	select {
	case msg := <-q.ch:
		return msg, true
	default:
		return TickMessage{}, false
	}
}

// Ack implements TickQueue
func (q *LocalTickQueue) Ack(context.Context, *Delivery) error {
	return nil
}

// Len returns the number of queued messages
func (q *LocalTickQueue) Len() int {
	return len(q.ch)
}
