package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/types"
)

func newTestQueue(t *testing.T) (*RedisTickQueue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTickQueue(client, "", 50*time.Millisecond), mr
}

func tick(seq int64) TickMessage {
	return TickMessage{AccountID: "acct_1", Mode: types.ModeTest, RunID: "run_1", Seq: seq}
}

func TestTickMessage_ExecutionIDIgnoresAttempt(t *testing.T) {
	m := tick(3)
	retried := m
	retried.Attempt = 2
	assert.Equal(t, "run_1:3", m.ExecutionID())
	assert.Equal(t, m.ExecutionID(), retried.ExecutionID())
}

func TestRedisTickQueue_FIFOAndAck(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, tick(1)))
	require.NoError(t, q.Enqueue(ctx, tick(2)))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(1), d.Message.Seq)

	list, err := mr.List("backfill:ticks:processing")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, q.Ack(ctx, d))
	assert.False(t, mr.Exists("backfill:ticks:processing"))

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Message.Seq)
}

func TestRedisTickQueue_EmptyDequeueReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRedisTickQueue_RecoverRequeuesUnacked(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, q.Enqueue(ctx, tick(seq)))
	}
	// A crashed worker took two messages and never acked them
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	moved, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	var order []int64
	redelivered := map[int64]bool{}
	for i := 0; i < 3; i++ {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		order = append(order, d.Message.Seq)
		redelivered[d.Message.Seq] = d.Message.Retried()
		require.NoError(t, q.Ack(ctx, d))
	}
	assert.Equal(t, []int64{1, 2, 3}, order)
	assert.Equal(t, map[int64]bool{1: true, 2: true, 3: false}, redelivered)

	moved, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestLocalTickQueue(t *testing.T) {
	q := NewLocalTickQueue(4, 10*time.Millisecond)
	ctx := context.Background()

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)

	require.NoError(t, q.Enqueue(ctx, tick(1)))
	assert.Equal(t, 1, q.Len())
	msg, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, int64(1), msg.Seq)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Dequeue(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerPool_ProcessesAndRetries(t *testing.T) {
	q := NewLocalTickQueue(16, 5*time.Millisecond)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[int64][]int{}
	var handled int32
	done := make(chan struct{})

	handler := func(_ context.Context, msg TickMessage) error {
		mu.Lock()
		seen[msg.Seq] = append(seen[msg.Seq], msg.Attempt)
		mu.Unlock()
		var err error
		switch msg.Seq {
		case 1:
			if msg.Attempt == 0 {
				err = apperrors.NewTransientAPIError("notion", 502, errors.New("bad gateway"))
			}
		case 2:
			err = apperrors.NewAuthError("notion", "revoked")
		}
		if atomic.AddInt32(&handled, 1) == 4 {
			close(done)
		}
		return err
	}

	pool := NewWorkerPool(q, handler, WorkerPoolConfig{Workers: 2, MaxAttempts: 3, RetryDelay: time.Millisecond})
	require.NoError(t, pool.Start(ctx))
	require.Error(t, pool.Start(ctx))

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, q.Enqueue(ctx, tick(seq)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ticks were not processed")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, seen[1], "transient failures are retried")
	assert.Equal(t, []int{0}, seen[2], "auth failures are not retried")
	assert.Equal(t, []int{0}, seen[3])
}
