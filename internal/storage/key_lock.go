package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/stripe-notion-sync/internal/errors"
)

// releaseScript deletes the lock only when the caller still owns it
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// KeyLock is a Redis lease lock (SET NX PX) used to extend per-key
// exclusion across processes.
type KeyLock struct {
	client redis.Cmdable
	prefix string
	poll   time.Duration
}

// NewKeyLock creates a lock namespace; keys are stored under prefix
func NewKeyLock(client redis.Cmdable, prefix string) *KeyLock {
	return &KeyLock{client: client, prefix: prefix, poll: 50 * time.Millisecond}
}

// TryAcquire takes the lease if it is free and returns the owner token
func (l *KeyLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, apperrors.NewCacheError("acquire lock", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Acquire polls until the lease is taken or ctx ends
func (l *KeyLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		token, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release frees the lease if token still owns it
func (l *KeyLock) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil {
		return apperrors.NewCacheError("release lock", err)
	}
	return nil
}
