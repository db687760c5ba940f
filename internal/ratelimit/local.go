package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process Limiter for single-node deployments and tests.
// Each scope gets a reserved bucket for high priority work and a shared bucket.
type LocalLimiter struct {
	reservedRate rate.Limit
	sharedRate   rate.Limit

	mu      sync.Mutex
	buckets map[string]*scopeBuckets
}

type scopeBuckets struct {
	reserved *rate.Limiter
	shared   *rate.Limiter
}

// NewLocalLimiter creates a limiter allowing total requests per second per scope,
// reserved of which only high priority callers may use.
func NewLocalLimiter(total, reserved int) *LocalLimiter {
	if reserved >= total {
		reserved = 0
	}
	return &LocalLimiter{
		reservedRate: rate.Limit(reserved),
		sharedRate:   rate.Limit(total - reserved),
		buckets:      make(map[string]*scopeBuckets),
	}
}

func (l *LocalLimiter) bucketsFor(scope string) *scopeBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[scope]
	if !ok {
		b = &scopeBuckets{
			reserved: rate.NewLimiter(l.reservedRate, max(1, int(l.reservedRate))),
			shared:   rate.NewLimiter(l.sharedRate, max(1, int(l.sharedRate))),
		}
		l.buckets[scope] = b
	}
	return b
}

// Wait implements Limiter.
func (l *LocalLimiter) Wait(ctx context.Context, scope string) error {
	b := l.bucketsFor(scope)
	if PriorityFrom(ctx) == PriorityHigh && l.reservedRate > 0 && b.reserved.Allow() {
		return nil
	}
	return b.shared.Wait(ctx)
}
