package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Default pacer configuration values.
const (
	DefaultBaseDelay = 50 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
)

// Pacer waits for budget from a BudgetTracker with exponential backoff.
// It implements Limiter using the priority carried in the context.
type Pacer struct {
	tracker   *BudgetTracker
	baseDelay time.Duration
	maxDelay  time.Duration

	mu               sync.Mutex
	consecutiveFails map[string]int
}

// PacerConfig holds configuration for the pacer.
type PacerConfig struct {
	// Tracker is required.
	Tracker *BudgetTracker

	// BaseDelay is the initial delay between attempts. Default: 50ms.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts. Default: 5s.
	MaxDelay time.Duration
}

// NewPacer creates a pacer.
func NewPacer(cfg *PacerConfig) (*Pacer, error) {
	if cfg == nil || cfg.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 {
		return nil, errors.New("delays cannot be negative")
	}

	p := &Pacer{
		tracker:          cfg.Tracker,
		baseDelay:        cfg.BaseDelay,
		maxDelay:         cfg.MaxDelay,
		consecutiveFails: make(map[string]int),
	}
	if p.baseDelay == 0 {
		p.baseDelay = DefaultBaseDelay
	}
	if p.maxDelay == 0 {
		p.maxDelay = DefaultMaxDelay
	}
	if p.baseDelay > p.maxDelay {
		return nil, errors.New("base delay cannot exceed max delay")
	}
	return p, nil
}

// Wait blocks until one request for scope fits the budget or ctx is done.
func (p *Pacer) Wait(ctx context.Context, scope string) error {
	priority := PriorityFrom(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, waitTime := p.tracker.TryConsume(ctx, scope, 1, priority)
		if allowed {
			p.recordSuccess(scope)
			return nil
		}

		delay := p.recordFailure(scope)
		if waitTime > delay {
			delay = waitTime
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Pacer) recordSuccess(scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consecutiveFails, scope)
}

// recordFailure returns baseDelay * 2^failures, capped at maxDelay
func (p *Pacer) recordFailure(scope string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveFails[scope]++
	delay := p.baseDelay
	for i := 1; i < p.consecutiveFails[scope]; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	return delay
}
