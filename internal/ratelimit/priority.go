package ratelimit

import "context"

// Priority levels for budget allocation.
type Priority int

const (
	// PriorityHigh is for webhook-driven syncs (may use the reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for backfill (shared pool only).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx with the priority of the work it carries.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority carried by ctx, defaulting to low.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityLow
}

// Limiter blocks until one request for scope may be sent.
type Limiter interface {
	Wait(ctx context.Context, scope string) error
}

// Unlimited never waits.
type Unlimited struct{}

// Wait implements Limiter.
func (Unlimited) Wait(context.Context, string) error { return nil }
