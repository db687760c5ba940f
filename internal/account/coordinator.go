package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

// UpsertFunc finds or creates the target page for one entity and returns its id.
// It must be idempotent: find-by-title in the database, else create.
type UpsertFunc func(ctx context.Context) (pageID string, err error)

// inflightOp is the shared handle for one key's running upsert.
// mapping and err are written once, before done is closed.
type inflightOp struct {
	done    chan struct{}
	mapping *models.EntityMapping
	err     error
}

func (op *inflightOp) wait(ctx context.Context) (*models.EntityMapping, error) {
	select {
	case <-op.done:
		if op.err != nil {
			return nil, op.err
		}
		copied := *op.mapping
		return &copied, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CoordinatedUpsert returns the mapping for (entityType, sourceID), running upsert
// at most once at a time per key. Concurrent callers for a key in flight join
// the running operation and receive its result. An existing mapping is reused
// without calling upsert unless force is set.
func (a *Actor) CoordinatedUpsert(ctx context.Context, entityType types.EntityType, sourceID string, upsert UpsertFunc, force bool) (*models.EntityMapping, error) {
	if sourceID == "" {
		return nil, apperrors.NewInvalidParameterError("sourceId", "must not be empty")
	}
	key := models.MappingKey{EntityType: entityType, SourceID: sourceID}

	for {
		op, joined, err := a.register(ctx, key)
		if err != nil {
			return nil, err
		}

		if !joined {
			if err := ctx.Err(); err != nil {
				op.err = err
			} else {
				op.mapping, op.err = a.runUpsert(ctx, key, upsert, force)
			}
			// The entry goes before waiters wake so a caller arriving after
			// completion starts a fresh operation
			a.release(key, op)
			close(op.done)
			if op.err != nil {
				return nil, op.err
			}
			copied := *op.mapping
			return &copied, nil
		}

		a.opts.Metrics.UpsertJoined(string(entityType))
		mapping, err := op.wait(ctx)
		if err != nil && ctx.Err() == nil && isContextError(err) {
			// The owner gave up on its own context; this caller still wants the result
			continue
		}
		return mapping, err
	}
}

// register claims the key's in-flight slot or joins the operation holding it.
// A caller that gives up after the request was queued does not leave the slot
// claimed: whoever learns of the claim later completes and releases it.
func (a *Actor) register(ctx context.Context, key models.MappingKey) (*inflightOp, bool, error) {
	var op *inflightOp
	var joined bool
	handled := make(chan struct{})
	if err := a.send(ctx, func(st *actorState) {
		if existing, ok := st.inflight[key]; ok {
			op, joined = existing, true
		} else {
			op = &inflightOp{done: make(chan struct{})}
			st.inflight[key] = op
		}
		close(handled)
	}); err != nil {
		return nil, false, err
	}

	select {
	case <-handled:
		return op, joined, nil
	case <-a.done:
		if a.wasHandled(handled) {
			return op, joined, nil
		}
		return nil, false, ErrStopped
	case <-ctx.Done():
		err := ctx.Err()
		go func() {
			select {
			case <-handled:
			case <-a.done:
				if !a.wasHandled(handled) {
					return
				}
			}
			if !joined {
				op.err = err
				a.release(key, op)
				close(op.done)
			}
		}()
		return nil, false, err
	}
}

func (a *Actor) wasHandled(handled chan struct{}) bool {
	select {
	case <-handled:
		return true
	default:
		return false
	}
}

// release drops the in-flight entry so later calls start fresh
func (a *Actor) release(key models.MappingKey, op *inflightOp) {
	_ = a.exec(context.Background(), func(st *actorState) {
		if st.inflight[key] == op {
			delete(st.inflight, key)
		}
	})
}

// exec runs fn on the actor goroutine and waits for it, ignoring cancellation of ctx
func (a *Actor) exec(ctx context.Context, fn func(st *actorState)) error {
	handled := make(chan struct{})
	if err := a.send(context.WithoutCancel(ctx), func(st *actorState) {
		fn(st)
		close(handled)
	}); err != nil {
		return err
	}
	select {
	case <-handled:
		return nil
	case <-a.done:
		select {
		case <-handled:
			return nil
		default:
			return ErrStopped
		}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (a *Actor) runUpsert(ctx context.Context, key models.MappingKey, upsert UpsertFunc, force bool) (*models.EntityMapping, error) {
	if a.opts.Locker != nil {
		lockKey := fmt.Sprintf("%s:%s", a.accountID, key)
		ttl := a.opts.LockTTL
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		token, err := a.opts.Locker.Acquire(ctx, lockKey, ttl)
		if err != nil {
			return nil, err
		}
		defer func() {
			if relErr := a.opts.Locker.Release(context.Background(), lockKey, token); relErr != nil {
				a.logger(ctx).WithError(relErr).Warn("Failed to release upsert lock")
			}
		}()
	}

	existing, err := a.opts.Mappings.GetMapping(ctx, a.accountID, key)
	if err != nil {
		return nil, err
	}

	now := a.now()
	if existing != nil && !force {
		if err := a.opts.Mappings.TouchMapping(ctx, a.accountID, key, now); err != nil {
			return nil, err
		}
		existing.UpdatedAt = now
		return existing, nil
	}

	pageID, err := upsert(ctx)
	if err != nil {
		return nil, err
	}
	if pageID == "" {
		return nil, apperrors.NewInternalError(fmt.Sprintf("upsert of %s returned no page id", key), nil)
	}

	if existing != nil {
		// Forced refresh of a known page: the mapping row itself never changes
		if err := a.opts.Mappings.TouchMapping(ctx, a.accountID, key, now); err != nil {
			return nil, err
		}
		existing.UpdatedAt = now
		return existing, nil
	}

	return a.opts.Mappings.InsertMapping(ctx, &models.EntityMapping{
		AccountID:    a.accountID,
		EntityType:   key.EntityType,
		SourceID:     key.SourceID,
		TargetPageID: pageID,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// LookupMapping returns the persisted mapping for a key without creating one
func (a *Actor) LookupMapping(ctx context.Context, entityType types.EntityType, sourceID string) (*models.EntityMapping, error) {
	return a.opts.Mappings.GetMapping(ctx, a.accountID, models.MappingKey{EntityType: entityType, SourceID: sourceID})
}
