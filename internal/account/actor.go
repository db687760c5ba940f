// Package account owns per-account state. Each account is served by one
// actor goroutine that is the only reader and writer of the account's state
// and of its in-flight upsert table; callers reach it through its mailbox.
package account

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/metrics"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/storage"
	"github.com/stripe-notion-sync/internal/types"
)

// ErrStopped is returned for messages sent to a stopped actor
var ErrStopped = errors.New("account actor stopped")

// errUnchanged lets a mutation skip the write
var errUnchanged = errors.New("unchanged")

// Locker extends per-key exclusion across processes
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// Options configures actors created by a Manager
type Options struct {
	Accounts storage.AccountStore
	Mappings storage.MappingStore
	// Locker is optional; without it exclusion is per process
	Locker  Locker
	LockTTL time.Duration
	Metrics *metrics.Metrics
	// MailboxSize bounds queued messages per account
	MailboxSize int
}

type message func(st *actorState)

// actorState is touched only by the actor goroutine
type actorState struct {
	loaded   bool
	account  *models.AccountState
	inflight map[models.MappingKey]*inflightOp
}

// Actor serializes all state access for one account
type Actor struct {
	accountID string
	opts      Options
	now       func() time.Time

	mailbox  chan message
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newActor(accountID string, opts Options) *Actor {
	size := opts.MailboxSize
	if size <= 0 {
		size = 64
	}
	a := &Actor{
		accountID: accountID,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		mailbox:   make(chan message, size),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go a.loop()
	return a
}

// AccountID returns the account this actor serves
func (a *Actor) AccountID() string {
	return a.accountID
}

func (a *Actor) loop() {
	defer close(a.done)
	st := &actorState{inflight: make(map[models.MappingKey]*inflightOp)}
	for {
		select {
		case msg := <-a.mailbox:
			msg(st)
		case <-a.stop:
			// Drain what was queued before the stop so no caller is left waiting
			for {
				select {
				case msg := <-a.mailbox:
					msg(st)
				default:
					return
				}
			}
		}
	}
}

// Stop ends the actor loop after the queued messages are handled
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

// send posts msg to the mailbox
func (a *Actor) send(ctx context.Context, msg message) error {
	select {
	case <-a.stop:
		return ErrStopped
	default:
	}
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the actor goroutine and waits for it to finish
func (a *Actor) call(ctx context.Context, fn func(st *actorState) error) error {
	result := make(chan error, 1)
	if err := a.send(ctx, func(st *actorState) { result <- fn(st) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) ensureLoaded(ctx context.Context, st *actorState) error {
	if st.loaded {
		return nil
	}
	account, err := a.opts.Accounts.LoadAccount(ctx, a.accountID)
	if err != nil {
		return err
	}
	st.account = account
	st.loaded = true
	return nil
}

// mutate applies fn to a copy of the state, persists it, then publishes it.
// The account is created on first contact.
func (a *Actor) mutate(ctx context.Context, fn func(s *models.AccountState) error) error {
	return a.call(ctx, func(st *actorState) error {
		if err := a.ensureLoaded(ctx, st); err != nil {
			return err
		}
		next := st.account.Clone()
		if next == nil {
			next = &models.AccountState{
				AccountID:          a.accountID,
				Mode:               types.ModeLive,
				SubscriptionStatus: types.SubscriptionNone,
				CreatedAt:          a.now(),
			}
		}
		if err := fn(next); err != nil {
			if errors.Is(err, errUnchanged) {
				return nil
			}
			return err
		}
		next.UpdatedAt = a.now()
		if err := a.opts.Accounts.SaveAccount(ctx, next); err != nil {
			return err
		}
		st.account = next
		return nil
	})
}

// GetStatus returns a copy of the account state, or nil for an unknown account
func (a *Actor) GetStatus(ctx context.Context) (*models.AccountState, error) {
	var out *models.AccountState
	err := a.call(ctx, func(st *actorState) error {
		if err := a.ensureLoaded(ctx, st); err != nil {
			return err
		}
		out = st.account.Clone()
		return nil
	})
	return out, err
}

// SetUp records the account's mode and workspace token and clears any token error
func (a *Actor) SetUp(ctx context.Context, mode types.Mode, notionToken string) error {
	return a.mutate(ctx, func(s *models.AccountState) error {
		s.Mode = mode
		if notionToken != "" {
			s.NotionToken = notionToken
			s.TokenError = nil
		}
		return nil
	})
}

// SetSubscriptionStatus records the account's own subscription status
func (a *Actor) SetSubscriptionStatus(ctx context.Context, status types.SubscriptionStatus) error {
	return a.mutate(ctx, func(s *models.AccountState) error {
		s.SubscriptionStatus = status
		return nil
	})
}

// SetNotionPages links the parent page and the per-type databases
func (a *Actor) SetNotionPages(ctx context.Context, parentPageID string, databases map[types.EntityType]*models.DatabaseRef) error {
	if parentPageID == "" {
		return apperrors.NewInvalidParameterError("parentPageId", "must not be empty")
	}
	return a.mutate(ctx, func(s *models.AccountState) error {
		conn := &models.NotionConnection{
			ParentPageID: parentPageID,
			Databases:    make(map[types.EntityType]*models.DatabaseRef, len(databases)),
		}
		for t, ref := range databases {
			if ref == nil || ref.PageID == "" {
				continue
			}
			copied := *ref
			conn.Databases[t] = &copied
		}
		s.NotionConnection = conn
		return nil
	})
}

// ClearNotionPages unlinks every database. Mappings are kept.
func (a *Actor) ClearNotionPages(ctx context.Context) error {
	return a.mutate(ctx, func(s *models.AccountState) error {
		s.NotionConnection = nil
		return nil
	})
}

// SetEntityError records or clears (nil) the last error for one entity type's database
func (a *Actor) SetEntityError(ctx context.Context, entityType types.EntityType, message *string) error {
	return a.mutate(ctx, func(s *models.AccountState) error {
		if s.NotionConnection == nil {
			return errUnchanged
		}
		ref, ok := s.NotionConnection.Databases[entityType]
		if !ok || ref == nil || sameMessage(ref.LastError, message) {
			return errUnchanged
		}
		ref.LastError = message
		return nil
	})
}

// SetTokenError records or clears (nil) a workspace token failure
func (a *Actor) SetTokenError(ctx context.Context, message *string) error {
	return a.mutate(ctx, func(s *models.AccountState) error {
		if sameMessage(s.TokenError, message) {
			return errUnchanged
		}
		s.TokenError = message
		return nil
	})
}

func sameMessage(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (a *Actor) logger(ctx context.Context) *logging.Logger {
	return logging.FromContext(ctx).WithField("accountId", a.accountID)
}
