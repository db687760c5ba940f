package processor

import (
	"context"
	"sync/atomic"

	"github.com/stripe-notion-sync/internal/account"
	"github.com/stripe-notion-sync/internal/adapter"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/step"
	"github.com/stripe-notion-sync/internal/types"
)

// Session binds one account's databases, workspace client, actor and step
// runner. It is safe for concurrent ProcessEntityComplete calls; each call
// keeps its own visited set.
type Session struct {
	AccountID string
	Mode      types.Mode
	Databases map[types.EntityType]string
	Workspace adapter.WorkspaceClient
	Runner    step.Runner
	Actor     *account.Actor

	lastProcessed atomic.Int64
}

// EntitiesProcessed returns the pages created or updated by the most recently
// finished call on this session. Concurrent callers should use Result instead.
func (s *Session) EntitiesProcessed() int {
	return int(s.lastProcessed.Load())
}

func (s *Session) account() adapter.Account {
	return adapter.Account{ID: s.AccountID, Mode: s.Mode}
}

// SessionFactory builds sessions from account state
type SessionFactory struct {
	Accounts  *account.Manager
	Workspace adapter.WorkspaceClientFactory
}

// New loads the account and returns a session using runner for its steps.
// A missing token is an auth error and missing databases a configuration error.
func (f *SessionFactory) New(ctx context.Context, accountID string, runner step.Runner) (*Session, error) {
	actor := f.Accounts.Get(accountID)
	state, err := actor.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperrors.NewNotFoundError("account", accountID)
	}
	if state.NotionToken == "" {
		return nil, apperrors.NewAuthError("notion", "account has no workspace access token")
	}
	databases := state.DatabaseMap()
	if len(databases) == 0 {
		return nil, apperrors.NewNotConnectedError(accountID)
	}

	return &Session{
		AccountID: accountID,
		Mode:      state.Mode,
		Databases: databases,
		Workspace: f.Workspace.ForAccount(accountID, state.NotionToken),
		Runner:    runner,
		Actor:     actor,
	}, nil
}
