package adapter

import (
	"context"
	"encoding/json"

	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/notionprop"
	"github.com/stripe-notion-sync/internal/types"
)

// Account addresses one connected payments account in one mode
type Account struct {
	ID   string
	Mode types.Mode
}

// PaymentsClient reads objects from the payments platform
type PaymentsClient interface {
	// List returns one page of entityType, oldest cursor first, after startingAfter
	List(ctx context.Context, acct Account, entityType types.EntityType, startingAfter string, limit int) (*models.ListPage, error)

	// Retrieve fetches one object with the requested expansions
	Retrieve(ctx context.Context, acct Account, entityType types.EntityType, id string, expand []string) (json.RawMessage, error)

	// ListPath pages an arbitrary list endpoint such as an invoice's lines
	ListPath(ctx context.Context, acct Account, path, startingAfter string, limit int) (*models.ListPage, error)
}

// WorkspaceClient writes pages and databases on the workspace platform.
// Implementations are bound to one account's access token.
type WorkspaceClient interface {
	// QueryByTitle finds a page in databaseID whose title equals title
	QueryByTitle(ctx context.Context, databaseID, titleProperty, title string) (pageID string, found bool, err error)

	// CreatePage creates a page in databaseID and returns its id
	CreatePage(ctx context.Context, databaseID string, props notionprop.Properties) (string, error)

	// UpdatePage overwrites the given properties of pageID
	UpdatePage(ctx context.Context, pageID string, props notionprop.Properties) error

	// CreateDatabase creates a database under parentPageID and returns its id
	CreateDatabase(ctx context.Context, parentPageID, title string, schema map[string]any) (string, error)

	// UpdateDatabase adds or changes properties of databaseID
	UpdateDatabase(ctx context.Context, databaseID string, schema map[string]any) error
}

// WorkspaceClientFactory binds a WorkspaceClient to an account's token
type WorkspaceClientFactory interface {
	ForAccount(accountID, token string) WorkspaceClient
}

// WorkspaceClientFactoryFunc adapts a function to WorkspaceClientFactory
type WorkspaceClientFactoryFunc func(accountID, token string) WorkspaceClient

// ForAccount implements WorkspaceClientFactory
func (f WorkspaceClientFactoryFunc) ForAccount(accountID, token string) WorkspaceClient {
	return f(accountID, token)
}
