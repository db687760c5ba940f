// Package provision creates the target databases of a newly connected workspace.
package provision

import (
	"context"
	"fmt"

	"github.com/stripe-notion-sync/internal/account"
	"github.com/stripe-notion-sync/internal/adapter"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/notionprop"
	"github.com/stripe-notion-sync/internal/registry"
	"github.com/stripe-notion-sync/internal/types"
)

// Provisioner creates one database per entity type under a parent page
type Provisioner struct {
	accounts  *account.Manager
	workspace adapter.WorkspaceClientFactory
}

// NewProvisioner creates a provisioner
func NewProvisioner(accounts *account.Manager, workspace adapter.WorkspaceClientFactory) *Provisioner {
	return &Provisioner{accounts: accounts, workspace: workspace}
}

// EnsureDatabases creates the missing databases under parentPageID, links
// their relation columns and stores the result in the account state.
// Databases already linked under the same parent are reused.
func (p *Provisioner) EnsureDatabases(ctx context.Context, accountID, parentPageID string) (map[types.EntityType]*models.DatabaseRef, error) {
	if parentPageID == "" {
		return nil, apperrors.NewInvalidParameterError("parentPageId", "is required")
	}
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accountId":    accountID,
		"parentPageId": parentPageID,
	})

	actor := p.accounts.Get(accountID)
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
	client := p.workspace.ForAccount(accountID, state.NotionToken)

	refs := make(map[types.EntityType]*models.DatabaseRef)
	if conn := state.NotionConnection; conn != nil && conn.ParentPageID == parentPageID {
		for t, ref := range conn.Databases {
			if ref != nil && ref.PageID != "" {
				refs[t] = &models.DatabaseRef{PageID: ref.PageID, Title: ref.Title, LastError: ref.LastError}
			}
		}
	}

	created := 0
	for _, t := range registry.All() {
		if _, ok := refs[t]; ok {
			continue
		}
		def, _ := registry.Lookup(t)
		id, err := client.CreateDatabase(ctx, parentPageID, def.Title, scalarSchema(def))
		if err != nil {
			return nil, fmt.Errorf("create %s database: %w", t, err)
		}
		refs[t] = &models.DatabaseRef{PageID: id, Title: def.Title}
		created++
	}

	// Relations need every target id, so they are added once all databases exist
	for _, t := range registry.All() {
		schema := relationSchema(t, refs)
		if len(schema) == 0 {
			continue
		}
		if err := client.UpdateDatabase(ctx, refs[t].PageID, schema); err != nil {
			return nil, fmt.Errorf("link %s database: %w", t, err)
		}
	}

	if err := actor.SetNotionPages(ctx, parentPageID, refs); err != nil {
		return nil, err
	}
	logger.WithFields(map[string]interface{}{
		"created": created,
		"reused":  len(refs) - created,
	}).Info("Workspace databases provisioned")
	return refs, nil
}

func scalarSchema(def registry.Definition) map[string]any {
	schema := map[string]any{def.TitleProperty: notionprop.Schema(notionprop.KindTitle)}
	for _, prop := range def.Properties {
		schema[prop.Name] = notionprop.Schema(prop.Kind)
	}
	return schema
}

func relationSchema(t types.EntityType, refs map[types.EntityType]*models.DatabaseRef) map[string]any {
	schema := map[string]any{}
	for _, rel := range registry.Relations(t) {
		target, ok := refs[rel.Target]
		if !ok {
			continue
		}
		schema[rel.Property] = notionprop.RelationSchema(target.PageID)
	}
	return schema
}
