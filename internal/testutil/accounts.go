package testutil

import (
	"context"

	"github.com/stripe-notion-sync/internal/account"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/registry"
	"github.com/stripe-notion-sync/internal/types"
)

// DatabaseID is the database id Connect links for t
func DatabaseID(t types.EntityType) string {
	return "db_" + string(t)
}

// Connect sets up an active, connected account with one database per entity
// type (all registry types when none are given)
func Connect(ctx context.Context, actor *account.Actor, mode types.Mode, only ...types.EntityType) error {
	if err := actor.SetUp(ctx, mode, "secret_token"); err != nil {
		return err
	}
	if err := actor.SetSubscriptionStatus(ctx, types.SubscriptionActive); err != nil {
		return err
	}
	if len(only) == 0 {
		only = registry.All()
	}
	databases := make(map[types.EntityType]*models.DatabaseRef, len(only))
	for _, t := range only {
		databases[t] = &models.DatabaseRef{PageID: DatabaseID(t), Title: string(t)}
	}
	return actor.SetNotionPages(ctx, "parent_page", databases)
}
