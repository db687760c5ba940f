package storage

import (
	"context"
	"time"

	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

// MappingStore persists entity mappings. A missing mapping is (nil, nil).
type MappingStore interface {
	GetMapping(ctx context.Context, accountID string, key models.MappingKey) (*models.EntityMapping, error)
	// InsertMapping keeps the first write per key and returns the stored row
	InsertMapping(ctx context.Context, mapping *models.EntityMapping) (*models.EntityMapping, error)
	TouchMapping(ctx context.Context, accountID string, key models.MappingKey, at time.Time) error
}

// AccountStore persists account state. A missing account is (nil, nil).
type AccountStore interface {
	LoadAccount(ctx context.Context, accountID string) (*models.AccountState, error)
	SaveAccount(ctx context.Context, state *models.AccountState) error
}

// BackfillRunStore persists the state threaded through a backfill run chain
type BackfillRunStore interface {
	SaveRun(ctx context.Context, state *models.BackfillState) error
	GetRun(ctx context.Context, firstRunID string) (*models.BackfillState, error)
	// LatestRun returns the most recently started run for an account and mode
	LatestRun(ctx context.Context, accountID string, mode types.Mode) (*models.BackfillState, error)
}

// StatusStore is the caller-facing backfill progress store
type StatusStore interface {
	SetStatus(ctx context.Context, mode types.Mode, accountID string, status *models.BackfillStatus) error
	GetStatus(ctx context.Context, mode types.Mode, accountID string) (*models.BackfillStatus, error)
}

// MappingCounter reports how many mappings an account has per entity type
type MappingCounter interface {
	CountByType(ctx context.Context, accountID string) (map[string]int64, error)
}
