package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

// ProgressStore keeps the latest BackfillStatus per (mode, account) in Redis
type ProgressStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewProgressStore creates a progress store; a non-positive ttl keeps records forever
func NewProgressStore(client redis.Cmdable, ttl time.Duration) *ProgressStore {
	if ttl < 0 {
		ttl = 0
	}
	return &ProgressStore{client: client, ttl: ttl}
}

func progressKey(mode types.Mode, accountID string) string {
	return fmt.Sprintf("backfill:status:%s:%s", mode, accountID)
}

// SetStatus implements StatusStore
func (s *ProgressStore) SetStatus(ctx context.Context, mode types.Mode, accountID string, status *models.BackfillStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal backfill status: %w", err)
	}
	if err := s.client.Set(ctx, progressKey(mode, accountID), data, s.ttl).Err(); err != nil {
		return apperrors.NewCacheError("set backfill status", err)
	}
	return nil
}

// GetStatus implements StatusStore. An unknown account is (nil, nil).
func (s *ProgressStore) GetStatus(ctx context.Context, mode types.Mode, accountID string) (*models.BackfillStatus, error) {
	data, err := s.client.Get(ctx, progressKey(mode, accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, apperrors.NewCacheError("get backfill status", err)
	}

	var status models.BackfillStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backfill status: %w", err)
	}
	return &status, nil
}
