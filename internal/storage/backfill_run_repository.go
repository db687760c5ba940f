package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

// BackfillRunRepository persists backfill run state as JSONB, one row per run chain
type BackfillRunRepository struct {
	db *PostgresDB
}

// NewBackfillRunRepository creates a new backfill run repository
func NewBackfillRunRepository(db *PostgresDB) *BackfillRunRepository {
	return &BackfillRunRepository{db: db}
}

// SaveRun implements BackfillRunStore
func (r *BackfillRunRepository) SaveRun(ctx context.Context, state *models.BackfillState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal backfill state: %w", err)
	}

	query := `
		INSERT INTO backfill_runs (first_run_id, account_id, mode, seq, completed, state, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (first_run_id) DO UPDATE SET
			seq = EXCLUDED.seq,
			completed = EXCLUDED.completed,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.Pool().Exec(ctx, query,
		state.FirstRunID,
		state.AccountID,
		state.Mode,
		state.Seq,
		state.AllCompleted(),
		stateJSON,
		state.StartedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return apperrors.NewDatabaseError("save backfill run", err)
	}
	return nil
}

// GetRun implements BackfillRunStore
func (r *BackfillRunRepository) GetRun(ctx context.Context, firstRunID string) (*models.BackfillState, error) {
	return r.scanOne(ctx, `SELECT state FROM backfill_runs WHERE first_run_id = $1`, firstRunID)
}

// LatestRun implements BackfillRunStore
func (r *BackfillRunRepository) LatestRun(ctx context.Context, accountID string, mode types.Mode) (*models.BackfillState, error) {
	return r.scanOne(ctx, `
		SELECT state FROM backfill_runs
		WHERE account_id = $1 AND mode = $2
		ORDER BY started_at DESC
		LIMIT 1
	`, accountID, mode)
}

func (r *BackfillRunRepository) scanOne(ctx context.Context, query string, args ...any) (*models.BackfillState, error) {
	var stateJSON []byte
	if err := r.db.Pool().QueryRow(ctx, query, args...).Scan(&stateJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get backfill run", err)
	}

	var state models.BackfillState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backfill state: %w", err)
	}
	return &state, nil
}
