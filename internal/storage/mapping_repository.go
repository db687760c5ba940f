package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/models"
)

// MappingRepository handles entity mapping persistence
type MappingRepository struct {
	db *PostgresDB
}

// NewMappingRepository creates a new mapping repository
func NewMappingRepository(db *PostgresDB) *MappingRepository {
	return &MappingRepository{db: db}
}

// GetMapping implements MappingStore
func (r *MappingRepository) GetMapping(ctx context.Context, accountID string, key models.MappingKey) (*models.EntityMapping, error) {
	query := `
		SELECT account_id, entity_type, source_id, target_page_id, created_at, updated_at
		FROM entity_mappings
		WHERE account_id = $1 AND entity_type = $2 AND source_id = $3
	`

	var m models.EntityMapping
	err := r.db.Pool().QueryRow(ctx, query, accountID, key.EntityType, key.SourceID).Scan(
		&m.AccountID,
		&m.EntityType,
		&m.SourceID,
		&m.TargetPageID,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get mapping", err)
	}
	return &m, nil
}

// InsertMapping implements MappingStore. On conflict the existing row wins
// and only its updated_at moves forward.
func (r *MappingRepository) InsertMapping(ctx context.Context, mapping *models.EntityMapping) (*models.EntityMapping, error) {
	if mapping.TargetPageID == "" {
		return nil, apperrors.NewInvalidParameterError("targetPageId", "must not be empty")
	}
	now := time.Now().UTC()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	if mapping.UpdatedAt.IsZero() {
		mapping.UpdatedAt = now
	}

	query := `
		INSERT INTO entity_mappings (account_id, entity_type, source_id, target_page_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, entity_type, source_id)
		DO UPDATE SET updated_at = GREATEST(entity_mappings.updated_at, EXCLUDED.updated_at)
		RETURNING account_id, entity_type, source_id, target_page_id, created_at, updated_at
	`

	var stored models.EntityMapping
	err := r.db.Pool().QueryRow(ctx, query,
		mapping.AccountID,
		mapping.EntityType,
		mapping.SourceID,
		mapping.TargetPageID,
		mapping.CreatedAt,
		mapping.UpdatedAt,
	).Scan(
		&stored.AccountID,
		&stored.EntityType,
		&stored.SourceID,
		&stored.TargetPageID,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("insert mapping", err)
	}
	return &stored, nil
}

// TouchMapping implements MappingStore
func (r *MappingRepository) TouchMapping(ctx context.Context, accountID string, key models.MappingKey, at time.Time) error {
	query := `
		UPDATE entity_mappings
		SET updated_at = $4
		WHERE account_id = $1 AND entity_type = $2 AND source_id = $3
	`
	if _, err := r.db.Pool().Exec(ctx, query, accountID, key.EntityType, key.SourceID, at); err != nil {
		return apperrors.NewDatabaseError("touch mapping", err)
	}
	return nil
}

// CountByType returns the number of mappings per entity type for an account
func (r *MappingRepository) CountByType(ctx context.Context, accountID string) (map[string]int64, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT entity_type, COUNT(*)
		FROM entity_mappings
		WHERE account_id = $1
		GROUP BY entity_type
	`, accountID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count mappings", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var entityType string
		var n int64
		if err := rows.Scan(&entityType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan mapping count: %w", err)
		}
		counts[entityType] = n
	}
	return counts, rows.Err()
}
