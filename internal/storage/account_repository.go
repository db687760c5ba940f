package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

// AccountRepository handles account state persistence. Linked databases
// live in their own table so each entity type's last error is a row.
type AccountRepository struct {
	db *PostgresDB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *PostgresDB) *AccountRepository {
	return &AccountRepository{db: db}
}

// LoadAccount implements AccountStore
func (r *AccountRepository) LoadAccount(ctx context.Context, accountID string) (*models.AccountState, error) {
	query := `
		SELECT account_id, mode, subscription_status, notion_token, parent_page_id,
			   token_error, created_at, updated_at
		FROM accounts
		WHERE account_id = $1
	`

	var state models.AccountState
	var parentPageID *string
	err := r.db.Pool().QueryRow(ctx, query, accountID).Scan(
		&state.AccountID,
		&state.Mode,
		&state.SubscriptionStatus,
		&state.NotionToken,
		&parentPageID,
		&state.TokenError,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("load account", err)
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT entity_type, page_id, title, last_error
		FROM account_databases
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("load account databases", err)
	}
	defer rows.Close()

	databases := make(map[types.EntityType]*models.DatabaseRef)
	for rows.Next() {
		var entityType types.EntityType
		var ref models.DatabaseRef
		if err := rows.Scan(&entityType, &ref.PageID, &ref.Title, &ref.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan account database: %w", err)
		}
		databases[entityType] = &ref
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("load account databases", err)
	}

	if parentPageID != nil || len(databases) > 0 {
		state.NotionConnection = &models.NotionConnection{Databases: databases}
		if parentPageID != nil {
			state.NotionConnection.ParentPageID = *parentPageID
		}
	}
	return &state, nil
}

// SaveAccount implements AccountStore. The database rows are replaced wholesale.
func (r *AccountRepository) SaveAccount(ctx context.Context, state *models.AccountState) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	var parentPageID *string
	if state.NotionConnection != nil {
		parent := state.NotionConnection.ParentPageID
		parentPageID = &parent
	}

	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO accounts (account_id, mode, subscription_status, notion_token,
				parent_page_id, token_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (account_id) DO UPDATE SET
				mode = EXCLUDED.mode,
				subscription_status = EXCLUDED.subscription_status,
				notion_token = EXCLUDED.notion_token,
				parent_page_id = EXCLUDED.parent_page_id,
				token_error = EXCLUDED.token_error,
				updated_at = EXCLUDED.updated_at
		`,
			state.AccountID,
			state.Mode,
			state.SubscriptionStatus,
			state.NotionToken,
			parentPageID,
			state.TokenError,
			state.CreatedAt,
			state.UpdatedAt,
		)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM account_databases WHERE account_id = $1`, state.AccountID); err != nil {
			return err
		}
		if state.NotionConnection == nil {
			return nil
		}

		batch := &pgx.Batch{}
		for entityType, ref := range state.NotionConnection.Databases {
			if ref == nil {
				continue
			}
			batch.Queue(`
				INSERT INTO account_databases (account_id, entity_type, page_id, title, last_error)
				VALUES ($1, $2, $3, $4, $5)
			`, state.AccountID, entityType, ref.PageID, ref.Title, ref.LastError)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return apperrors.NewDatabaseError("save account", err)
	}
	return nil
}
