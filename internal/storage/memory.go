package storage

import (
	"context"
	"sync"
	"time"

	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

// MemoryStore is an in-process implementation of every store, used by tests
// and single-node development runs. Values are copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	mappings map[string]map[models.MappingKey]models.EntityMapping
	accounts map[string]*models.AccountState
	runs     map[string]*models.BackfillState
	statuses map[string]models.BackfillStatus
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mappings: make(map[string]map[models.MappingKey]models.EntityMapping),
		accounts: make(map[string]*models.AccountState),
		runs:     make(map[string]*models.BackfillState),
		statuses: make(map[string]models.BackfillStatus),
	}
}

// GetMapping implements MappingStore
func (s *MemoryStore) GetMapping(_ context.Context, accountID string, key models.MappingKey) (*models.EntityMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[accountID][key]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// InsertMapping implements MappingStore
func (s *MemoryStore) InsertMapping(_ context.Context, mapping *models.EntityMapping) (*models.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	byKey, ok := s.mappings[mapping.AccountID]
	if !ok {
		byKey = make(map[models.MappingKey]models.EntityMapping)
		s.mappings[mapping.AccountID] = byKey
	}

	key := mapping.Key()
	if existing, ok := byKey[key]; ok {
		if mapping.UpdatedAt.After(existing.UpdatedAt) {
			existing.UpdatedAt = mapping.UpdatedAt
			byKey[key] = existing
		}
		return &existing, nil
	}

	stored := *mapping
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	byKey[key] = stored
	return &stored, nil
}

// TouchMapping implements MappingStore
func (s *MemoryStore) TouchMapping(_ context.Context, accountID string, key models.MappingKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.mappings[accountID][key]; ok {
		m.UpdatedAt = at
		s.mappings[accountID][key] = m
	}
	return nil
}

// CountByType implements MappingCounter
func (s *MemoryStore) CountByType(_ context.Context, accountID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for key := range s.mappings[accountID] {
		counts[string(key.EntityType)]++
	}
	return counts, nil
}

// Mappings returns a snapshot of an account's mappings
func (s *MemoryStore) Mappings(accountID string) []models.EntityMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.EntityMapping, 0, len(s.mappings[accountID]))
	for _, m := range s.mappings[accountID] {
		out = append(out, m)
	}
	return out
}

// LoadAccount implements AccountStore
func (s *MemoryStore) LoadAccount(_ context.Context, accountID string) (*models.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[accountID].Clone(), nil
}

// SaveAccount implements AccountStore
func (s *MemoryStore) SaveAccount(_ context.Context, state *models.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	s.accounts[state.AccountID] = state.Clone()
	return nil
}

// SaveRun implements BackfillRunStore
func (s *MemoryStore) SaveRun(_ context.Context, state *models.BackfillState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[state.FirstRunID] = state.Clone()
	return nil
}

// GetRun implements BackfillRunStore
func (s *MemoryStore) GetRun(_ context.Context, firstRunID string) (*models.BackfillState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[firstRunID].Clone(), nil
}

// LatestRun implements BackfillRunStore
func (s *MemoryStore) LatestRun(_ context.Context, accountID string, mode types.Mode) (*models.BackfillState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.BackfillState
	for _, run := range s.runs {
		if run.AccountID != accountID || run.Mode != mode {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	return latest.Clone(), nil
}

// SetStatus implements StatusStore
func (s *MemoryStore) SetStatus(_ context.Context, mode types.Mode, accountID string, status *models.BackfillStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[progressKey(mode, accountID)] = *status
	return nil
}

// GetStatus implements StatusStore
func (s *MemoryStore) GetStatus(_ context.Context, mode types.Mode, accountID string) (*models.BackfillStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.statuses[progressKey(mode, accountID)]
	if !ok {
		return nil, nil
	}
	return &status, nil
}
