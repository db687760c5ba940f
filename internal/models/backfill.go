package models

import (
	"time"

	"github.com/stripe-notion-sync/internal/types"
)

// EntityBackfillStatus is the per-entity-type state machine:
// not-started -> started(cursor=nil) -> started(cursor=X)* -> completed
type EntityBackfillStatus struct {
	Started       bool    `json:"started"`
	Completed     bool    `json:"completed"`
	StartingAfter *string `json:"startingAfter,omitempty"`
}

// BackfillState is threaded through every tick of one backfill run chain
type BackfillState struct {
	AccountID          string                                     `json:"accountId"`
	Mode               types.Mode                                 `json:"mode"`
	EntitiesToBackfill []types.EntityType                         `json:"entitiesToBackfill"`
	EntityStatus       map[types.EntityType]*EntityBackfillStatus `json:"entityStatus"`
	EntitiesProcessed  int64                                      `json:"entitiesProcessed"`
	FirstRunID         string                                     `json:"firstRunId"`
	MostRecentRunID    string                                     `json:"mostRecentRunId"`
	Seq                int64                                      `json:"seq"`
	StartedAt          time.Time                                  `json:"startedAt"`
	FinishedAt         *time.Time                                 `json:"finishedAt,omitempty"`
}

// NewBackfillState creates the initial state for a run chain
func NewBackfillState(accountID string, mode types.Mode, order []types.EntityType, runID string, now time.Time) *BackfillState {
	entities := make([]types.EntityType, len(order))
	copy(entities, order)
	status := make(map[types.EntityType]*EntityBackfillStatus, len(order))
	for _, t := range order {
		status[t] = &EntityBackfillStatus{}
	}
	return &BackfillState{
		AccountID:          accountID,
		Mode:               mode,
		EntitiesToBackfill: entities,
		EntityStatus:       status,
		FirstRunID:         runID,
		MostRecentRunID:    runID,
		StartedAt:          now,
	}
}

// CurrentEntity returns the first entity type in order that is not completed
func (s *BackfillState) CurrentEntity() (types.EntityType, bool) {
	for _, t := range s.EntitiesToBackfill {
		st := s.EntityStatus[t]
		if st == nil || !st.Completed {
			return t, true
		}
	}
	return "", false
}

// AllCompleted reports whether every entity type has been paginated to the end
func (s *BackfillState) AllCompleted() bool {
	_, ok := s.CurrentEntity()
	return !ok
}

// StatusFor returns the status for an entity type, creating it if absent
func (s *BackfillState) StatusFor(t types.EntityType) *EntityBackfillStatus {
	if s.EntityStatus == nil {
		s.EntityStatus = make(map[types.EntityType]*EntityBackfillStatus)
	}
	st, ok := s.EntityStatus[t]
	if !ok || st == nil {
		st = &EntityBackfillStatus{}
		s.EntityStatus[t] = st
	}
	return st
}

// Clone returns a deep copy
func (s *BackfillState) Clone() *BackfillState {
	if s == nil {
		return nil
	}
	out := *s
	out.EntitiesToBackfill = append([]types.EntityType(nil), s.EntitiesToBackfill...)
	out.EntityStatus = make(map[types.EntityType]*EntityBackfillStatus, len(s.EntityStatus))
	for t, st := range s.EntityStatus {
		if st == nil {
			continue
		}
		copied := *st
		if st.StartingAfter != nil {
			cursor := *st.StartingAfter
			copied.StartingAfter = &cursor
		}
		out.EntityStatus[t] = &copied
	}
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		out.FinishedAt = &finished
	}
	return &out
}

// BackfillStatus is the progress-store record polled by callers.
// Overwritten on every tick.
type BackfillStatus struct {
	Status           types.BackfillStatusValue `json:"status"`
	RecordsProcessed int64                     `json:"recordsProcessed"`
	StartedAt        time.Time                 `json:"startedAt"`
	FinishedAt       *time.Time                `json:"finishedAt,omitempty"`
	CurrentEntity    *types.EntityType         `json:"currentEntity,omitempty"`
	Error            *string                   `json:"error,omitempty"`
}
