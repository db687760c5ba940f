package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe-notion-sync/internal/types"
)

// SourceEntity is an object as fetched (and expanded) from the payments platform
type SourceEntity struct {
	EntityType types.EntityType `json:"entityType"`
	SourceID   string           `json:"sourceId"`
	Raw        json.RawMessage  `json:"rawPayload"`
}

// MappingKey identifies a mapping within one account
type MappingKey struct {
	EntityType types.EntityType
	SourceID   string
}

// String returns the canonical "<type>:<id>" form of the key
func (k MappingKey) String() string {
	return fmt.Sprintf("%s:%s", k.EntityType, k.SourceID)
}

// EntityMapping associates a source entity with its target page.
// Unique per (account, entity type, source id); created once.
type EntityMapping struct {
	AccountID    string           `json:"accountId" db:"account_id"`
	EntityType   types.EntityType `json:"entityType" db:"entity_type"`
	SourceID     string           `json:"sourceId" db:"source_id"`
	TargetPageID string           `json:"targetPageId" db:"target_page_id"`
	CreatedAt    time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time        `json:"updatedAt" db:"updated_at"`
}

// Key returns the mapping key
func (m *EntityMapping) Key() MappingKey {
	return MappingKey{EntityType: m.EntityType, SourceID: m.SourceID}
}

// ListPage is one page of a cursor-paginated list call
type ListPage struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
}

// Event is an inbound change event from the payments platform
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	AccountID string          `json:"account"`
	Livemode  bool            `json:"livemode"`
	Created   int64           `json:"created"`
	Object    json.RawMessage `json:"-"`
}

// Mode returns the mode the event was emitted in
func (e *Event) Mode() types.Mode {
	if e.Livemode {
		return types.ModeLive
	}
	return types.ModeTest
}
