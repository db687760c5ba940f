package models

import (
	"time"

	"github.com/stripe-notion-sync/internal/types"
)

// DatabaseRef describes the target database linked for one entity type
type DatabaseRef struct {
	PageID    string  `json:"pageId"`
	Title     string  `json:"title"`
	LastError *string `json:"lastError,omitempty"`
}

// NotionConnection is the workspace side of an account
type NotionConnection struct {
	ParentPageID string                             `json:"parentPageId"`
	Databases    map[types.EntityType]*DatabaseRef `json:"databases"`
}

// AccountState is the per-account persistent state owned by the account actor.
// It is created on first contact and never deleted; ClearNotionPages only resets databases.
type AccountState struct {
	AccountID          string                   `json:"accountId" db:"account_id"`
	Mode               types.Mode               `json:"mode" db:"mode"`
	SubscriptionStatus types.SubscriptionStatus `json:"subscriptionStatus" db:"subscription_status"`
	NotionToken        string                   `json:"-" db:"notion_token"`
	NotionConnection   *NotionConnection        `json:"notionConnection,omitempty"`
	TokenError         *string                  `json:"tokenError,omitempty" db:"token_error"`
	CreatedAt          time.Time                `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time                `json:"updatedAt" db:"updated_at"`
}

// Clone returns a deep copy so callers never share memory with the actor
func (s *AccountState) Clone() *AccountState {
	if s == nil {
		return nil
	}
	out := *s
	if s.TokenError != nil {
		msg := *s.TokenError
		out.TokenError = &msg
	}
	if s.NotionConnection != nil {
		conn := &NotionConnection{
			ParentPageID: s.NotionConnection.ParentPageID,
			Databases:    make(map[types.EntityType]*DatabaseRef, len(s.NotionConnection.Databases)),
		}
		for t, ref := range s.NotionConnection.Databases {
			if ref == nil {
				continue
			}
			copied := *ref
			if ref.LastError != nil {
				msg := *ref.LastError
				copied.LastError = &msg
			}
			conn.Databases[t] = &copied
		}
		out.NotionConnection = conn
	}
	return &out
}

// DatabaseMap returns entity type -> target database id
func (s *AccountState) DatabaseMap() map[types.EntityType]string {
	out := make(map[types.EntityType]string)
	if s == nil || s.NotionConnection == nil {
		return out
	}
	for t, ref := range s.NotionConnection.Databases {
		if ref != nil && ref.PageID != "" {
			out[t] = ref.PageID
		}
	}
	return out
}

// IsConnected reports whether any target database is linked
func (s *AccountState) IsConnected() bool {
	return len(s.DatabaseMap()) > 0
}
