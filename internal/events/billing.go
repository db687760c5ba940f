package events

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

// BillingAccountKey is the subscription metadata key naming the synced account
const BillingAccountKey = "account_id"

var knownStatuses = map[types.SubscriptionStatus]bool{
	types.SubscriptionActive:     true,
	types.SubscriptionTrialing:   true,
	types.SubscriptionPastDue:    true,
	types.SubscriptionCanceled:   true,
	types.SubscriptionUnpaid:     true,
	types.SubscriptionIncomplete: true,
}

// HandleBillingEvent applies lifecycle events of an account's own subscription
// to the product. Subscriptions are tied to accounts through metadata.
func (r *Router) HandleBillingEvent(ctx context.Context, ev *models.Event) (*Outcome, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"eventId":   ev.ID,
		"eventType": ev.Type,
	})
	if !strings.HasPrefix(ev.Type, "customer.subscription.") {
		return skipped(ReasonIgnored), nil
	}

	obj := gjson.ParseBytes(ev.Object)
	accountID := obj.Get("metadata." + BillingAccountKey).String()
	if accountID == "" {
		logger.Warn("Billing subscription has no account metadata")
		return skipped(ReasonUnknownAccount), nil
	}

	status := types.SubscriptionStatus(obj.Get("status").String())
	if ev.Type == "customer.subscription.deleted" {
		status = types.SubscriptionCanceled
	}
	if !knownStatuses[status] {
		// incomplete_expired, paused and future statuses do not allow syncing
		status = types.SubscriptionNone
	}

	if err := r.accounts.Get(accountID).SetSubscriptionStatus(ctx, status); err != nil {
		return nil, err
	}
	logger.WithFields(map[string]interface{}{
		"accountId": accountID,
		"status":    status,
	}).Info("Subscription status updated")
	return &Outcome{SourceID: obj.Get("id").String()}, nil
}
