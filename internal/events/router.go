// Package events routes change events from the payments platform to the
// entity processor, and billing events to the account's subscription state.
package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stripe-notion-sync/internal/account"
	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/metrics"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/processor"
	"github.com/stripe-notion-sync/internal/ratelimit"
	"github.com/stripe-notion-sync/internal/registry"
	"github.com/stripe-notion-sync/internal/step"
	"github.com/stripe-notion-sync/internal/types"
)

// Skip reasons
const (
	ReasonUnknownAccount  = "unknown_account"
	ReasonInactive        = "subscription_inactive"
	ReasonNotConnected    = "not_connected"
	ReasonModeMismatch    = "mode_mismatch"
	ReasonUnsupportedKind = "unsupported_kind"
	ReasonMissingID       = "missing_id"
	ReasonIgnored         = "ignored"
)

// Outcome describes what happened to one event
type Outcome struct {
	Skipped           bool                  `json:"skipped"`
	Reason            string                `json:"reason,omitempty"`
	EntityType        types.EntityType      `json:"entityType,omitempty"`
	SourceID          string                `json:"sourceId,omitempty"`
	Mapping           *models.EntityMapping `json:"mapping,omitempty"`
	EntitiesProcessed int                   `json:"entitiesProcessed"`
}

func skipped(reason string) *Outcome {
	return &Outcome{Skipped: true, Reason: reason}
}

// ParseEvent decodes an event envelope. The changed object is kept raw.
func ParseEvent(body []byte) (*models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, apperrors.NewInvalidParameterError("body", "not a valid event: "+err.Error())
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, apperrors.NewInvalidParameterError("body", "event id and type are required")
	}
	object := gjson.GetBytes(body, "data.object")
	if !object.IsObject() {
		return nil, apperrors.NewInvalidParameterError("data.object", "must be an object")
	}
	ev.Object = json.RawMessage(object.Raw)
	return &ev, nil
}

// Router dispatches events
type Router struct {
	accounts  *account.Manager
	sessions  *processor.SessionFactory
	processor *processor.Processor
	steps     step.Factory
	metrics   *metrics.Metrics
}

// NewRouter creates a router. Steps are keyed by event id so a redelivered
// event skips the writes that already completed.
func NewRouter(accounts *account.Manager, sessions *processor.SessionFactory, proc *processor.Processor, steps step.Factory, m *metrics.Metrics) *Router {
	return &Router{accounts: accounts, sessions: sessions, processor: proc, steps: steps, metrics: m}
}

// HandleEvent syncs the object an event addresses. Events for accounts that
// cannot sync, and objects the engine does not mirror, are skipped without error.
func (r *Router) HandleEvent(ctx context.Context, ev *models.Event) (*Outcome, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"eventId":   ev.ID,
		"eventType": ev.Type,
		"accountId": ev.AccountID,
	})
	ctx = logging.WithLogger(ratelimit.WithPriority(ctx, ratelimit.PriorityHigh), logger)

	out, err := r.route(ctx, ev)
	switch {
	case err != nil:
		r.metrics.Event("failed")
		logger.WithError(err).Warn("Event processing failed")
	case out.Skipped:
		r.metrics.Event("skipped")
		logger.WithField("reason", out.Reason).Info("Event skipped")
	default:
		r.metrics.Event("processed")
		logger.WithFields(map[string]interface{}{
			"entityType":        out.EntityType,
			"sourceId":          out.SourceID,
			"entitiesProcessed": out.EntitiesProcessed,
		}).Info("Event processed")
	}
	return out, err
}

func (r *Router) route(ctx context.Context, ev *models.Event) (*Outcome, error) {
	if ev.AccountID == "" {
		return skipped(ReasonUnknownAccount), nil
	}
	state, err := r.accounts.Get(ev.AccountID).GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case state == nil:
		return skipped(ReasonUnknownAccount), nil
	case !state.SubscriptionStatus.IsActive():
		return skipped(ReasonInactive), nil
	case !state.IsConnected():
		return skipped(ReasonNotConnected), nil
	case state.Mode != ev.Mode():
		return skipped(ReasonModeMismatch), nil
	}

	obj := gjson.ParseBytes(ev.Object)
	kind, ok := registry.KindOf(obj.Get("object").String())
	if !ok {
		return skipped(ReasonUnsupportedKind), nil
	}
	id := obj.Get("id").String()
	if id == "" {
		return skipped(ReasonMissingID), nil
	}

	session, err := r.sessions.New(ctx, ev.AccountID, r.steps.New(ev.ID))
	if err != nil {
		return nil, err
	}
	deleted := strings.HasSuffix(ev.Type, ".deleted")

	if kind == types.EntityDiscount {
		res, err := r.processor.ProcessDiscountEvent(ctx, session, ev.Object, deleted)
		if err != nil {
			return nil, err
		}
		return &Outcome{EntityType: kind, SourceID: id, Mapping: res.Mapping, EntitiesProcessed: res.EntitiesProcessed}, nil
	}

	opts := processor.Options{ForceUpdate: true}
	if def, _ := registry.Lookup(kind); deleted || def.Owned {
		// Deleted objects can no longer be retrieved; owned ones never could be
		opts.Raw = ev.Object
	}
	res, err := r.processor.ProcessEntityComplete(ctx, session, kind, id, opts)
	if err != nil {
		if apperrors.IsConfigurationError(err) {
			// The type has no database linked for this account
			return skipped(ReasonIgnored), nil
		}
		return nil, err
	}
	return &Outcome{EntityType: kind, SourceID: id, Mapping: res.Mapping, EntitiesProcessed: res.EntitiesProcessed}, nil
}
