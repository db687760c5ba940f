package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/stripe-notion-sync/internal/events"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/models"
)

// maxWebhookBytes bounds an event body
const maxWebhookBytes = 1 << 20

// handleStripeWebhook handles change events of connected accounts
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, s.config.WebhookSecret, s.events.HandleEvent)
}

// handleBillingWebhook handles the product's own subscription events
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, s.config.BillingWebhookSecret, s.events.HandleBillingEvent)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, secret string,
	handle func(context.Context, *models.Event) (*events.Outcome, error)) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Could not read request body", nil)
		return
	}
	if len(body) > maxWebhookBytes {
		respondError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidInput, "Event body too large", nil)
		return
	}

	if secret != "" {
		err := VerifySignature(body, r.Header.Get(SignatureHeader), secret, s.config.SignatureTolerance)
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Webhook signature rejected")
			respondError(w, http.StatusBadRequest, ErrCodeInvalidSignature, err.Error(), nil)
			return
		}
	}

	ev, err := events.ParseEvent(body)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	out, err := handle(r.Context(), ev)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Request cancelled", nil)
			return
		}
		// Non-2xx makes the platform redeliver; completed steps are not repeated
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}
