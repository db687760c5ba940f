package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stripe-notion-sync/internal/types"
)

// handleStartBackfill handles POST /api/accounts/{id}/backfill
func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	run, err := s.backfill.Start(r.Context(), accountID)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

// handleResumeBackfill handles POST /api/accounts/{id}/backfill/resume
func (s *Server) handleResumeBackfill(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	run, err := s.backfill.Resume(r.Context(), accountID)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

// handleBackfillStatus handles GET /api/accounts/{id}/backfill/status?mode=
// The account's own mode is used when mode is omitted.
func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	ctx := r.Context()

	var mode types.Mode
	switch raw := r.URL.Query().Get("mode"); raw {
	case string(types.ModeLive), string(types.ModeTest):
		mode = types.Mode(raw)
	case "":
		state, err := s.accounts.Get(accountID).GetStatus(ctx)
		if err != nil {
			respondAppError(w, r, err)
			return
		}
		if state == nil {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "Account not found", nil)
			return
		}
		mode = state.Mode
	default:
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "mode must be 'live' or 'test'", nil)
		return
	}

	status, err := s.backfill.Status(ctx, mode, accountID)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	if status == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "No backfill recorded", map[string]interface{}{
			"accountId": accountID,
			"mode":      mode,
		})
		return
	}
	respondJSON(w, http.StatusOK, status)
}
