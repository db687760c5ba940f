package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/stripe-notion-sync/internal/errors"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/registry"
	"github.com/stripe-notion-sync/internal/types"
)

// SetupAccountRequest is the body of POST /api/accounts/{id}/setup
type SetupAccountRequest struct {
	Mode        types.Mode `json:"mode"`
	NotionToken string     `json:"notionToken"`
}

// ConnectNotionRequest is the body of PUT /api/accounts/{id}/notion.
// Without Databases, one database per entity type is created under ParentPageID.
type ConnectNotionRequest struct {
	ParentPageID string                      `json:"parentPageId"`
	Databases    map[types.EntityType]string `json:"databases,omitempty"`
}

// handleSetupAccount handles POST /api/accounts/{id}/setup
func (s *Server) handleSetupAccount(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	var req SetupAccountRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if req.Mode != types.ModeLive && req.Mode != types.ModeTest {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "mode must be 'live' or 'test'", nil)
		return
	}
	if req.NotionToken == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "notionToken is required", nil)
		return
	}

	actor := s.accounts.Get(accountID)
	if err := actor.SetUp(r.Context(), req.Mode, req.NotionToken); err != nil {
		respondAppError(w, r, err)
		return
	}
	state, err := actor.GetStatus(r.Context())
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// handleGetAccount handles GET /api/accounts/{id}
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	state, err := s.accounts.Get(accountID).GetStatus(r.Context())
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	if state == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Account not found", map[string]interface{}{
			"accountId": accountID,
		})
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// handleConnectNotion handles PUT /api/accounts/{id}/notion
func (s *Server) handleConnectNotion(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	ctx := r.Context()

	var req ConnectNotionRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if req.ParentPageID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "parentPageId is required", nil)
		return
	}

	actor := s.accounts.Get(accountID)
	if len(req.Databases) == 0 {
		if _, err := s.provisioner.EnsureDatabases(ctx, accountID, req.ParentPageID); err != nil {
			respondAppError(w, r, err)
			return
		}
	} else {
		refs := make(map[types.EntityType]*models.DatabaseRef, len(req.Databases))
		for entityType, databaseID := range req.Databases {
			def, ok := registry.Lookup(entityType)
			if !ok || databaseID == "" {
				respondAppError(w, r, apperrors.NewInvalidParameterError("databases."+string(entityType), "unknown entity type or empty database id"))
				return
			}
			refs[entityType] = &models.DatabaseRef{PageID: databaseID, Title: def.Title}
		}
		if err := actor.SetNotionPages(ctx, req.ParentPageID, refs); err != nil {
			respondAppError(w, r, err)
			return
		}
	}

	state, err := actor.GetStatus(ctx)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// handleDisconnectNotion handles DELETE /api/accounts/{id}/notion
func (s *Server) handleDisconnectNotion(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	if err := s.accounts.Get(accountID).ClearNotionPages(r.Context()); err != nil {
		respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
