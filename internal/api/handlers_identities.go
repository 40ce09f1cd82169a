package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/store"
)

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	f := store.IdentityFilter{
		Status: core.IdentityStatus(r.URL.Query().Get("status")),
		Page:   queryInt(r, "page", 1),
		Size:   queryInt(r, "size", 50),
	}
	identities, total, err := s.deps.Store.ListIdentities(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identities": identities,
		"total":      total,
		"page":       f.Page,
		"size":       f.Size,
	})
}

// handleGetIdentity returns an identity with its linked applications.
func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	ident, err := s.deps.Store.GetIdentity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	apps, err := s.deps.Store.ListApplicationsByIdentity(r.Context(), ident.IdentityID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity":     ident,
		"applications": apps,
	})
}

func (s *Server) handleMergeIdentity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetIdentityID string `json:"target_identity_id"`
		Reason           string `json:"reason"`
		ActorID          string `json:"actor_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TargetIdentityID == "" || body.Reason == "" {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "target_identity_id and reason are required")
		return
	}

	sourceID := mux.Vars(r)["id"]
	if err := s.deps.Identity.Merge(r.Context(), sourceID, body.TargetIdentityID, body.Reason, body.ActorID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source_identity_id": sourceID,
		"target_identity_id": body.TargetIdentityID,
		"status":             core.IdentityMerged,
	})
}

func (s *Server) handleSuspendIdentity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason  string `json:"reason"`
		ActorID string `json:"actor_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "reason is required")
		return
	}

	identityID := mux.Vars(r)["id"]
	if err := s.deps.Identity.Suspend(r.Context(), identityID, body.Reason, body.ActorID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity_id": identityID,
		"status":      core.IdentitySuspended,
	})
}
