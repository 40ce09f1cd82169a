package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, code core.ErrorCode, message string) {
	writeJSON(w, status, core.NewErrorEnvelope(code, message))
}

// writeStoreError maps store errors onto the edge envelope.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, core.ErrNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, core.ErrValidation, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, core.ErrStoreUnavailable, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "invalid request body: "+err.Error())
		return false
	}
	return true
}
