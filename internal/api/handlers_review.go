package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/identity"
	"github.com/enrolid/backend/internal/store"
)

// handleListPendingReview lists applications awaiting a human decision.
func (s *Server) handleListPendingReview(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		Status: core.StatusPendingReview,
		Page:   queryInt(r, "page", 1),
		Size:   queryInt(r, "size", 50),
	}
	apps, total, err := s.deps.Store.ListApplications(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	type summary struct {
		ApplicationID string  `json:"application_id"`
		FullName      string  `json:"full_name"`
		BestScore     float64 `json:"best_score"`
		Band          string  `json:"band"`
		Color         string  `json:"color"`
		ReviewReason  string  `json:"review_reason"`
		SubmittedAt   string  `json:"submitted_at"`
	}
	out := make([]summary, 0, len(apps))
	for _, app := range apps {
		best := 0.0
		if len(app.Result.Matches) > 0 {
			best = app.Result.Matches[0].Score
		}
		band := s.deps.Dedup.BandFor(best)
		out = append(out, summary{
			ApplicationID: app.ApplicationID,
			FullName:      app.Applicant.FullName,
			BestScore:     best,
			Band:          string(band),
			Color:         bandColor(band),
			ReviewReason:  app.Result.ReviewReason,
			SubmittedAt:   app.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": out,
		"total": total,
		"page":  f.Page,
		"size":  f.Size,
	})
}

// matchDetail is one candidate in a review case, enriched with the matched
// applicant's fields and per-field agreement flags.
type matchDetail struct {
	ApplicationID string  `json:"application_id"`
	IdentityID    string  `json:"identity_id,omitempty"`
	Score         float64 `json:"score"`
	Band          string  `json:"band"`
	Borderline    bool    `json:"borderline"`

	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
	Status      string `json:"status"`

	NameMatch  bool `json:"name_match"`
	DOBMatch   bool `json:"dob_match"`
	EmailMatch bool `json:"email_match"`
	PhoneMatch bool `json:"phone_match"`
}

// handleGetReviewCase returns the full decision context for one case.
func (s *Server) handleGetReviewCase(w http.ResponseWriter, r *http.Request) {
	app, err := s.deps.Store.GetApplication(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}

	matches := make([]matchDetail, 0, len(app.Result.Matches))
	for _, m := range app.Result.Matches {
		det := matchDetail{
			ApplicationID: m.ApplicationID,
			IdentityID:    m.IdentityID,
			Score:         m.Score,
			Band:          string(s.deps.Dedup.BandFor(m.Score)),
			Borderline:    s.deps.Dedup.Borderline(m.Score),
		}
		if matched, err := s.deps.Store.GetApplication(r.Context(), m.ApplicationID); err == nil {
			det.FullName = matched.Applicant.FullName
			det.DateOfBirth = matched.Applicant.DateOfBirth
			det.Status = string(matched.Processing.Status)
			det.NameMatch = fieldEqual(app.Applicant.FullName, matched.Applicant.FullName)
			det.DOBMatch = fieldEqual(app.Applicant.DateOfBirth, matched.Applicant.DateOfBirth)
			det.EmailMatch = app.Applicant.Email != "" && fieldEqual(app.Applicant.Email, matched.Applicant.Email)
			det.PhoneMatch = app.Applicant.Phone != "" && fieldEqual(app.Applicant.Phone, matched.Applicant.Phone)
		}
		matches = append(matches, det)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"application":   app,
		"matches":       matches,
		"review_reason": app.Result.ReviewReason,
		"threshold":     s.deps.Dedup.Threshold(),
	})
}

func fieldEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// bandColor is the UI hint derived on the server so every client renders
// the same traffic light.
func bandColor(band core.Band) string {
	switch band {
	case core.BandHigh:
		return "red"
	case core.BandMedium:
		return "orange"
	case core.BandLow:
		return "yellow"
	}
	return "green"
}

type overrideRequest struct {
	Decision      string `json:"decision"`
	Justification string `json:"justification"`
	ReviewerID    string `json:"reviewer_id"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	app, err := s.applyOverride(r, mux.Vars(r)["id"], req)
	if err != nil {
		writeOverrideError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"application_id": app.ApplicationID,
		"status":         app.Processing.Status,
		"identity_id":    app.Result.IdentityID,
	})
}

// handleBulkOverride applies one decision to up to 50 applications; each
// succeeds or fails independently.
func (s *Server) handleBulkOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApplicationIDs []string `json:"application_ids"`
		overrideRequest
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.ApplicationIDs) == 0 || len(body.ApplicationIDs) > 50 {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "application_ids must contain 1 to 50 entries")
		return
	}

	type result struct {
		ApplicationID string      `json:"application_id"`
		Status        core.Status `json:"status,omitempty"`
		Error         string      `json:"error,omitempty"`
	}
	results := make([]result, 0, len(body.ApplicationIDs))
	applied := 0
	for _, id := range body.ApplicationIDs {
		app, err := s.applyOverride(r, id, body.overrideRequest)
		if err != nil {
			results = append(results, result{ApplicationID: id, Error: err.Error()})
			continue
		}
		applied++
		results = append(results, result{ApplicationID: id, Status: app.Processing.Status})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied": applied,
		"total":   len(body.ApplicationIDs),
		"results": results,
	})
}

var errReviewerRequired = errors.New("reviewer_id is required")

func (s *Server) applyOverride(r *http.Request, applicationID string, req overrideRequest) (*core.Application, error) {
	if req.ReviewerID == "" {
		return nil, errReviewerRequired
	}
	return s.deps.Identity.ApplyOverride(
		r.Context(),
		applicationID,
		identity.Decision(req.Decision),
		req.Justification,
		req.ReviewerID,
	)
}

func writeOverrideError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidJustification):
		writeError(w, http.StatusBadRequest, core.ErrJustification, err.Error())
	case errors.Is(err, identity.ErrInvalidDecision),
		errors.Is(err, identity.ErrNotReviewable),
		errors.Is(err, errReviewerRequired):
		writeError(w, http.StatusBadRequest, core.ErrValidation, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, core.ErrNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, core.ErrInternal, err.Error())
	}
}
