package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/metrics"
	"github.com/enrolid/backend/internal/middleware"
	"github.com/enrolid/backend/internal/queue"
	"github.com/enrolid/backend/internal/store"
)

// submission is the JSON submission body (photo as base64).
type submission struct {
	Applicant core.Applicant `json:"applicant"`
	Photo     string         `json:"photo"`  // base64
	Format    string         `json:"format"` // jpeg, png
}

// handleSubmit accepts one application, multipart or JSON, and enqueues it.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	applicant, photo, format, ok := s.parseSubmission(w, r)
	if !ok {
		return
	}

	app, env := s.accept(r, applicant, photo, format)
	if env != nil {
		status := http.StatusBadRequest
		if env.ErrorCode == core.ErrQueueFull {
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", strconv.Itoa(env.RetryAfter))
		}
		writeJSON(w, status, env)
		return
	}

	metrics.SubmissionsTotal.WithLabelValues("single").Inc()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"application_id": app.ApplicationID,
		"status":         app.Processing.Status,
		"created_at":     app.CreatedAt,
	})
}

// handleSubmitBatch accepts up to 100 JSON submissions; each is accepted or
// rejected independently.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Applications []submission `json:"applications"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Applications) == 0 || len(body.Applications) > 100 {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "batch must contain 1 to 100 applications")
		return
	}

	type item struct {
		ApplicationID string              `json:"application_id,omitempty"`
		Status        core.Status         `json:"status,omitempty"`
		Error         *core.ErrorEnvelope `json:"error,omitempty"`
	}
	results := make([]item, 0, len(body.Applications))
	accepted := 0

	for _, sub := range body.Applications {
		photo, err := base64.StdEncoding.DecodeString(sub.Photo)
		if err != nil {
			env := core.NewErrorEnvelope(core.ErrValidation, "photo is not valid base64")
			results = append(results, item{Error: &env})
			continue
		}
		app, env := s.accept(r, sub.Applicant, photo, sub.Format)
		if env != nil {
			results = append(results, item{Error: env})
			continue
		}
		accepted++
		results = append(results, item{ApplicationID: app.ApplicationID, Status: app.Processing.Status})
	}

	metrics.SubmissionsTotal.WithLabelValues("batch").Add(float64(accepted))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": accepted,
		"total":    len(body.Applications),
		"results":  results,
	})
}

// accept validates, persists and enqueues one submission.
func (s *Server) accept(r *http.Request, applicant core.Applicant, photo []byte, format string) (*core.Application, *core.ErrorEnvelope) {
	if env := validateSubmission(applicant, photo, format, s.maxPhoto); env != nil {
		return nil, env
	}

	now := s.deps.Clock.Now().UTC()
	app := &core.Application{
		ApplicationID: s.deps.IDs.NewID(),
		Applicant:     applicant,
		Photo: core.PhotoRef{
			Format:   normalizeFormat(format),
			ByteSize: int64(len(photo)),
		},
		Processing: core.Processing{
			Stage:  core.StageIngest,
			Status: core.StatusPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateApplication(r.Context(), app); err != nil {
		env := core.NewErrorEnvelope(core.ErrStoreUnavailable, err.Error())
		return nil, &env
	}

	err := s.deps.Queue.Enqueue(&queue.Submission{
		ApplicationID: app.ApplicationID,
		PhotoBytes:    photo,
		Format:        normalizeFormat(format),
		EnqueuedAt:    now,
	})
	if err != nil {
		// The record stays; mark it failed so the backlog is visible.
		app.Processing.Status = core.StatusFailed
		app.Processing.ErrorCode = string(core.ErrQueueFull)
		s.deps.Store.UpdateApplication(r.Context(), app)

		env := core.NewErrorEnvelope(core.ErrQueueFull, "submission queue is full")
		env.RetryAfter = 30
		return nil, &env
	}

	s.deps.Journal.Append(r.Context(), core.AuditEvent{
		Kind:         core.EventSubmitted,
		ActorID:      "api",
		ActorKind:    core.ActorAPI,
		ResourceID:   app.ApplicationID,
		ResourceKind: "application",
		Action:       "application submitted",
		IPAddress:    middleware.ClientIP(r),
		Success:      true,
	})
	metrics.QueueDepth.Set(float64(s.deps.Queue.Depth()))
	return app, nil
}

func (s *Server) parseSubmission(w http.ResponseWriter, r *http.Request) (core.Applicant, []byte, string, bool) {
	var none core.Applicant

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(s.maxPhoto); err != nil {
			writeError(w, http.StatusBadRequest, core.ErrValidation, "invalid multipart body")
			return none, nil, "", false
		}
		file, header, err := r.FormFile("photo")
		if err != nil {
			writeError(w, http.StatusBadRequest, core.ErrValidation, "photo file is required")
			return none, nil, "", false
		}
		defer file.Close()

		photo, err := io.ReadAll(io.LimitReader(file, s.maxPhoto+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, core.ErrValidation, "cannot read photo")
			return none, nil, "", false
		}

		var applicant core.Applicant
		if raw := r.FormValue("applicant"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &applicant); err != nil {
				writeError(w, http.StatusBadRequest, core.ErrValidation, "invalid applicant json")
				return none, nil, "", false
			}
		} else {
			applicant = core.Applicant{
				FullName:    r.FormValue("full_name"),
				DateOfBirth: r.FormValue("date_of_birth"),
				Email:       r.FormValue("email"),
				Phone:       r.FormValue("phone"),
			}
		}

		format := r.FormValue("format")
		if format == "" {
			format = formatFromFilename(header.Filename)
		}
		return applicant, photo, format, true
	}

	var sub submission
	if !decodeBody(w, r, &sub) {
		return none, nil, "", false
	}
	photo, err := base64.StdEncoding.DecodeString(sub.Photo)
	if err != nil {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "photo is not valid base64")
		return none, nil, "", false
	}
	return sub.Applicant, photo, sub.Format, true
}

func validateSubmission(applicant core.Applicant, photo []byte, format string, maxPhoto int64) *core.ErrorEnvelope {
	fail := func(code core.ErrorCode, msg string) *core.ErrorEnvelope {
		env := core.NewErrorEnvelope(code, msg)
		return &env
	}

	if strings.TrimSpace(applicant.FullName) == "" {
		return fail(core.ErrValidation, "full_name is required")
	}
	if strings.TrimSpace(applicant.DateOfBirth) == "" {
		return fail(core.ErrValidation, "date_of_birth is required")
	}
	if len(photo) == 0 {
		return fail(core.ErrValidation, "photo is required")
	}
	if int64(len(photo)) > maxPhoto {
		return fail(core.ErrTooLarge, "photo exceeds the maximum size")
	}
	switch normalizeFormat(format) {
	case "jpeg", "png":
	default:
		return fail(core.ErrBadFormat, "format must be jpeg or png")
	}
	return nil
}

func normalizeFormat(format string) string {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return "jpeg"
	case "png":
		return "png"
	}
	return strings.ToLower(format)
}

func formatFromFilename(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return normalizeFormat(name[idx+1:])
}

// ============================================================================
// READ ENDPOINTS
// ============================================================================

// stageProgress maps pipeline position onto the percent shown to clients.
func stageProgress(p core.Processing) int {
	if p.Status.Terminal() {
		return 100
	}
	switch p.Stage {
	case core.StageIngest:
		if p.Status == core.StatusPending {
			return 10
		}
		return 20
	case core.StageAnalyze:
		if p.EmbeddingGenerated {
			return 60
		}
		if p.QualityScore > 0 {
			return 50
		}
		if p.FaceDetected {
			return 30
		}
		return 30
	case core.StageDedup:
		return 70
	case core.StageAssign:
		return 80
	case core.StageDone:
		return 100
	}
	return 0
}

type statusView struct {
	ApplicationID string      `json:"application_id"`
	Status        core.Status `json:"status"`
	Stage         core.Stage  `json:"stage"`
	Progress      int         `json:"progress"`
	IdentityID    string      `json:"identity_id,omitempty"`
	IsDuplicate   bool        `json:"is_duplicate"`
	ErrorCode     string      `json:"error_code,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
}

func toStatusView(app *core.Application) statusView {
	return statusView{
		ApplicationID: app.ApplicationID,
		Status:        app.Processing.Status,
		Stage:         app.Processing.Stage,
		Progress:      stageProgress(app.Processing),
		IdentityID:    app.Result.IdentityID,
		IsDuplicate:   app.Result.IsDuplicate,
		ErrorCode:     app.Processing.ErrorCode,
		ErrorMessage:  app.Processing.ErrorMessage,
	}
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	app, err := s.deps.Store.GetApplication(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusView(app))
}

func (s *Server) handleStatusBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApplicationIDs []string `json:"application_ids"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.ApplicationIDs) == 0 || len(body.ApplicationIDs) > 100 {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "application_ids must contain 1 to 100 entries")
		return
	}

	statuses := make([]statusView, 0, len(body.ApplicationIDs))
	missing := make([]string, 0)
	for _, id := range body.ApplicationIDs {
		app, err := s.deps.Store.GetApplication(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				missing = append(missing, id)
				continue
			}
			writeStoreError(w, err)
			return
		}
		statuses = append(statuses, toStatusView(app))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"statuses": statuses,
		"missing":  missing,
	})
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.deps.Store.GetApplication(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		Status: core.Status(r.URL.Query().Get("status")),
		Page:   queryInt(r, "page", 1),
		Size:   queryInt(r, "size", 50),
	}
	apps, total, err := s.deps.Store.ListApplications(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applications": apps,
		"total":        total,
		"page":         f.Page,
		"size":         f.Size,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
