package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/notify"
	"github.com/enrolid/backend/internal/store"
)

// ============================================================================
// STATS
// ============================================================================

// handleStats aggregates the operational counters in one payload.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Store.CountApplicationsByStatus(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	duplicateRate := 0.0
	if done := counts[core.StatusVerified] + counts[core.StatusDuplicate]; done > 0 {
		duplicateRate = float64(counts[core.StatusDuplicate]) / float64(done)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applications": map[string]interface{}{
			"total":          total,
			"by_status":      counts,
			"duplicate_rate": duplicateRate,
		},
		"queue":        s.deps.Queue.Stats(),
		"cache":        s.deps.Cache.Stats(),
		"index":        s.deps.Index.Stats(),
		"breakers":     s.deps.Breakers.Snapshot(),
		"dead_letters": s.deps.Sink.Stats(),
		"webhooks":     s.deps.Webhooks.Stats(),
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": s.deps.Sink.Len(),
		"items": s.deps.Sink.Items(),
	})
}

// ============================================================================
// AUDIT
// ============================================================================

func auditFilterFromQuery(r *http.Request) store.AuditFilter {
	f := store.AuditFilter{
		ResourceID: r.URL.Query().Get("resource_id"),
		ActorID:    r.URL.Query().Get("actor_id"),
		Kind:       core.EventKind(r.URL.Query().Get("kind")),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	return f
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	events, total, err := s.deps.Journal.Query(
		r.Context(),
		auditFilterFromQuery(r),
		queryInt(r, "page", 1),
		queryInt(r, "size", 50),
	)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.csv"`)
	if err := s.deps.Journal.ExportCSV(r.Context(), auditFilterFromQuery(r), w); err != nil {
		s.logger.Printf("audit export: %v", err)
	}
}

// ============================================================================
// USERS
// ============================================================================

var validRoles = map[string]bool{"admin": true, "reviewer": true, "api": true}

type userRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Active   *bool  `json:"active"`
	ActorID  string `json:"actor_id"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "username and a password of at least 8 characters are required")
		return
	}
	if !validRoles[req.Role] {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "role must be admin, reviewer or api")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, core.ErrInternal, "cannot hash password")
		return
	}

	now := s.deps.Clock.Now().UTC()
	user := &core.User{
		UserID:       s.deps.IDs.NewID(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.deps.Store.CreateUser(r.Context(), user); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Store.ListUsers(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.deps.Store.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUpdateUser changes role, active flag, email or password. An actor
// cannot deactivate or change the role of their own account.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.deps.Store.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}

	self := req.ActorID != "" && req.ActorID == user.UserID
	if self && ((req.Active != nil && !*req.Active) || (req.Role != "" && req.Role != user.Role)) {
		writeError(w, http.StatusForbidden, core.ErrAuthForbidden, "cannot deactivate or change the role of your own account")
		return
	}

	if req.Email != "" {
		user.Email = req.Email
	}
	if req.Role != "" {
		if !validRoles[req.Role] {
			writeError(w, http.StatusBadRequest, core.ErrValidation, "role must be admin, reviewer or api")
			return
		}
		user.Role = req.Role
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if req.Password != "" {
		if len(req.Password) < 8 {
			writeError(w, http.StatusBadRequest, core.ErrValidation, "password must be at least 8 characters")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, core.ErrInternal, "cannot hash password")
			return
		}
		user.PasswordHash = string(hash)
	}
	user.UpdatedAt = s.deps.Clock.Now().UTC()

	if err := s.deps.Store.UpdateUser(r.Context(), user); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ============================================================================
// WEBHOOKS
// ============================================================================

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL    string   `json:"url"`
		Secret string   `json:"secret"`
		Events []string `json:"events"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !strings.HasPrefix(body.URL, "http://") && !strings.HasPrefix(body.URL, "https://") {
		writeError(w, http.StatusBadRequest, core.ErrValidation, "url must be an http(s) address")
		return
	}

	id := s.deps.Webhooks.Register(notify.Endpoint{
		URL:    body.URL,
		Secret: body.Secret,
		Events: body.Events,
		Active: true,
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": s.deps.Webhooks.Endpoints()})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Webhooks.Unregister(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, core.ErrNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}
