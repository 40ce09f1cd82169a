package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrolid/backend/internal/audit"
	"github.com/enrolid/backend/internal/blob"
	"github.com/enrolid/backend/internal/cache"
	"github.com/enrolid/backend/internal/circuitbreaker"
	"github.com/enrolid/backend/internal/clock"
	"github.com/enrolid/backend/internal/config"
	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/dedup"
	"github.com/enrolid/backend/internal/face"
	"github.com/enrolid/backend/internal/identity"
	"github.com/enrolid/backend/internal/notify"
	"github.com/enrolid/backend/internal/queue"
	"github.com/enrolid/backend/internal/retry"
	"github.com/enrolid/backend/internal/store"
	"github.com/enrolid/backend/internal/vectorindex"
)

type apiFixture struct {
	srv   *Server
	store *store.Memory
	queue *queue.Queue
}

func newAPI(t *testing.T, mutate func(cfg *config.Config)) *apiFixture {
	t.Helper()

	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	mem := store.NewMemory()
	idx, err := vectorindex.New(vectorindex.Config{
		Dim:            core.EmbeddingDim,
		NList:          16,
		NProbe:         4,
		TrainThreshold: 1 << 30,
	})
	require.NoError(t, err)

	journal := audit.NewJournal(mem, clock.System{}, clock.UUIDGenerator{})
	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	hub := notify.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	webhooks := notify.NewDispatcher(1, clock.UUIDGenerator{})
	t.Cleanup(webhooks.Stop)

	q := queue.New(cfg.Pipeline.QueueCapacity)
	srv := NewServer(cfg, Deps{
		Store:    mem,
		Queue:    q,
		Blobs:    blobs,
		Cache:    cache.NewLocal(time.Hour),
		Index:    idx,
		Analyzer: face.NewStubAnalyzer(face.Gate{}),
		Dedup:    dedup.New(dedup.DefaultConfig(), idx, journal),
		Identity: identity.NewManager(mem, idx, journal, clock.System{}, clock.UUIDGenerator{}),
		Journal:  journal,
		Hub:      hub,
		Webhooks: webhooks,
		Breakers: circuitbreaker.NewManager(nil),
		Sink:     retry.NewDeadLetterSink(100),
		Clock:    clock.System{},
		IDs:      clock.UUIDGenerator{},
	})
	return &apiFixture{srv: srv, store: mem, queue: q}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

func submissionBody(name string, photo []byte) map[string]interface{} {
	return map[string]interface{}{
		"applicant": map[string]string{
			"full_name":     name,
			"date_of_birth": "1990-01-01",
		},
		"photo":  base64.StdEncoding.EncodeToString(photo),
		"format": "jpeg",
	}
}

func TestHealth(t *testing.T) {
	f := newAPI(t, nil)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestSubmitJSONAccepted(t *testing.T) {
	f := newAPI(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/applications", submissionBody("Jane Doe", []byte("photo")))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ApplicationID string      `json:"application_id"`
		Status        core.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ApplicationID)
	assert.Equal(t, core.StatusPending, resp.Status)

	app, err := f.store.GetApplication(context.Background(), resp.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", app.Applicant.FullName)
	assert.Equal(t, 1, f.queue.Depth())
}

func TestSubmitValidation(t *testing.T) {
	f := newAPI(t, nil)

	body := submissionBody("", []byte("photo"))
	rec := f.do(t, http.MethodPost, "/api/v1/applications", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "full_name")

	body = submissionBody("Jane Doe", []byte("photo"))
	body["format"] = "gif"
	rec = f.do(t, http.MethodPost, "/api/v1/applications", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(core.ErrBadFormat))

	body = submissionBody("Jane Doe", nil)
	rec = f.do(t, http.MethodPost, "/api/v1/applications", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "photo is required")
}

func TestSubmitQueueFull(t *testing.T) {
	f := newAPI(t, func(cfg *config.Config) {
		cfg.Pipeline.QueueCapacity = 1
	})

	rec := f.do(t, http.MethodPost, "/api/v1/applications", submissionBody("First", []byte("a")))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/applications", submissionBody("Second", []byte("b")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), string(core.ErrQueueFull))
}

func TestSubmitBatch(t *testing.T) {
	f := newAPI(t, nil)

	body := map[string]interface{}{
		"applications": []map[string]interface{}{
			submissionBody("Jane Doe", []byte("one")),
			submissionBody("", []byte("two")), // invalid
		},
	}
	rec := f.do(t, http.MethodPost, "/api/v1/applications/batch", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Accepted int `json:"accepted"`
		Total    int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 2, resp.Total)
}

func TestRateLimiterOnSubmit(t *testing.T) {
	f := newAPI(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Limit = 1
		cfg.RateLimit.Window = time.Minute
	})

	rec := f.do(t, http.MethodPost, "/api/v1/applications", submissionBody("Jane Doe", []byte("a")))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/applications", submissionBody("Jane Doe", []byte("b")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), string(core.ErrRateLimited))

	// Reads are not rate limited.
	rec = f.do(t, http.MethodGet, "/api/v1/applications", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetStatusNotFound(t *testing.T) {
	f := newAPI(t, nil)
	rec := f.do(t, http.MethodGet, "/api/v1/applications/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), string(core.ErrNotFound))
}

func TestStatusBatchReportsMissing(t *testing.T) {
	f := newAPI(t, nil)

	sub := f.do(t, http.MethodPost, "/api/v1/applications", submissionBody("Jane Doe", []byte("photo")))
	require.Equal(t, http.StatusAccepted, sub.Code)
	var created struct {
		ApplicationID string `json:"application_id"`
	}
	require.NoError(t, json.Unmarshal(sub.Body.Bytes(), &created))

	rec := f.do(t, http.MethodPost, "/api/v1/applications/status", map[string]interface{}{
		"application_ids": []string{created.ApplicationID, "ghost"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Statuses []statusView `json:"statuses"`
		Missing  []string     `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Statuses, 1)
	assert.Equal(t, created.ApplicationID, resp.Statuses[0].ApplicationID)
	assert.Equal(t, []string{"ghost"}, resp.Missing)
}

func TestStatusBatchCappedAtHundred(t *testing.T) {
	f := newAPI(t, nil)

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = fmt.Sprintf("app-%d", i)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/applications/status", map[string]interface{}{
		"application_ids": ids,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 to 100")
}

func TestOverrideValidation(t *testing.T) {
	f := newAPI(t, nil)

	now := time.Now().UTC()
	require.NoError(t, f.store.CreateApplication(context.Background(), &core.Application{
		ApplicationID: "case-1",
		Applicant:     core.Applicant{FullName: "Jane Doe", DateOfBirth: "1990-01-01"},
		Processing:    core.Processing{Status: core.StatusPendingReview, Stage: core.StageDone},
		CreatedAt:     now,
	}))

	rec := f.do(t, http.MethodPost, "/api/v1/review/case-1/override", map[string]interface{}{
		"decision":      "approve_duplicate",
		"justification": "too short",
		"reviewer_id":   "reviewer-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(core.ErrJustification))

	rec = f.do(t, http.MethodPost, "/api/v1/review/case-1/override", map[string]interface{}{
		"decision":      "approve_duplicate",
		"justification": "a perfectly adequate justification",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "reviewer_id")
}

func TestListPendingReview(t *testing.T) {
	f := newAPI(t, nil)

	now := time.Now().UTC()
	require.NoError(t, f.store.CreateApplication(context.Background(), &core.Application{
		ApplicationID: "case-1",
		Applicant:     core.Applicant{FullName: "Jane Doe", DateOfBirth: "1990-01-01"},
		Processing:    core.Processing{Status: core.StatusPendingReview, Stage: core.StageDone},
		Result: core.Result{
			IsDuplicate:          true,
			Matches:              []core.Match{{ApplicationID: "anchor", Score: 0.86}},
			RequiresManualReview: true,
			ReviewReason:         "borderline match",
		},
		CreatedAt: now,
	}))

	rec := f.do(t, http.MethodGet, "/api/v1/review/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Cases []struct {
			ApplicationID string  `json:"application_id"`
			BestScore     float64 `json:"best_score"`
			Band          string  `json:"band"`
			Color         string  `json:"color"`
		} `json:"cases"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "case-1", resp.Cases[0].ApplicationID)
	assert.Equal(t, 0.86, resp.Cases[0].BestScore)
	assert.Equal(t, string(core.BandMedium), resp.Cases[0].Band)
	assert.Equal(t, "orange", resp.Cases[0].Color)
}

func TestUserLifecycle(t *testing.T) {
	f := newAPI(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/users", map[string]interface{}{
		"username": "reviewer1",
		"email":    "reviewer1@example.com",
		"password": "long-enough-password",
		"role":     "reviewer",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var user core.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	require.NotEmpty(t, user.UserID)
	assert.True(t, user.Active)

	// Short passwords and unknown roles are rejected.
	rec = f.do(t, http.MethodPost, "/api/v1/admin/users", map[string]interface{}{
		"username": "u2", "password": "short", "role": "reviewer",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/admin/users", map[string]interface{}{
		"username": "u2", "password": "long-enough-password", "role": "superuser",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Self-deactivation is forbidden.
	rec = f.do(t, http.MethodPut, "/api/v1/admin/users/"+user.UserID, map[string]interface{}{
		"actor_id": user.UserID,
		"active":   false,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), string(core.ErrAuthForbidden))

	// Another actor may deactivate the account.
	rec = f.do(t, http.MethodPut, "/api/v1/admin/users/"+user.UserID, map[string]interface{}{
		"actor_id": "someone-else",
		"active":   false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetUser(context.Background(), user.UserID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestWebhookRegistration(t *testing.T) {
	f := newAPI(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/webhooks", map[string]interface{}{
		"url":    "https://consumer.example.com/hook",
		"secret": "shh",
		"events": []string{"application.completed"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = f.do(t, http.MethodPost, "/api/v1/admin/webhooks", map[string]interface{}{
		"url": "ftp://nope",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/admin/webhooks/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/admin/webhooks/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFaceCompareVectors(t *testing.T) {
	f := newAPI(t, nil)

	vec := make([]float32, core.EmbeddingDim)
	vec[0] = 1
	rec := f.do(t, http.MethodPost, "/api/v1/face/compare", map[string]interface{}{
		"a": vec,
		"b": vec,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Similarity float64   `json:"similarity"`
		Band       core.Band `json:"band"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, 1.0, resp.Similarity, 1e-9)
	assert.Equal(t, core.BandHigh, resp.Band)
}

func TestAdminStats(t *testing.T) {
	f := newAPI(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/applications", submissionBody("Jane Doe", []byte("photo")))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applications"`)
	assert.Contains(t, rec.Body.String(), `"queue"`)
	assert.Contains(t, rec.Body.String(), `"breakers"`)
}

func TestAuditQueryAfterSubmission(t *testing.T) {
	f := newAPI(t, nil)

	sub := f.do(t, http.MethodPost, "/api/v1/applications", submissionBody("Jane Doe", []byte("photo")))
	require.Equal(t, http.StatusAccepted, sub.Code)
	var created struct {
		ApplicationID string `json:"application_id"`
	}
	require.NoError(t, json.Unmarshal(sub.Body.Bytes(), &created))

	rec := f.do(t, http.MethodGet, "/api/v1/admin/audit?resource_id="+created.ApplicationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total  int               `json:"total"`
		Events []core.AuditEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, core.EventSubmitted, resp.Events[0].Kind)
}
