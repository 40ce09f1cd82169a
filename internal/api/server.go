// Package api is the REST ingress of the enrollment service.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enrolid/backend/internal/audit"
	"github.com/enrolid/backend/internal/blob"
	"github.com/enrolid/backend/internal/cache"
	"github.com/enrolid/backend/internal/circuitbreaker"
	"github.com/enrolid/backend/internal/clock"
	"github.com/enrolid/backend/internal/config"
	"github.com/enrolid/backend/internal/dedup"
	"github.com/enrolid/backend/internal/face"
	"github.com/enrolid/backend/internal/identity"
	"github.com/enrolid/backend/internal/middleware"
	"github.com/enrolid/backend/internal/notify"
	"github.com/enrolid/backend/internal/queue"
	"github.com/enrolid/backend/internal/retry"
	"github.com/enrolid/backend/internal/store"
	"github.com/enrolid/backend/internal/vectorindex"
)

// Deps bundles everything the handlers reach into.
type Deps struct {
	Store    store.Store
	Queue    *queue.Queue
	Blobs    *blob.Store
	Cache    cache.EmbeddingCache
	Index    *vectorindex.Index
	Analyzer face.Analyzer
	Dedup    *dedup.Deduplicator
	Identity *identity.Manager
	Journal  *audit.Journal
	Hub      *notify.Hub
	Webhooks *notify.Dispatcher
	Breakers *circuitbreaker.Manager
	Sink     *retry.DeadLetterSink
	Clock    clock.Clock
	IDs      clock.IDGenerator
}

// Server is the HTTP front of the service.
type Server struct {
	cfg      *config.Config
	deps     Deps
	router   *mux.Router
	http     *http.Server
	limiter  *middleware.RateLimiter
	logger   *log.Logger
	maxPhoto int64
}

// NewServer builds the router and handlers.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		router:   mux.NewRouter(),
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
		maxPhoto: int64(cfg.Server.MaxPhotoMB) << 20,
	}
	s.routes()

	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recover(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(mux.MiddlewareFunc(middleware.Metrics))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.deps.Hub.ServeWS)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Submission endpoints sit behind the rate limiter.
	submit := api.NewRoute().Subrouter()
	if s.cfg.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(s.cfg.RateLimit.Limit, s.cfg.RateLimit.Window)
		submit.Use(mux.MiddlewareFunc(s.limiter.Middleware))
	}
	submit.HandleFunc("/applications", s.handleSubmit).Methods(http.MethodPost)
	submit.HandleFunc("/applications/batch", s.handleSubmitBatch).Methods(http.MethodPost)

	api.HandleFunc("/applications", s.handleListApplications).Methods(http.MethodGet)
	api.HandleFunc("/applications/status", s.handleStatusBatch).Methods(http.MethodPost)
	api.HandleFunc("/applications/{id}", s.handleGetApplication).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id}/status", s.handleGetStatus).Methods(http.MethodGet)

	api.HandleFunc("/review/pending", s.handleListPendingReview).Methods(http.MethodGet)
	api.HandleFunc("/review/bulk-override", s.handleBulkOverride).Methods(http.MethodPost)
	api.HandleFunc("/review/{id}", s.handleGetReviewCase).Methods(http.MethodGet)
	api.HandleFunc("/review/{id}/override", s.handleOverride).Methods(http.MethodPost)

	api.HandleFunc("/identities", s.handleListIdentities).Methods(http.MethodGet)
	api.HandleFunc("/identities/{id}", s.handleGetIdentity).Methods(http.MethodGet)
	api.HandleFunc("/identities/{id}/merge", s.handleMergeIdentity).Methods(http.MethodPost)
	api.HandleFunc("/identities/{id}/suspend", s.handleSuspendIdentity).Methods(http.MethodPost)

	api.HandleFunc("/face/detect", s.handleFaceDetect).Methods(http.MethodPost)
	api.HandleFunc("/face/embed", s.handleFaceEmbed).Methods(http.MethodPost)
	api.HandleFunc("/face/compare", s.handleFaceCompare).Methods(http.MethodPost)
	api.HandleFunc("/face/compare-images", s.handleFaceCompareImages).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/dead-letters", s.handleDeadLetters).Methods(http.MethodGet)
	admin.HandleFunc("/audit", s.handleAuditQuery).Methods(http.MethodGet)
	admin.HandleFunc("/audit/export", s.handleAuditExport).Methods(http.MethodGet)
	admin.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}", s.handleUpdateUser).Methods(http.MethodPut)
	admin.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods(http.MethodPost)
	admin.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
	admin.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook).Methods(http.MethodDelete)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
