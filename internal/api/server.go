// Package api exposes the orchestration engine over a JSON REST surface
// plus an SSE event stream. Handlers translate every error into the
// response envelope. Task state transitions happen in the lifecycle,
// dispatch and pipeline packages and worker state changes in the workers
// package; handlers write agent definitions, secrets, templates and task log
// lines to the store directly.
package api

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/config"
	"github.com/camhq/cam/internal/dispatch"
	"github.com/camhq/cam/internal/events"
	"github.com/camhq/cam/internal/lifecycle"
	"github.com/camhq/cam/internal/logging"
	"github.com/camhq/cam/internal/pipeline"
	"github.com/camhq/cam/internal/secrets"
	"github.com/camhq/cam/internal/store"
	"github.com/camhq/cam/internal/workers"
)

// Server bundles the handler dependencies.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	lifecycle  *lifecycle.Service
	dispatcher *dispatch.Dispatcher
	expander   *pipeline.Expander
	registry   *workers.Registry
	resolver   *secrets.Resolver
	emitter    *events.Emitter
	metrics    *apiMetrics
	router     *mux.Router
	log        *log.Logger
}

// NewServer wires the HTTP server.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	lc *lifecycle.Service,
	d *dispatch.Dispatcher,
	exp *pipeline.Expander,
	reg *workers.Registry,
	res *secrets.Resolver,
	em *events.Emitter,
) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		lifecycle:  lc,
		dispatcher: d,
		expander:   exp,
		registry:   reg,
		resolver:   res,
		emitter:    em,
		metrics:    newAPIMetrics(),
		log:        logging.New("api"),
	}
	s.router = s.initRouter()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// initRouter initializes the HTTP router.
func (s *Server) initRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.metrics.middleware)

	api := router.PathPrefix("/api").Subrouter()
	if s.cfg.APIAuthToken != "" {
		api.Use(s.bearerAuthRequired)
	}

	// Tasks.
	api.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handlePatchTask).Methods(http.MethodPatch)
	api.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/publish", s.handlePublishTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/rerun", s.handleRerunTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/review", s.handleReviewTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/status", s.handleReportStatus).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/logs", s.handleAppendTaskLog).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/logs", s.handleListTaskLogs).Methods(http.MethodGet)

	// Task groups.
	api.HandleFunc("/task-groups/cancel", s.handleCancelGroup).Methods(http.MethodPost)
	api.HandleFunc("/task-groups/rerun-failed", s.handleRerunFailed).Methods(http.MethodPost)
	api.HandleFunc("/task-groups/restart-from", s.handleRestartFrom).Methods(http.MethodPost)
	api.HandleFunc("/task-groups/{id}", s.handleGetGroup).Methods(http.MethodGet)

	// Workers.
	api.HandleFunc("/workers", s.handleRegisterWorker).Methods(http.MethodPost)
	api.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/workers/{id}/next-task", s.handleNextTask).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id}", s.handlePatchWorker).Methods(http.MethodPatch)

	// Agent definitions and templates.
	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.handleSaveAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/dispatchable", s.handleAgentDispatchable).Methods(http.MethodGet)
	api.HandleFunc("/templates", s.handleListTemplates).Methods(http.MethodGet)
	api.HandleFunc("/templates", s.handleSaveTemplate).Methods(http.MethodPost)
	api.HandleFunc("/templates/{name}", s.handleGetTemplate).Methods(http.MethodGet)

	// Secrets (values never leave the server; writes only).
	api.HandleFunc("/secrets", s.handleSetSecret).Methods(http.MethodPost)

	// Events: audit replay and live SSE stream.
	api.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)

	// Operational endpoints.
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	return router
}

// bearerAuthRequired rejects requests without the configured bearer token.
func (s *Server) bearerAuthRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token != "Bearer "+s.cfg.APIAuthToken {
			writeError(w, apierr.Forbidden())
			return
		}
		next.ServeHTTP(w, r)
	})
}
