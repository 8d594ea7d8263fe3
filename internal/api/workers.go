package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/workers"
)

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID                string   `json:"id"`
		Name              string   `json:"name"`
		SupportedAgentIDs []string `json:"supportedAgentIds"`
		MaxConcurrent     int      `json:"maxConcurrent"`
		Mode              string   `json:"mode"`
		ReportedEnvVars   []string `json:"reportedEnvVars"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	worker, err := s.registry.Register(r.Context(), workers.RegisterRequest{
		ID:                body.ID,
		Name:              body.Name,
		SupportedAgentIDs: body.SupportedAgentIDs,
		MaxConcurrent:     body.MaxConcurrent,
		Mode:              model.WorkerMode(body.Mode),
		ReportedEnvVars:   body.ReportedEnvVars,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, worker)
}

// workerView decorates a worker with computed staleness for listings.
type workerView struct {
	*model.Worker
	Stale bool `json:"stale"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	views := make([]workerView, 0, len(list))
	for _, worker := range list {
		views = append(views, workerView{
			Worker: worker,
			Stale:  worker.IsStale(now, s.cfg.WorkerStaleTimeout),
		})
	}
	writeOK(w, views)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var hb model.Heartbeat
	_ = decodeBody(r, &hb) // metrics body is optional
	worker, err := s.registry.Heartbeat(r.Context(), id, hb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, worker)
}

// handleNextTask is the dispatcher entry point. A nil assignment is a
// successful empty poll, not an error.
func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	assignment, err := s.dispatcher.NextTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, assignment)
}

func (s *Server) handlePatchWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Action string `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	var (
		worker *model.Worker
		err    error
	)
	switch body.Action {
	case "drain":
		worker, err = s.registry.Drain(r.Context(), id)
	case "offline":
		worker, err = s.registry.Offline(r.Context(), id)
	case "activate":
		worker, err = s.registry.Activate(r.Context(), id)
	default:
		writeError(w, apierr.InvalidInput("action must be drain, offline or activate, got %q", body.Action))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, worker)
}
