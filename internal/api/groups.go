package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/camhq/cam/internal/apierr"
)

func (s *Server) handleCancelGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GroupID string `json:"groupId"`
		Reason  string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.GroupID == "" {
		writeError(w, apierr.InvalidInput("groupId is required"))
		return
	}
	count, err := s.lifecycle.CancelGroup(r.Context(), body.GroupID, body.Reason, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"groupId": body.GroupID, "cancelledCount": count})
}

func (s *Server) handleRerunFailed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GroupID  string `json:"groupId"`
		Feedback string `json:"feedback"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.GroupID == "" {
		writeError(w, apierr.InvalidInput("groupId is required"))
		return
	}
	count, err := s.lifecycle.RerunFailedInGroup(r.Context(), body.GroupID, body.Feedback, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"groupId": body.GroupID, "requeuedCount": count})
}

func (s *Server) handleRestartFrom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GroupID    string `json:"groupId"`
		FromTaskID string `json:"fromTaskId"`
		Feedback   string `json:"feedback"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.GroupID == "" || body.FromTaskID == "" {
		writeError(w, apierr.InvalidInput("groupId and fromTaskId are required"))
		return
	}
	tasks, err := s.lifecycle.RestartFrom(r.Context(), body.GroupID, body.FromTaskID, body.Feedback, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"groupId": body.GroupID, "tasks": tasks})
}

// handleGetGroup returns a group's tasks plus status rollup counts.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]
	tasks, err := s.store.ListGroupTasks(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(tasks) == 0 {
		writeError(w, apierr.NotFound("task group %s not found", groupID))
		return
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}
	writeOK(w, map[string]any{
		"groupId": groupID,
		"tasks":   tasks,
		"counts":  counts,
	})
}
