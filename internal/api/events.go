package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/events"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// handleListEvents serves audit replay with the same filters as the live
// stream.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apierr.InvalidInput("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	list, err := s.store.ListEvents(r.Context(), store.EventFilter{
		TypePrefix: q.Get("type"),
		TaskID:     q.Get("taskId"),
		GroupID:    q.Get("groupId"),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*model.SystemEvent{}
	}
	writeOK(w, list)
}

// handleEventStream serves the live SSE feed. Each event is written as
// `event: <type>` plus a JSON data line. Delivery is best-effort; dropped
// subscribers catch up via GET /api/events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.CodeInternal, "streaming unsupported"))
		return
	}

	q := r.URL.Query()
	sub := s.emitter.Broker().Subscribe(events.Filter{
		TypePrefix: q.Get("type"),
		TaskID:     q.Get("taskId"),
		GroupID:    q.Get("groupId"),
	})
	defer s.emitter.Broker().Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
