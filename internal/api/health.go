package api

import (
	"net/http"
	"time"

	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// healthResponse is the JSON body of the health endpoint.
type healthResponse struct {
	Healthy     bool         `json:"healthy"`
	Store       healthStatus `json:"store"`
	Workers     workerCounts `json:"workers"`
	ActiveTasks int          `json:"activeTasks"`
}

// healthStatus represents the health of a single subsystem.
type healthStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type workerCounts struct {
	Total int `json:"total"`
	Idle  int `json:"idle"`
	Busy  int `json:"busy"`
	Stale int `json:"stale"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{}

	// 1. Store reachability.
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		resp.Store = healthStatus{OK: false, Message: err.Error()}
	} else {
		resp.Store = healthStatus{OK: true}
		now := time.Now()
		resp.Workers.Total = len(workers)
		for _, worker := range workers {
			switch worker.Status {
			case model.WorkerIdle:
				resp.Workers.Idle++
			case model.WorkerBusy:
				resp.Workers.Busy++
			}
			if worker.IsStale(now, s.cfg.WorkerStaleTimeout) {
				resp.Workers.Stale++
			}
		}
	}

	// 2. Count in-flight work.
	if resp.Store.OK {
		running, lerr := s.store.ListTasks(r.Context(), store.TaskFilter{Status: model.StatusRunning})
		if lerr == nil {
			resp.ActiveTasks = len(running)
		}
	}

	resp.Healthy = resp.Store.OK
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{Success: resp.Healthy, Data: resp})
}
