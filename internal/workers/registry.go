// Package workers tracks worker registration, heartbeats and manual state
// changes, and reclaims tasks stranded on dead workers.
package workers

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/events"
	"github.com/camhq/cam/internal/logging"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// Registry manages worker lifecycle state.
type Registry struct {
	store        *store.Store
	emitter      *events.Emitter
	staleTimeout time.Duration
	log          *log.Logger
}

// NewRegistry wires a registry. staleTimeout is the heartbeat age past
// which a worker counts as dead.
func NewRegistry(s *store.Store, em *events.Emitter, staleTimeout time.Duration) *Registry {
	return &Registry{store: s, emitter: em, staleTimeout: staleTimeout, log: logging.New("workers")}
}

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	ID                string
	Name              string
	SupportedAgentIDs []string
	MaxConcurrent     int
	Mode              model.WorkerMode
	ReportedEnvVars   []string
}

// Register creates or refreshes a worker registration. A brand-new worker
// starts idle; re-registration preserves lifecycle state.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*model.Worker, error) {
	if req.ID == "" {
		return nil, apierr.InvalidInput("worker id is required")
	}
	now := model.Now()
	mode := req.Mode
	if mode == "" {
		mode = model.WorkerModeUnknown
	}
	maxConcurrent := req.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	w := &model.Worker{
		ID:                req.ID,
		Name:              req.Name,
		SupportedAgentIDs: req.SupportedAgentIDs,
		MaxConcurrent:     maxConcurrent,
		Mode:              mode,
		Status:            model.WorkerIdle,
		LastHeartbeatAt:   now,
		ReportedEnvVars:   req.ReportedEnvVars,
		UptimeSince:       now,
	}
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return nil, err
	}
	registered, err := r.store.GetWorker(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	r.emitter.Emit(ctx, model.EventWorkerRegistered, "worker:"+req.ID, map[string]any{
		"workerId": req.ID,
		"name":     req.Name,
	})
	return registered, nil
}

// Heartbeat refreshes lastHeartbeatAt unconditionally and, when both a log
// tail and a current task are reported, appends the tail to that task's
// log. The reported current task id itself is not stored on the worker.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, hb model.Heartbeat) (*model.Worker, error) {
	if err := r.store.TouchHeartbeat(ctx, workerID, model.Now()); err != nil {
		return nil, apierr.NotFound("worker %s not registered", workerID)
	}
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if hb.LogTail != "" && hb.CurrentTaskID != "" {
		if lerr := r.store.AppendTaskLog(ctx, hb.CurrentTaskID, hb.LogTail, model.Now()); lerr != nil {
			r.log.Debug("failed to append heartbeat log tail", "worker", workerID, "error", lerr)
		}
	}
	return w, nil
}

// Drain stops new work from reaching the worker; its current task runs to
// completion.
func (r *Registry) Drain(ctx context.Context, workerID string) (*model.Worker, error) {
	w, err := r.mustGetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if err := r.store.SetWorkerStatus(ctx, workerID, model.WorkerDraining, w.CurrentTaskID); err != nil {
		return nil, err
	}
	r.emitter.Emit(ctx, model.EventWorkerDraining, "", map[string]any{"workerId": workerID})
	return r.store.GetWorker(ctx, workerID)
}

// Offline forces a worker offline and immediately reclaims its running
// tasks.
func (r *Registry) Offline(ctx context.Context, workerID string) (*model.Worker, error) {
	if _, err := r.mustGetWorker(ctx, workerID); err != nil {
		return nil, err
	}
	if err := r.store.SetWorkerStatus(ctx, workerID, model.WorkerOffline, ""); err != nil {
		return nil, err
	}
	r.emitter.Emit(ctx, model.EventWorkerOffline, "", map[string]any{"workerId": workerID})
	if err := r.reclaimTasks(ctx, workerID, "worker_offline_manual"); err != nil {
		r.log.Error("failed to reclaim tasks for offline worker", "worker", workerID, "error", err)
	}
	return r.store.GetWorker(ctx, workerID)
}

// Activate returns a worker to idle.
func (r *Registry) Activate(ctx context.Context, workerID string) (*model.Worker, error) {
	if _, err := r.mustGetWorker(ctx, workerID); err != nil {
		return nil, err
	}
	if err := r.store.SetWorkerStatus(ctx, workerID, model.WorkerIdle, ""); err != nil {
		return nil, err
	}
	r.emitter.Emit(ctx, model.EventWorkerActivated, "", map[string]any{"workerId": workerID})
	return r.store.GetWorker(ctx, workerID)
}

func (r *Registry) mustGetWorker(ctx context.Context, id string) (*model.Worker, error) {
	w, err := r.store.GetWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, apierr.NotFound("worker %s not found", id)
	}
	return w, nil
}

// reclaimTasks resets every running scheduler task assigned to the worker.
// Tasks with retry budget left go back to queued with a bumped retryCount;
// exhausted ones fail with the given reason.
func (r *Registry) reclaimTasks(ctx context.Context, workerID, reason string) error {
	tasks, err := r.store.ListRunningByWorker(ctx, workerID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		now := model.Now()
		if t.RetryCount < t.MaxRetries {
			mut := store.TaskMutation{
				Status:            model.StatusQueued,
				SetRetryCount:     true,
				RetryCount:        t.RetryCount + 1,
				SetAssignedWorker: true,
				AssignedWorkerID:  "",
				SetStartedAt:      true,
				StartedAt:         nil,
				SetQueuedAt:       true,
				QueuedAt:          &now,
			}
			_, ok, cerr := r.store.CASTask(ctx, t.ID, []model.TaskStatus{model.StatusRunning}, mut)
			if cerr != nil {
				return cerr
			}
			if !ok {
				continue
			}
			r.emitter.Emit(ctx, model.EventTaskQueued, "", map[string]any{
				"taskId":         t.ID,
				"groupId":        t.GroupID,
				"previousStatus": string(model.StatusRunning),
				"reason":         reason,
				"workerId":       workerID,
			})
			continue
		}

		mut := store.TaskMutation{
			Status:            model.StatusFailed,
			SetSummary:        true,
			Summary:           reason,
			SetAssignedWorker: true,
			AssignedWorkerID:  "",
			SetCompletedAt:    true,
			CompletedAt:       &now,
		}
		_, ok, cerr := r.store.CASTask(ctx, t.ID, []model.TaskStatus{model.StatusRunning}, mut)
		if cerr != nil {
			return cerr
		}
		if !ok {
			continue
		}
		r.emitter.Emit(ctx, model.EventTaskFailed, "", map[string]any{
			"taskId":         t.ID,
			"groupId":        t.GroupID,
			"previousStatus": string(model.StatusRunning),
			"reason":         reason,
			"workerId":       workerID,
		})
	}
	return nil
}

// CanDispatch reports whether every required env var of an agent definition
// is satisfiable: present in the secret store / process env, or advertised
// by at least one live worker supporting the agent.
func (r *Registry) CanDispatch(ctx context.Context, agent *model.AgentDefinition, resolve func(name string) bool) (bool, []string, error) {
	cutoff := model.NewTime(time.Now().Add(-r.staleTimeout))
	live, err := r.store.ListLiveWorkersSupporting(ctx, agent.ID, cutoff)
	if err != nil {
		return false, nil, err
	}

	var missing []string
	for _, ev := range agent.RequiredEnvVars {
		if !ev.Required {
			continue
		}
		if resolve != nil && resolve(ev.Name) {
			continue
		}
		covered := false
		for _, w := range live {
			for _, name := range w.ReportedEnvVars {
				if name == ev.Name {
					covered = true
					break
				}
			}
			if covered {
				break
			}
		}
		if !covered {
			missing = append(missing, ev.Name)
		}
	}
	return len(missing) == 0, missing, nil
}
