// Package lifecycle implements the task state machine: publish, cancel with
// dependency cascade, rerun, restart-from, review approve/reject, and the
// finish transitions reported by executors. Every mutation goes through the
// store's CAS primitive so a late write can never overwrite a fresher
// terminal state.
package lifecycle

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/events"
	"github.com/camhq/cam/internal/gitprovider"
	"github.com/camhq/cam/internal/logging"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/secrets"
	"github.com/camhq/cam/internal/store"
)

// Service bundles the lifecycle primitives with their collaborators.
type Service struct {
	store            *store.Store
	emitter          *events.Emitter
	secrets          *secrets.Resolver
	providerFactory  gitprovider.Factory
	providerOverride gitprovider.Kind
	log              *log.Logger
}

// New wires a lifecycle service.
func New(s *store.Store, em *events.Emitter, sec *secrets.Resolver, factory gitprovider.Factory, override gitprovider.Kind) *Service {
	if factory == nil {
		factory = gitprovider.DefaultFactory
	}
	return &Service{
		store:            s,
		emitter:          em,
		secrets:          sec,
		providerFactory:  factory,
		providerOverride: override,
		log:              logging.New("lifecycle"),
	}
}

// CreateTaskRequest is the input to CreateTask.
type CreateTaskRequest struct {
	Title             string
	Description       string
	AgentDefinitionID string
	RepoURL           string
	BaseBranch        string
	WorkBranch        string
	WorkDir           string
	Source            model.TaskSource
	DependsOn         []string
	GroupID           string
	MaxRetries        *int
	Draft             bool
}

// CreateTask validates and inserts a single task. Dependencies must name
// existing tasks; unknown agent definitions are rejected.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest, actor string) (*model.Task, error) {
	if req.Title == "" {
		return nil, apierr.InvalidInput("title is required")
	}
	if req.AgentDefinitionID == "" {
		return nil, apierr.InvalidInput("agentDefinitionId is required")
	}
	agent, err := s.store.GetAgentDefinition(ctx, req.AgentDefinitionID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, apierr.NotFound("agent definition %s not found", req.AgentDefinitionID)
	}

	id := uuid.NewString()
	deps := model.NormalizeDependsOn(id, req.DependsOn)
	if len(deps) > 0 {
		statuses, err := s.store.DependencyStatuses(ctx, deps)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if _, ok := statuses[dep]; !ok {
				return nil, apierr.InvalidInput("dependency task %s does not exist", dep)
			}
		}
	}

	maxRetries := model.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = model.ClampMaxRetries(*req.MaxRetries)
	}
	source := req.Source
	if source == "" {
		source = model.SourceScheduler
	}

	now := model.Now()
	t := &model.Task{
		ID:                id,
		Title:             req.Title,
		Description:       req.Description,
		AgentDefinitionID: req.AgentDefinitionID,
		RepoURL:           req.RepoURL,
		BaseBranch:        req.BaseBranch,
		WorkBranch:        req.WorkBranch,
		WorkDir:           req.WorkDir,
		Status:            model.StatusQueued,
		Source:            source,
		MaxRetries:        maxRetries,
		DependsOn:         deps,
		GroupID:           req.GroupID,
		CreatedAt:         now,
		QueuedAt:          &now,
	}
	if req.Draft {
		t.Status = model.StatusDraft
		t.QueuedAt = nil
	}

	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.emitter.Emit(ctx, model.EventTaskCreated, actor, map[string]any{
		"taskId":  t.ID,
		"groupId": t.GroupID,
		"status":  string(t.Status),
	})
	return t, nil
}

// Publish moves a draft task into the queue.
func (s *Service) Publish(ctx context.Context, id, actor string) (*model.Task, error) {
	now := model.Now()
	t, ok, err := s.store.CASTask(ctx, id, []model.TaskStatus{model.StatusDraft}, store.TaskMutation{
		Status:      model.StatusQueued,
		SetQueuedAt: true,
		QueuedAt:    &now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		current, gerr := s.store.GetTask(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if current == nil {
			return nil, apierr.NotFound("task %s not found", id)
		}
		return nil, apierr.StateConflict("task %s is %s, not draft", id, current.Status).
			WithExtra("status", string(current.Status))
	}
	s.emitter.Emit(ctx, model.EventTaskQueued, actor, map[string]any{
		"taskId":         t.ID,
		"groupId":        t.GroupID,
		"previousStatus": string(model.StatusDraft),
	})
	return t, nil
}

// mustGetTask loads a task or returns NOT_FOUND.
func (s *Service) mustGetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apierr.NotFound("task %s not found", id)
	}
	return t, nil
}

// releaseWorker moves a worker back to idle after its task left running.
// The CAS keeps a worker that was concurrently drained or marked offline in
// that state.
func (s *Service) releaseWorker(ctx context.Context, workerID string, completed, failed int) {
	if workerID == "" {
		return
	}
	ok, err := s.store.CASWorkerStatus(ctx, workerID, model.WorkerBusy, model.WorkerIdle, "")
	if err != nil {
		s.log.Error("failed to release worker", "worker", workerID, "error", err)
		return
	}
	if !ok {
		// Worker moved to draining/offline under us; just detach the task.
		if w, gerr := s.store.GetWorker(ctx, workerID); gerr == nil && w != nil && w.Status == model.WorkerDraining {
			_ = s.store.SetWorkerStatus(ctx, workerID, model.WorkerDraining, "")
		}
	}
	if completed > 0 || failed > 0 {
		if err := s.store.BumpWorkerCounters(ctx, workerID, completed, failed); err != nil {
			s.log.Error("failed to bump worker counters", "worker", workerID, "error", err)
		}
	}
}

// clearTransients is the shared mutation fragment that wipes per-attempt
// fields when a task goes back into the queue.
func clearTransients(mut *store.TaskMutation) {
	mut.SetAssignedWorker = true
	mut.AssignedWorkerID = ""
	mut.SetSummary = true
	mut.Summary = ""
	mut.SetLogFileURL = true
	mut.LogFileURL = ""
	mut.SetReviewComment = true
	mut.ReviewComment = ""
	mut.SetStartedAt = true
	mut.StartedAt = nil
	mut.SetCompletedAt = true
	mut.CompletedAt = nil
}
