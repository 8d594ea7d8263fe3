// Package dispatch implements the worker-facing claim protocol: candidate
// selection, dependency readiness classification, the atomic task claim and
// the worker bind with its rollback path. Correctness under concurrent
// workers rests entirely on the two CAS writes; no locks are held across
// store calls.
package dispatch

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/camhq/cam/internal/events"
	"github.com/camhq/cam/internal/logging"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/secrets"
	"github.com/camhq/cam/internal/store"
)

// candidateWindow caps how many queued/waiting rows one dispatch call
// inspects. Queued rows sort ahead of waiting rows so a pile of waiting
// tasks can never starve fresh work out of the window.
const candidateWindow = 20

// Assignment is a successful claim: the task, its resolved agent definition
// and the materialized environment the worker launches with.
type Assignment struct {
	Task            *model.Task            `json:"task"`
	AgentDefinition *model.AgentDefinition `json:"agentDefinition"`
	Env             map[string]string      `json:"env"`
}

// Dispatcher hands runnable tasks to idle workers.
type Dispatcher struct {
	store   *store.Store
	emitter *events.Emitter
	secrets *secrets.Resolver
	log     *log.Logger
}

// New wires a dispatcher.
func New(s *store.Store, em *events.Emitter, sec *secrets.Resolver) *Dispatcher {
	return &Dispatcher{store: s, emitter: em, secrets: sec, log: logging.New("dispatch")}
}

// readiness classifies a candidate's dependency set.
type readiness int

const (
	ready readiness = iota
	pending
	blocked
)

// classify inspects every dependency status. blocked means at least one
// dependency is missing, failed or cancelled; pending means some are still
// in flight; ready means all completed.
func classify(deps []string, statuses map[string]model.TaskStatus) (readiness, string) {
	for _, dep := range deps {
		status, ok := statuses[dep]
		if !ok {
			return blocked, dep
		}
		switch status {
		case model.StatusFailed, model.StatusCancelled:
			return blocked, dep
		}
	}
	for _, dep := range deps {
		if statuses[dep] != model.StatusCompleted {
			return pending, dep
		}
	}
	return ready, ""
}

// NextTask returns at most one claimed task for the worker, or nil when
// nothing is runnable. Only idle workers receive work.
func (d *Dispatcher) NextTask(ctx context.Context, workerID string) (*Assignment, error) {
	worker, err := d.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker == nil || worker.Status != model.WorkerIdle {
		return nil, nil
	}

	candidates, err := d.store.ListDispatchCandidates(ctx, worker.SupportedAgentIDs, candidateWindow)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		assignment, outcome, err := d.tryClaim(ctx, worker, candidate)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case claimOK:
			return assignment, nil
		case claimWorkerLost:
			// Another request bound this worker; no capacity left to offer.
			return nil, nil
		}
	}
	return nil, nil
}

type claimOutcome int

const (
	claimOK claimOutcome = iota
	claimNext
	claimWorkerLost
)

// tryClaim walks one candidate through readiness, claim and bind.
func (d *Dispatcher) tryClaim(ctx context.Context, worker *model.Worker, candidate *model.Task) (*Assignment, claimOutcome, error) {
	// Step 1: classify dependency readiness.
	statuses, err := d.store.DependencyStatuses(ctx, candidate.DependsOn)
	if err != nil {
		return nil, claimNext, err
	}
	switch state, blockingDep := classify(candidate.DependsOn, statuses); state {
	case blocked:
		d.failBlocked(ctx, candidate, blockingDep)
		return nil, claimNext, nil
	case pending:
		d.demoteToWaiting(ctx, candidate)
		return nil, claimNext, nil
	}

	// Step 2: atomic task claim. A concurrent claim, cancel or delete makes
	// the CAS miss and we simply move on.
	now := model.Now()
	claimed, ok, err := d.store.CASTask(ctx, candidate.ID,
		[]model.TaskStatus{model.StatusQueued, model.StatusWaiting},
		store.TaskMutation{
			Status:            model.StatusRunning,
			SetAssignedWorker: true,
			AssignedWorkerID:  worker.ID,
			SetStartedAt:      true,
			StartedAt:         &now,
		})
	if err != nil {
		return nil, claimNext, err
	}
	if !ok {
		return nil, claimNext, nil
	}

	// Step 3: atomic worker bind. Losing this race means another request
	// grabbed the worker; roll the task back to queued and stop -- this
	// worker has no capacity to offer anymore.
	bound, err := d.store.CASWorkerStatus(ctx, worker.ID, model.WorkerIdle, model.WorkerBusy, claimed.ID)
	if err != nil {
		d.rollbackClaim(ctx, claimed)
		return nil, claimWorkerLost, err
	}
	if !bound {
		d.rollbackClaim(ctx, claimed)
		return nil, claimWorkerLost, nil
	}

	// Step 4: resolve the agent definition. A dangling reference fails the
	// task and releases the worker for the next candidate.
	agent, err := d.store.GetAgentDefinition(ctx, claimed.AgentDefinitionID)
	if err != nil {
		d.rollbackClaim(ctx, claimed)
		_ = d.store.SetWorkerStatus(ctx, worker.ID, model.WorkerIdle, "")
		return nil, claimNext, err
	}
	if agent == nil {
		d.failMissingAgent(ctx, claimed)
		if err := d.store.SetWorkerStatus(ctx, worker.ID, model.WorkerIdle, ""); err != nil {
			d.log.Error("failed to release worker after missing agent", "worker", worker.ID, "error", err)
		}
		return nil, claimNext, nil
	}

	// Step 5: materialize the environment from scoped secrets with process
	// env fallback.
	env := d.resolveEnv(ctx, claimed, agent)

	d.emitter.Emit(ctx, model.EventTaskStarted, "worker:"+worker.ID, map[string]any{
		"taskId":         claimed.ID,
		"groupId":        claimed.GroupID,
		"previousStatus": string(candidate.Status),
		"workerId":       worker.ID,
	})
	return &Assignment{Task: claimed, AgentDefinition: agent, Env: env}, claimOK, nil
}

// failBlocked CAS-fails a candidate whose dependency set can never
// complete, so it does not sit silently blocked forever.
func (d *Dispatcher) failBlocked(ctx context.Context, candidate *model.Task, blockingDep string) {
	now := model.Now()
	_, ok, err := d.store.CASTask(ctx, candidate.ID,
		[]model.TaskStatus{model.StatusQueued, model.StatusWaiting},
		store.TaskMutation{
			Status:         model.StatusFailed,
			SetSummary:     true,
			Summary:        "dependency " + blockingDep + " failed, was cancelled or no longer exists",
			SetCompletedAt: true,
			CompletedAt:    &now,
		})
	if err != nil {
		d.log.Error("failed to mark task dependency-blocked", "task", candidate.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	d.emitter.Emit(ctx, model.EventTaskDependencyBlocked, "", map[string]any{
		"taskId":         candidate.ID,
		"groupId":        candidate.GroupID,
		"previousStatus": string(candidate.Status),
		"blockingTaskId": blockingDep,
	})
}

// demoteToWaiting parks a queued candidate whose dependencies are still in
// flight. The waiting event is emitted only on the actual queued->waiting
// edge, never repeatedly.
func (d *Dispatcher) demoteToWaiting(ctx context.Context, candidate *model.Task) {
	if candidate.Status != model.StatusQueued {
		return
	}
	_, ok, err := d.store.CASTask(ctx, candidate.ID,
		[]model.TaskStatus{model.StatusQueued},
		store.TaskMutation{Status: model.StatusWaiting})
	if err != nil {
		d.log.Error("failed to demote task to waiting", "task", candidate.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	d.emitter.Emit(ctx, model.EventTaskWaiting, "", map[string]any{
		"taskId":         candidate.ID,
		"groupId":        candidate.GroupID,
		"previousStatus": string(model.StatusQueued),
	})
}

// rollbackClaim undoes a task claim whose worker bind was lost.
func (d *Dispatcher) rollbackClaim(ctx context.Context, claimed *model.Task) {
	_, _, err := d.store.CASTask(ctx, claimed.ID,
		[]model.TaskStatus{model.StatusRunning},
		store.TaskMutation{
			Status:            model.StatusQueued,
			SetAssignedWorker: true,
			AssignedWorkerID:  "",
			SetStartedAt:      true,
			StartedAt:         nil,
		})
	if err != nil {
		d.log.Error("failed to roll back claim", "task", claimed.ID, "error", err)
	}
}

// failMissingAgent fails a claimed task whose agent definition vanished.
func (d *Dispatcher) failMissingAgent(ctx context.Context, claimed *model.Task) {
	now := model.Now()
	_, _, err := d.store.CASTask(ctx, claimed.ID,
		[]model.TaskStatus{model.StatusRunning},
		store.TaskMutation{
			Status:            model.StatusFailed,
			SetSummary:        true,
			Summary:           "agent_definition_not_found: " + claimed.AgentDefinitionID,
			SetCompletedAt:    true,
			CompletedAt:       &now,
			SetAssignedWorker: true,
			AssignedWorkerID:  "",
		})
	if err != nil {
		d.log.Error("failed to fail task with missing agent", "task", claimed.ID, "error", err)
		return
	}
	d.emitter.Emit(ctx, model.EventTaskFailed, "", map[string]any{
		"taskId":         claimed.ID,
		"groupId":        claimed.GroupID,
		"previousStatus": string(model.StatusRunning),
		"reason":         "agent_definition_not_found",
	})
}

// resolveEnv collects required env var values: scoped secret first, process
// env fallback. Missing optional vars are simply absent from the map.
func (d *Dispatcher) resolveEnv(ctx context.Context, t *model.Task, agent *model.AgentDefinition) map[string]string {
	env := make(map[string]string)
	for _, ev := range agent.RequiredEnvVars {
		value, ok, err := d.secrets.Resolve(ctx, ev.Name, secrets.Scope{
			AgentDefinitionID: agent.ID,
			RepoURL:           t.RepoURL,
		})
		if err != nil {
			d.log.Error("failed to resolve env var", "name", ev.Name, "task", t.ID, "error", err)
			continue
		}
		if ok {
			env[ev.Name] = value
		} else if ev.Required {
			d.log.Warn("required env var unresolved", "name", ev.Name, "task", t.ID, "agent", agent.ID)
		}
	}
	return env
}
