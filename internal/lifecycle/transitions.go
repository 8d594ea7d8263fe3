package lifecycle

import (
	"context"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// Cancel moves a non-terminal task to cancelled and cascades through its
// queued/waiting dependents. Cancelling an already-terminal task is an
// idempotent success. Running and terminal downstream tasks are not touched.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (*model.Task, error) {
	t, err := s.mustGetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	previous := t.Status
	now := model.Now()
	mut := store.TaskMutation{
		Status:            model.StatusCancelled,
		SetCompletedAt:    true,
		CompletedAt:       &now,
		SetAssignedWorker: true,
		AssignedWorkerID:  "",
	}
	updated, ok, err := s.store.CASTask(ctx, id, nonTerminalStatuses(), mut)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The task reached a terminal state between the read and the CAS.
		current, gerr := s.mustGetTask(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return current, nil
	}

	if previous == model.StatusRunning {
		s.releaseWorker(ctx, t.AssignedWorkerID, 0, 0)
	}
	payload := map[string]any{
		"taskId":         id,
		"groupId":        t.GroupID,
		"previousStatus": string(previous),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	s.emitter.Emit(ctx, model.EventTaskCancelled, actor, payload)

	if t.Source == model.SourceScheduler {
		if err := s.cascadeCancel(ctx, id, actor); err != nil {
			s.log.Error("failed to cascade cancel", "task", id, "error", err)
		}
	}
	return updated, nil
}

// cascadeCancel cancels every task reachable in the dependents graph from
// rootID whose status is queued or waiting. Each cascaded cancel emits its
// own event carrying cascadeFromTaskId.
func (s *Service) cascadeCancel(ctx context.Context, rootID, actor string) error {
	visited := map[string]struct{}{rootID: {}}
	frontier := []string{rootID}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		dependents, err := s.store.ListDependents(ctx, current)
		if err != nil {
			return err
		}
		for _, dep := range dependents {
			if _, seen := visited[dep.ID]; seen {
				continue
			}
			visited[dep.ID] = struct{}{}
			// Cascade continues through every reachable node, but only
			// queued/waiting rows are actually cancelled.
			frontier = append(frontier, dep.ID)

			if dep.Status != model.StatusQueued && dep.Status != model.StatusWaiting {
				continue
			}
			now := model.Now()
			_, ok, err := s.store.CASTask(ctx, dep.ID,
				[]model.TaskStatus{model.StatusQueued, model.StatusWaiting},
				store.TaskMutation{
					Status:         model.StatusCancelled,
					SetCompletedAt: true,
					CompletedAt:    &now,
				})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			s.emitter.Emit(ctx, model.EventTaskCancelled, actor, map[string]any{
				"taskId":            dep.ID,
				"groupId":           dep.GroupID,
				"previousStatus":    string(dep.Status),
				"cascadeFromTaskId": rootID,
			})
		}
	}
	return nil
}

// StatusReport is the executor-facing completion report for a running task.
type StatusReport struct {
	Status     model.TaskStatus // completed | failed | awaiting_review
	Summary    string
	LogFileURL string
	PRURL      string
}

// ReportStatus applies an executor's terminal report to a running task. A
// failure auto-retries into queued while retry budget remains; entering
// awaiting_review triggers PR creation.
func (s *Service) ReportStatus(ctx context.Context, id string, report StatusReport, actor string) (*model.Task, error) {
	switch report.Status {
	case model.StatusCompleted, model.StatusFailed, model.StatusAwaitingReview:
	default:
		return nil, apierr.InvalidInput("status %q is not a valid completion report", report.Status)
	}

	t, err := s.mustGetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusRunning {
		return nil, apierr.StateConflict("task %s is %s, not running", id, t.Status).
			WithExtra("status", string(t.Status))
	}

	now := model.Now()
	mut := store.TaskMutation{Status: report.Status}
	if report.Summary != "" {
		mut.SetSummary = true
		mut.Summary = report.Summary
	}
	if report.LogFileURL != "" {
		mut.SetLogFileURL = true
		mut.LogFileURL = report.LogFileURL
	}
	if report.PRURL != "" {
		mut.SetPRURL = true
		mut.PRURL = report.PRURL
	}
	// The worker is done executing on every report; only running rows keep
	// an assigned worker.
	mut.SetAssignedWorker = true
	mut.AssignedWorkerID = ""
	if report.Status != model.StatusAwaitingReview {
		mut.SetCompletedAt = true
		mut.CompletedAt = &now
	}

	updated, ok, err := s.store.CASTask(ctx, id, []model.TaskStatus{model.StatusRunning}, mut)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Cancelled (or otherwise moved) while the report was in flight;
		// the executor's late output is discarded.
		current, gerr := s.mustGetTask(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return current, nil
	}

	switch report.Status {
	case model.StatusCompleted:
		s.releaseWorker(ctx, t.AssignedWorkerID, 1, 0)
		s.emitter.Emit(ctx, model.EventTaskCompleted, actor, map[string]any{
			"taskId":         id,
			"groupId":        t.GroupID,
			"previousStatus": string(model.StatusRunning),
		})

	case model.StatusFailed:
		s.releaseWorker(ctx, t.AssignedWorkerID, 0, 1)
		s.emitter.Emit(ctx, model.EventTaskFailed, actor, map[string]any{
			"taskId":         id,
			"groupId":        t.GroupID,
			"previousStatus": string(model.StatusRunning),
			"summary":        report.Summary,
		})
		if updated.RetryCount < updated.MaxRetries {
			retried, rerr := s.autoRetry(ctx, updated, actor)
			if rerr != nil {
				s.log.Error("failed to auto-retry task", "task", id, "error", rerr)
			} else if retried != nil {
				return retried, nil
			}
		}

	case model.StatusAwaitingReview:
		s.releaseWorker(ctx, t.AssignedWorkerID, 0, 0)
		s.emitter.Emit(ctx, model.EventTaskProgress, actor, map[string]any{
			"taskId":         id,
			"groupId":        t.GroupID,
			"previousStatus": string(model.StatusRunning),
			"status":         string(model.StatusAwaitingReview),
		})
		updated = s.ensurePullRequest(ctx, updated, actor)
	}
	return updated, nil
}

// autoRetry requeues a freshly failed task for another attempt.
func (s *Service) autoRetry(ctx context.Context, t *model.Task, actor string) (*model.Task, error) {
	now := model.Now()
	mut := store.TaskMutation{
		Status:        model.StatusQueued,
		SetRetryCount: true,
		RetryCount:    t.RetryCount + 1,
		SetQueuedAt:   true,
		QueuedAt:      &now,
	}
	clearTransients(&mut)
	updated, ok, err := s.store.CASTask(ctx, t.ID, []model.TaskStatus{model.StatusFailed}, mut)
	if err != nil || !ok {
		return nil, err
	}
	s.emitter.Emit(ctx, model.EventTaskQueued, actor, map[string]any{
		"taskId":         t.ID,
		"groupId":        t.GroupID,
		"previousStatus": string(model.StatusFailed),
		"reason":         "auto_retry",
		"retryCount":     updated.RetryCount,
	})
	return updated, nil
}

// TaskPatch is the partial-update input for UpdateTask.
type TaskPatch struct {
	Status      model.TaskStatus
	Title       *string
	Description *string
	Summary     *string
	LogFileURL  *string
	PRURL       *string
	Feedback    *string
}

// UpdateTask applies a partial update. A status change is CAS-guarded
// against the status observed at load time, so a stale write returns the
// latest row unchanged instead of clobbering a fresher transition.
// Cancelled is a sink: patches against a cancelled task are accepted and
// ignored.
func (s *Service) UpdateTask(ctx context.Context, id string, patch TaskPatch, actor string) (*model.Task, error) {
	t, err := s.mustGetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == model.StatusCancelled {
		return t, nil
	}

	mut := store.TaskMutation{}
	if patch.Status != "" {
		if !patch.Status.IsValid() {
			return nil, apierr.InvalidInput("unknown status %q", patch.Status)
		}
		if !legalTransition(t.Status, patch.Status) {
			return nil, apierr.InvalidInput("cannot transition %s from %s to %s", id, t.Status, patch.Status)
		}
		mut.Status = patch.Status
		now := model.Now()
		switch patch.Status {
		case model.StatusQueued:
			mut.SetQueuedAt = true
			mut.QueuedAt = &now
		case model.StatusRunning:
			mut.SetStartedAt = true
			mut.StartedAt = &now
		case model.StatusAwaitingReview:
			mut.SetAssignedWorker = true
			mut.AssignedWorkerID = ""
		case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
			mut.SetCompletedAt = true
			mut.CompletedAt = &now
			mut.SetAssignedWorker = true
			mut.AssignedWorkerID = ""
		}
	}
	applyFieldPatch(&mut, patch)
	if mut == (store.TaskMutation{}) {
		return t, nil
	}

	updated, ok, err := s.store.CASTask(ctx, id, []model.TaskStatus{t.Status}, mut)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Stale write: the row moved between load and CAS. Idempotently
		// return the latest state.
		return s.mustGetTask(ctx, id)
	}

	if patch.Status != "" && t.Status == model.StatusRunning && patch.Status != model.StatusRunning {
		s.releaseWorker(ctx, t.AssignedWorkerID, 0, 0)
	}
	if patch.Status == model.StatusAwaitingReview {
		updated = s.ensurePullRequest(ctx, updated, actor)
	}
	return updated, nil
}

func applyFieldPatch(mut *store.TaskMutation, patch TaskPatch) {
	if patch.Title != nil {
		mut.SetTitle = true
		mut.Title = *patch.Title
	}
	if patch.Description != nil {
		mut.SetDescription = true
		mut.Description = *patch.Description
	}
	if patch.Summary != nil {
		mut.SetSummary = true
		mut.Summary = *patch.Summary
	}
	if patch.LogFileURL != nil {
		mut.SetLogFileURL = true
		mut.LogFileURL = *patch.LogFileURL
	}
	if patch.PRURL != nil {
		mut.SetPRURL = true
		mut.PRURL = *patch.PRURL
	}
	if patch.Feedback != nil {
		mut.SetFeedback = true
		mut.Feedback = *patch.Feedback
	}
}

// legalTransition encodes the state machine edges accepted at the API
// boundary. Internal primitives (claim, cascade) bypass this table and use
// their own CAS guards.
func legalTransition(from, to model.TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case model.StatusDraft:
		return to == model.StatusQueued || to == model.StatusCancelled
	case model.StatusQueued:
		return to == model.StatusWaiting || to == model.StatusRunning || to == model.StatusCancelled
	case model.StatusWaiting:
		return to == model.StatusQueued || to == model.StatusRunning || to == model.StatusCancelled
	case model.StatusRunning:
		return to == model.StatusCompleted || to == model.StatusFailed ||
			to == model.StatusAwaitingReview || to == model.StatusCancelled
	case model.StatusAwaitingReview:
		return to == model.StatusCompleted || to == model.StatusFailed ||
			to == model.StatusQueued || to == model.StatusCancelled
	default:
		// Terminal states only leave via rerun/restart-from.
		return false
	}
}

func nonTerminalStatuses() []model.TaskStatus {
	return []model.TaskStatus{
		model.StatusDraft, model.StatusQueued, model.StatusWaiting,
		model.StatusRunning, model.StatusAwaitingReview,
	}
}

// DeleteTask removes a task after checking for live downstream dependents.
// Cascades through logs, dependency references and audit payloads in one
// transaction.
func (s *Service) DeleteTask(ctx context.Context, id, actor string) error {
	t, err := s.mustGetTask(ctx, id)
	if err != nil {
		return err
	}
	dependents, err := s.store.ListDependents(ctx, id)
	if err != nil {
		return err
	}
	var live []string
	for _, dep := range dependents {
		if !dep.Status.IsTerminal() {
			live = append(live, dep.ID)
		}
	}
	if len(live) > 0 {
		return apierr.StateConflict("task %s has live dependents", id).
			WithExtra("dependentTaskIds", live)
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.emitter.Emit(ctx, model.EventTaskDeleted, actor, map[string]any{
		"taskId":  id,
		"groupId": t.GroupID,
	})
	return nil
}
