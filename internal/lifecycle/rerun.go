package lifecycle

import (
	"context"
	"regexp"
	"strconv"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// Rerun resets a terminal task back into the queue for another attempt.
// retryCount is bumped and maxRetries raised to cover it, so a rerun is
// always allowed to run even past the original budget.
func (s *Service) Rerun(ctx context.Context, id, feedback, actor string) (*model.Task, error) {
	t, err := s.mustGetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, apierr.StateConflict("task %s is %s; only terminal tasks can be rerun", id, t.Status).
			WithExtra("status", string(t.Status))
	}

	now := model.Now()
	newRetry := t.RetryCount + 1
	maxRetries := t.MaxRetries
	if newRetry > maxRetries {
		maxRetries = newRetry
	}
	mut := store.TaskMutation{
		Status:        model.StatusQueued,
		SetRetryCount: true,
		RetryCount:    newRetry,
		SetMaxRetries: true,
		MaxRetries:    maxRetries,
		SetQueuedAt:   true,
		QueuedAt:      &now,
	}
	if feedback != "" {
		mut.SetFeedback = true
		mut.Feedback = feedback
	}
	clearTransients(&mut)

	updated, ok, err := s.store.CASTask(ctx, id,
		[]model.TaskStatus{model.StatusCompleted, model.StatusFailed, model.StatusCancelled}, mut)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, gerr := s.mustGetTask(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apierr.StateConflict("task %s moved to %s", id, current.Status).
			WithExtra("status", string(current.Status))
	}

	s.emitter.Emit(ctx, model.EventTaskRerunRequested, actor, map[string]any{
		"taskId":         id,
		"groupId":        t.GroupID,
		"previousStatus": string(t.Status),
		"retryCount":     newRetry,
	})
	return updated, nil
}

// CancelGroup cancels every non-terminal task of a group.
func (s *Service) CancelGroup(ctx context.Context, groupID, reason, actor string) (int, error) {
	tasks, err := s.store.ListGroupTasks(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, apierr.NotFound("task group %s not found", groupID)
	}

	cancelled := 0
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if _, err := s.Cancel(ctx, t.ID, reason, actor); err != nil {
			s.log.Error("failed to cancel group member", "task", t.ID, "error", err)
			continue
		}
		cancelled++
	}
	s.emitter.Emit(ctx, model.EventGroupCancelled, actor, map[string]any{
		"groupId":        groupID,
		"cancelledCount": cancelled,
		"reason":         reason,
	})
	return cancelled, nil
}

// RerunFailedInGroup requeues every failed or cancelled task of a group.
func (s *Service) RerunFailedInGroup(ctx context.Context, groupID, feedback, actor string) (int, error) {
	tasks, err := s.store.ListGroupTasks(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, apierr.NotFound("task group %s not found", groupID)
	}

	requeued := 0
	for _, t := range tasks {
		if t.Status != model.StatusFailed && t.Status != model.StatusCancelled {
			continue
		}
		if _, err := s.Rerun(ctx, t.ID, feedback, actor); err != nil {
			s.log.Error("failed to rerun group member", "task", t.ID, "error", err)
			continue
		}
		requeued++
	}
	s.emitter.Emit(ctx, model.EventGroupRerunFail, actor, map[string]any{
		"groupId":       groupID,
		"requeuedCount": requeued,
	})
	return requeued, nil
}

var prNumberRegex = regexp.MustCompile(`/(?:pull|pulls|merge_requests)/(\d+)`)

// prNumberFromURL extracts the PR/MR number from a provider web URL.
// Returns 0 when the URL has no recognizable number.
func prNumberFromURL(prURL string) int {
	m := prNumberRegex.FindStringSubmatch(prURL)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
