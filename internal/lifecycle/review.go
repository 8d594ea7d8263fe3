package lifecycle

import (
	"context"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/gitprovider"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// ReviewRequest is the input to Review.
type ReviewRequest struct {
	Action   string // approve | reject
	Merge    bool
	Feedback string
}

// Review resolves a task in awaiting_review. Approve completes the task
// (optionally merging its PR); reject requeues it with feedback while retry
// budget remains, and fails it once the budget is exhausted.
func (s *Service) Review(ctx context.Context, id string, req ReviewRequest, actor string) (*model.Task, error) {
	switch req.Action {
	case "approve", "reject":
	default:
		return nil, apierr.InvalidInput("review action must be approve or reject, got %q", req.Action)
	}
	if req.Action == "reject" && req.Feedback == "" {
		return nil, apierr.InvalidInput("reject requires feedback")
	}

	t, err := s.mustGetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusAwaitingReview {
		return nil, apierr.StateConflict("task %s is %s, not awaiting_review", id, t.Status).
			WithExtra("status", string(t.Status))
	}

	if req.Action == "approve" {
		return s.approve(ctx, t, req, actor)
	}
	return s.reject(ctx, t, req, actor)
}

func (s *Service) approve(ctx context.Context, t *model.Task, req ReviewRequest, actor string) (*model.Task, error) {
	now := model.Now()
	mut := store.TaskMutation{
		Status:            model.StatusCompleted,
		SetCompletedAt:    true,
		CompletedAt:       &now,
		SetReviewedAt:     true,
		ReviewedAt:        &now,
		SetAssignedWorker: true,
		AssignedWorkerID:  "",
	}
	if req.Feedback != "" {
		mut.SetReviewComment = true
		mut.ReviewComment = req.Feedback
	}
	updated, ok, err := s.store.CASTask(ctx, t.ID,
		[]model.TaskStatus{model.StatusAwaitingReview}, mut)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, gerr := s.mustGetTask(ctx, t.ID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apierr.StateConflict("task %s moved to %s during review", t.ID, current.Status).
			WithExtra("status", string(current.Status))
	}

	s.releaseWorker(ctx, t.AssignedWorkerID, 1, 0)
	s.emitter.Emit(ctx, model.EventTaskReviewApproved, actor, map[string]any{
		"taskId":         t.ID,
		"groupId":        t.GroupID,
		"previousStatus": string(model.StatusAwaitingReview),
		"merge":          req.Merge,
	})

	if req.Merge && updated.PRURL != "" {
		s.mergePullRequest(ctx, updated, actor)
	}
	return updated, nil
}

func (s *Service) reject(ctx context.Context, t *model.Task, req ReviewRequest, actor string) (*model.Task, error) {
	now := model.Now()
	if t.RetryCount < t.MaxRetries {
		mut := store.TaskMutation{
			Status:        model.StatusQueued,
			SetRetryCount: true,
			RetryCount:    t.RetryCount + 1,
			SetFeedback:   true,
			Feedback:      req.Feedback,
			SetReviewedAt: true,
			ReviewedAt:    &now,
			SetQueuedAt:   true,
			QueuedAt:      &now,
		}
		clearTransients(&mut)
		updated, ok, err := s.store.CASTask(ctx, t.ID,
			[]model.TaskStatus{model.StatusAwaitingReview}, mut)
		if err != nil {
			return nil, err
		}
		if !ok {
			current, gerr := s.mustGetTask(ctx, t.ID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, apierr.StateConflict("task %s moved to %s during review", t.ID, current.Status).
				WithExtra("status", string(current.Status))
		}
		s.releaseWorker(ctx, t.AssignedWorkerID, 0, 0)
		s.emitter.Emit(ctx, model.EventTaskReviewRejected, actor, map[string]any{
			"taskId":         t.ID,
			"groupId":        t.GroupID,
			"previousStatus": string(model.StatusAwaitingReview),
			"feedback":       req.Feedback,
			"retryCount":     updated.RetryCount,
		})
		return updated, nil
	}

	// Retry budget exhausted: reject is final.
	mut := store.TaskMutation{
		Status:            model.StatusFailed,
		SetFeedback:       true,
		Feedback:          req.Feedback,
		SetReviewedAt:     true,
		ReviewedAt:        &now,
		SetCompletedAt:    true,
		CompletedAt:       &now,
		SetAssignedWorker: true,
		AssignedWorkerID:  "",
	}
	updated, ok, err := s.store.CASTask(ctx, t.ID,
		[]model.TaskStatus{model.StatusAwaitingReview}, mut)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, gerr := s.mustGetTask(ctx, t.ID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apierr.StateConflict("task %s moved to %s during review", t.ID, current.Status).
			WithExtra("status", string(current.Status))
	}
	s.releaseWorker(ctx, t.AssignedWorkerID, 0, 1)
	s.emitter.Emit(ctx, model.EventTaskReviewExhausted, actor, map[string]any{
		"taskId":         t.ID,
		"groupId":        t.GroupID,
		"previousStatus": string(model.StatusAwaitingReview),
		"feedback":       req.Feedback,
		"retryCount":     t.RetryCount,
		"maxRetries":     t.MaxRetries,
	})
	return updated, nil
}

// ensurePullRequest creates or locates a PR for a task entering
// awaiting_review. Missing prerequisites emit pr_skipped; remote errors emit
// pr_failed. Neither fails the task.
func (s *Service) ensurePullRequest(ctx context.Context, t *model.Task, actor string) *model.Task {
	if t.PRURL != "" {
		return t
	}
	if t.RepoURL == "" || t.WorkBranch == "" || t.BaseBranch == "" {
		s.emitter.Emit(ctx, model.EventTaskPRSkipped, actor, map[string]any{
			"taskId":  t.ID,
			"groupId": t.GroupID,
			"reason":  "missing_branch_info",
		})
		return t
	}

	repo, err := gitprovider.ParseRepoURL(t.RepoURL, s.providerOverride)
	if err != nil {
		s.emitter.Emit(ctx, model.EventTaskPRSkipped, actor, map[string]any{
			"taskId":  t.ID,
			"groupId": t.GroupID,
			"reason":  "unsupported_provider",
			"repoUrl": t.RepoURL,
		})
		return t
	}

	client := s.providerFactory(ctx, s.secrets, repo)
	if client == nil {
		s.emitter.Emit(ctx, model.EventTaskPRSkipped, actor, map[string]any{
			"taskId":   t.ID,
			"groupId":  t.GroupID,
			"reason":   "no_token",
			"provider": string(repo.Kind),
		})
		return t
	}

	pr, err := client.EnsurePullRequest(ctx, repo.Project, t.WorkBranch, t.BaseBranch, t.Title, t.Description)
	if err != nil {
		s.emitter.Emit(ctx, model.EventTaskPRFailed, actor, map[string]any{
			"taskId":   t.ID,
			"groupId":  t.GroupID,
			"provider": string(repo.Kind),
			"error":    err.Error(),
		})
		return t
	}

	updated, uerr := s.store.UpdateTaskFields(ctx, t.ID, store.TaskMutation{
		SetPRURL: true,
		PRURL:    pr.URL,
	})
	if uerr != nil || updated == nil {
		s.log.Error("failed to store PR URL", "task", t.ID, "error", uerr)
		updated = t
	}
	s.emitter.Emit(ctx, model.EventTaskPRCreated, actor, map[string]any{
		"taskId":   t.ID,
		"groupId":  t.GroupID,
		"provider": string(repo.Kind),
		"prUrl":    pr.URL,
	})
	return updated
}

// mergePullRequest merges an approved task's PR, defaulting to squash.
func (s *Service) mergePullRequest(ctx context.Context, t *model.Task, actor string) {
	repo, err := gitprovider.ParseRepoURL(t.RepoURL, s.providerOverride)
	if err != nil {
		s.emitter.Emit(ctx, model.EventTaskPRFailed, actor, map[string]any{
			"taskId": t.ID, "groupId": t.GroupID, "error": err.Error(),
		})
		return
	}
	client := s.providerFactory(ctx, s.secrets, repo)
	if client == nil {
		s.emitter.Emit(ctx, model.EventTaskPRFailed, actor, map[string]any{
			"taskId": t.ID, "groupId": t.GroupID, "error": "no provider token for merge",
		})
		return
	}
	number := prNumberFromURL(t.PRURL)
	if number == 0 {
		s.emitter.Emit(ctx, model.EventTaskPRFailed, actor, map[string]any{
			"taskId": t.ID, "groupId": t.GroupID, "error": "cannot parse PR number from " + t.PRURL,
		})
		return
	}
	if err := client.MergePullRequest(ctx, repo.Project, number, gitprovider.MergeSquash); err != nil {
		s.emitter.Emit(ctx, model.EventTaskPRFailed, actor, map[string]any{
			"taskId": t.ID, "groupId": t.GroupID, "error": err.Error(),
		})
		return
	}
	s.emitter.Emit(ctx, model.EventTaskPRMerged, actor, map[string]any{
		"taskId": t.ID, "groupId": t.GroupID, "prUrl": t.PRURL,
	})
}
