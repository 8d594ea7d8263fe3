package lifecycle

import (
	"context"
	"sort"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// RestartFrom resets a task and its downstream closure within the same
// group for re-execution. Refuses when any task in the closure is running.
// The root re-enters queued only when all of its upstream dependencies are
// already completed; everything else in the closure goes to waiting and is
// promoted by the dispatcher as upstream work finishes again.
func (s *Service) RestartFrom(ctx context.Context, groupID, fromTaskID, feedback, actor string) ([]*model.Task, error) {
	tasks, err := s.store.ListGroupTasks(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, apierr.NotFound("task group %s not found", groupID)
	}

	byID := make(map[string]*model.Task, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	root, ok := byID[fromTaskID]
	if !ok {
		return nil, apierr.NotFound("task %s is not part of group %s", fromTaskID, groupID)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, inGroup := byID[dep]; inGroup {
				dependents[dep] = append(dependents[dep], t.ID)
			}
		}
	}

	// Downstream closure of the root, bounded to the group.
	closure := map[string]struct{}{root.ID: {}}
	frontier := []string{root.ID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, depID := range dependents[current] {
			if _, seen := closure[depID]; seen {
				continue
			}
			closure[depID] = struct{}{}
			frontier = append(frontier, depID)
		}
	}

	var running []string
	for id := range closure {
		if byID[id].Status == model.StatusRunning {
			running = append(running, id)
		}
	}
	if len(running) > 0 {
		sort.Strings(running)
		return nil, apierr.StateConflict("cannot restart: %d task(s) in the closure are running", len(running)).
			WithExtra("runningTaskIds", running)
	}

	// The root is claimable immediately only when its own upstream deps
	// (outside the closure) are all completed.
	rootStatus := model.StatusQueued
	if len(root.DependsOn) > 0 {
		statuses, derr := s.store.DependencyStatuses(ctx, root.DependsOn)
		if derr != nil {
			return nil, derr
		}
		for _, dep := range root.DependsOn {
			if statuses[dep] != model.StatusCompleted {
				rootStatus = model.StatusWaiting
				break
			}
		}
	}

	var updated []*model.Task
	for _, t := range tasks {
		if _, in := closure[t.ID]; !in {
			continue
		}
		target := model.StatusWaiting
		if t.ID == root.ID {
			target = rootStatus
		}

		now := model.Now()
		mut := store.TaskMutation{Status: target}
		clearTransients(&mut)
		if target == model.StatusQueued {
			mut.SetQueuedAt = true
			mut.QueuedAt = &now
		}
		if feedback != "" {
			mut.SetFeedback = true
			mut.Feedback = feedback
		}
		// Only attempts that actually ran (terminal or awaiting_review)
		// consume retry budget on restart.
		if t.Status.IsTerminal() || t.Status == model.StatusAwaitingReview {
			newRetry := t.RetryCount + 1
			mut.SetRetryCount = true
			mut.RetryCount = newRetry
			if newRetry > t.MaxRetries {
				mut.SetMaxRetries = true
				mut.MaxRetries = newRetry
			}
		}

		row, ok, cerr := s.store.CASTask(ctx, t.ID, []model.TaskStatus{t.Status}, mut)
		if cerr != nil {
			return nil, cerr
		}
		if !ok {
			current, gerr := s.mustGetTask(ctx, t.ID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, apierr.StateConflict("task %s moved to %s during restart", t.ID, current.Status).
				WithExtra("status", string(current.Status))
		}
		updated = append(updated, row)
	}

	s.emitter.Emit(ctx, model.EventGroupRestart, actor, map[string]any{
		"groupId":    groupID,
		"fromTaskId": fromTaskID,
		"taskCount":  len(updated),
	})
	return updated, nil
}
