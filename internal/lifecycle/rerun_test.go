package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/model"
)

func TestRerunBumpsRetryAndRaisesBudget(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	task := h.seedTask(t, model.StatusFailed, func(x *model.Task) {
		x.RetryCount = 2
		x.MaxRetries = 2
		x.Summary = "old summary"
		x.AssignedWorkerID = "w-stale"
	})

	rerun, err := h.svc.Rerun(ctx, task.ID, "try harder", "tester")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, rerun.Status)
	assert.Equal(t, 3, rerun.RetryCount)
	assert.Equal(t, 3, rerun.MaxRetries, "maxRetries raised to cover the bump")
	assert.Equal(t, "try harder", rerun.Feedback)
	assert.Empty(t, rerun.Summary)
	assert.Empty(t, rerun.AssignedWorkerID)
	assert.Nil(t, rerun.CompletedAt)
	require.NotNil(t, rerun.QueuedAt)
}

func TestRerunFromEachTerminalStatus(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	for _, status := range []model.TaskStatus{model.StatusCompleted, model.StatusFailed, model.StatusCancelled} {
		task := h.seedTask(t, status, nil)
		rerun, err := h.svc.Rerun(ctx, task.ID, "", "")
		require.NoError(t, err, "rerun from %s", status)
		assert.Equal(t, model.StatusQueued, rerun.Status)
		assert.Equal(t, 1, rerun.RetryCount)
	}
}

func TestRerunNonTerminalConflicts(t *testing.T) {
	h := setup(t)
	task := h.seedTask(t, model.StatusRunning, nil)

	_, err := h.svc.Rerun(context.Background(), task.ID, "", "")
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeStateConflict))
}

func TestCancelGroup(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	a := h.seedTask(t, model.StatusQueued, func(x *model.Task) { x.GroupID = "g1" })
	b := h.seedTask(t, model.StatusWaiting, func(x *model.Task) { x.GroupID = "g1" })
	done := h.seedTask(t, model.StatusCompleted, func(x *model.Task) { x.GroupID = "g1" })

	count, err := h.svc.CancelGroup(ctx, "g1", "batch abort", "tester")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{a.ID, b.ID} {
		got, _ := h.store.GetTask(ctx, id)
		assert.Equal(t, model.StatusCancelled, got.Status)
	}
	gotDone, _ := h.store.GetTask(ctx, done.ID)
	assert.Equal(t, model.StatusCompleted, gotDone.Status)
}

func TestCancelGroupUnknown(t *testing.T) {
	h := setup(t)
	_, err := h.svc.CancelGroup(context.Background(), "ghost-group", "", "")
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeNotFound))
}

func TestRerunFailedInGroup(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	failed := h.seedTask(t, model.StatusFailed, func(x *model.Task) { x.GroupID = "g1" })
	cancelled := h.seedTask(t, model.StatusCancelled, func(x *model.Task) { x.GroupID = "g1" })
	completed := h.seedTask(t, model.StatusCompleted, func(x *model.Task) { x.GroupID = "g1" })

	count, err := h.svc.RerunFailedInGroup(ctx, "g1", "round two", "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{failed.ID, cancelled.ID} {
		got, _ := h.store.GetTask(ctx, id)
		assert.Equal(t, model.StatusQueued, got.Status, "task %s requeued", id)
	}
	gotCompleted, _ := h.store.GetTask(ctx, completed.ID)
	assert.Equal(t, model.StatusCompleted, gotCompleted.Status)
}

func TestPRNumberFromURL(t *testing.T) {
	assert.Equal(t, 7, prNumberFromURL("https://github.com/acme/widget/pull/7"))
	assert.Equal(t, 42, prNumberFromURL("https://gitlab.com/acme/widget/-/merge_requests/42"))
	assert.Equal(t, 3, prNumberFromURL("https://gitea.example.com/acme/widget/pulls/3"))
	assert.Zero(t, prNumberFromURL("https://example.com/nothing"))
}
