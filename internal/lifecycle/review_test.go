package lifecycle

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/gitprovider"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

func TestReviewRequiresValidInput(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, model.StatusAwaitingReview, nil)

	_, err := h.svc.Review(ctx, task.ID, ReviewRequest{Action: "maybe"}, "")
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeInvalidInput))

	_, err = h.svc.Review(ctx, task.ID, ReviewRequest{Action: "reject"}, "")
	require.Error(t, err, "reject without feedback")
	assert.True(t, apierr.IsCode(err, apierr.CodeInvalidInput))
}

func TestReviewOnWrongStateConflicts(t *testing.T) {
	h := setup(t)
	task := h.seedTask(t, model.StatusRunning, nil)

	_, err := h.svc.Review(context.Background(), task.ID, ReviewRequest{Action: "approve"}, "")
	require.Error(t, err)
	assert.True(t, apierr.IsCode(err, apierr.CodeStateConflict))
}

func TestReviewApprove(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, model.StatusAwaitingReview, func(x *model.Task) {
		x.AssignedWorkerID = "w1"
	})
	h.seedWorker(t, "w1", model.WorkerBusy, task.ID)

	approved, err := h.svc.Review(ctx, task.ID, ReviewRequest{Action: "approve"}, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, approved.Status)
	require.NotNil(t, approved.ReviewedAt)
	require.NotNil(t, approved.CompletedAt)
	assert.Zero(t, h.provider.merged, "approve without merge must not call the provider")
}

func TestReviewApproveWithMerge(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, model.StatusAwaitingReview, func(x *model.Task) {
		x.PRURL = "https://github.com/acme/widget/pull/7"
	})

	_, err := h.svc.Review(ctx, task.ID, ReviewRequest{Action: "approve", Merge: true}, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 1, h.provider.merged)
	assert.Equal(t, gitprovider.MergeSquash, h.provider.lastMethod)

	evs, err := h.store.ListEvents(ctx, store.EventFilter{TypePrefix: model.EventTaskPRMerged})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestReviewApproveMergeFailureEmitsPRFailed(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.provider.mergeErr = errors.New("merge conflict")
	task := h.seedTask(t, model.StatusAwaitingReview, func(x *model.Task) {
		x.PRURL = "https://github.com/acme/widget/pull/7"
	})

	approved, err := h.svc.Review(ctx, task.ID, ReviewRequest{Action: "approve", Merge: true}, "")
	require.NoError(t, err, "merge failure must not fail the approval")
	assert.Equal(t, model.StatusCompleted, approved.Status)

	evs, err := h.store.ListEvents(ctx, store.EventFilter{TypePrefix: model.EventTaskPRFailed})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

// Reject consumes retry budget; the final reject fails the
// task with the exhaustion event.
func TestReviewRejectToExhaustion(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	task := h.seedTask(t, model.StatusAwaitingReview, func(x *model.Task) {
		x.MaxRetries = 1
		x.Summary = "attempt one"
		x.AssignedWorkerID = "w1"
	})
	h.seedWorker(t, "w1", model.WorkerBusy, task.ID)

	// First reject: back to queued with feedback, transients cleared.
	rejected, err := h.svc.Review(ctx, task.ID, ReviewRequest{Action: "reject", Feedback: "fix"}, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, rejected.Status)
	assert.Equal(t, 1, rejected.RetryCount)
	assert.Equal(t, "fix", rejected.Feedback)
	assert.Empty(t, rejected.Summary)
	assert.Empty(t, rejected.AssignedWorkerID)

	// The task runs again and lands back in awaiting_review.
	_, ok, err := h.store.CASTask(ctx, task.ID, []model.TaskStatus{model.StatusQueued},
		store.TaskMutation{Status: model.StatusRunning})
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = h.store.CASTask(ctx, task.ID, []model.TaskStatus{model.StatusRunning},
		store.TaskMutation{Status: model.StatusAwaitingReview})
	require.NoError(t, err)
	require.True(t, ok)

	// Second reject: budget exhausted, reject is final.
	failed, err := h.svc.Review(ctx, task.ID, ReviewRequest{Action: "reject", Feedback: "still wrong"}, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)

	evs, err := h.store.ListEvents(ctx, store.EventFilter{TypePrefix: model.EventTaskReviewExhausted})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestEnsurePullRequestCreatesAndStoresURL(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	task := h.seedTask(t, model.StatusRunning, func(x *model.Task) { x.AssignedWorkerID = "w1" })
	h.seedWorker(t, "w1", model.WorkerBusy, task.ID)

	updated, err := h.svc.ReportStatus(ctx, task.ID, StatusReport{Status: model.StatusAwaitingReview}, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingReview, updated.Status)
	assert.Equal(t, h.provider.prURL, updated.PRURL)
	assert.Equal(t, 1, h.provider.ensured)

	evs, err := h.store.ListEvents(ctx, store.EventFilter{TypePrefix: model.EventTaskPRCreated})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestEnsurePullRequestSkipsWithoutBranchInfo(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	task := h.seedTask(t, model.StatusRunning, func(x *model.Task) {
		x.WorkBranch = ""
	})

	_, err := h.svc.ReportStatus(ctx, task.ID, StatusReport{Status: model.StatusAwaitingReview}, "")
	require.NoError(t, err)
	assert.Zero(t, h.provider.ensured)

	evs, err := h.store.ListEvents(ctx, store.EventFilter{TypePrefix: model.EventTaskPRSkipped})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "missing_branch_info", evs[0].PayloadField("reason"))
}

func TestEnsurePullRequestRemoteErrorKeepsTaskInReview(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.provider.ensureErr = errors.New("boom")

	task := h.seedTask(t, model.StatusRunning, nil)

	updated, err := h.svc.ReportStatus(ctx, task.ID, StatusReport{Status: model.StatusAwaitingReview}, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingReview, updated.Status)
	assert.Empty(t, updated.PRURL)

	evs, err := h.store.ListEvents(ctx, store.EventFilter{TypePrefix: model.EventTaskPRFailed})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}
