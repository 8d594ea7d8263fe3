package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// A worker that stops heartbeating past the threshold is
// marked offline and its running task returns to the queue with a retry
// bump, ready for the next idle worker.
func TestSweepReclaimsStaleWorkerTasks(t *testing.T) {
	h := setup(t, 90*time.Second)
	ctx := context.Background()

	_, err := h.registry.Register(ctx, RegisterRequest{ID: "w1"})
	require.NoError(t, err)
	task := h.seedRunningTask(t, "w1", 0, 2)

	// Simulate a 2-minute heartbeat gap and a busy binding.
	require.NoError(t, h.store.TouchHeartbeat(ctx, "w1",
		model.NewTime(time.Now().Add(-2*time.Minute))))
	require.NoError(t, h.store.SetWorkerStatus(ctx, "w1", model.WorkerBusy, task.ID))

	loop := NewRecoveryLoop(h.registry, time.Second)
	loop.Sweep(ctx)

	worker, err := h.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerOffline, worker.Status)

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.AssignedWorkerID)

	evs, err := h.store.ListEvents(ctx, store.EventFilter{TypePrefix: model.EventWorkerStale})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestSweepIgnoresFreshWorkers(t *testing.T) {
	h := setup(t, 90*time.Second)
	ctx := context.Background()

	_, err := h.registry.Register(ctx, RegisterRequest{ID: "w1"})
	require.NoError(t, err)

	loop := NewRecoveryLoop(h.registry, time.Second)
	loop.Sweep(ctx)

	worker, err := h.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerIdle, worker.Status)
}

func TestSweepIgnoresAlreadyOfflineWorkers(t *testing.T) {
	h := setup(t, 90*time.Second)
	ctx := context.Background()

	_, err := h.registry.Register(ctx, RegisterRequest{ID: "w1"})
	require.NoError(t, err)
	require.NoError(t, h.store.TouchHeartbeat(ctx, "w1",
		model.NewTime(time.Now().Add(-time.Hour))))
	require.NoError(t, h.store.SetWorkerStatus(ctx, "w1", model.WorkerOffline, ""))

	loop := NewRecoveryLoop(h.registry, time.Second)
	loop.Sweep(ctx)

	evs, err := h.store.ListEvents(ctx, store.EventFilter{TypePrefix: model.EventWorkerStale})
	require.NoError(t, err)
	assert.Empty(t, evs, "already-offline workers are not re-reclaimed")
}

func TestRecoveryLoopStopsOnContextCancel(t *testing.T) {
	h := setup(t, 90*time.Second)
	loop := NewRecoveryLoop(h.registry, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := loop.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
