package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camhq/cam/internal/events"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/secrets"
	"github.com/camhq/cam/internal/store"
)

type harness struct {
	d     *Dispatcher
	store *store.Store
}

func setup(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dispatch-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SeedBuiltinAgents(context.Background()))

	broker := events.NewBroker()
	emitter := events.NewEmitter(st, broker)
	return &harness{
		d:     New(st, emitter, secrets.NewResolver(st)),
		store: st,
	}
}

func (h *harness) seedWorker(t *testing.T, id string, supported ...string) {
	t.Helper()
	now := model.Now()
	require.NoError(t, h.store.UpsertWorker(context.Background(), &model.Worker{
		ID:                id,
		Name:              id,
		SupportedAgentIDs: supported,
		MaxConcurrent:     1,
		Mode:              model.WorkerModeDaemon,
		Status:            model.WorkerIdle,
		LastHeartbeatAt:   now,
		UptimeSince:       now,
	}))
}

func (h *harness) seedTask(t *testing.T, status model.TaskStatus, mutate func(*model.Task)) *model.Task {
	t.Helper()
	now := model.Now()
	task := &model.Task{
		ID:                uuid.NewString(),
		Title:             "dispatchable",
		AgentDefinitionID: "claude-code",
		Status:            status,
		Source:            model.SourceScheduler,
		MaxRetries:        model.DefaultMaxRetries,
		CreatedAt:         now,
		QueuedAt:          &now,
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	return task
}

func TestNextTaskClaimsAndBinds(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.seedWorker(t, "w1")
	task := h.seedTask(t, model.StatusQueued, nil)

	assignment, err := h.d.NextTask(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, task.ID, assignment.Task.ID)
	assert.Equal(t, model.StatusRunning, assignment.Task.Status)
	assert.Equal(t, "w1", assignment.Task.AssignedWorkerID)
	require.NotNil(t, assignment.Task.StartedAt)
	require.NotNil(t, assignment.AgentDefinition)
	assert.Equal(t, "claude-code", assignment.AgentDefinition.ID)

	worker, err := h.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerBusy, worker.Status)
	assert.Equal(t, task.ID, worker.CurrentTaskID)
}

func TestNextTaskNonIdleWorkerGetsNothing(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.seedWorker(t, "w1")
	require.NoError(t, h.store.SetWorkerStatus(ctx, "w1", model.WorkerDraining, ""))
	h.seedTask(t, model.StatusQueued, nil)

	assignment, err := h.d.NextTask(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestNextTaskUnknownWorker(t *testing.T) {
	h := setup(t)
	assignment, err := h.d.NextTask(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestNextTaskIgnoresTerminalSource(t *testing.T) {
	h := setup(t)
	h.seedWorker(t, "w1")
	h.seedTask(t, model.StatusQueued, func(x *model.Task) { x.Source = model.SourceTerminal })

	assignment, err := h.d.NextTask(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestNextTaskRespectsSupportedAgents(t *testing.T) {
	h := setup(t)
	h.seedWorker(t, "w1", "codex-cli")
	h.seedTask(t, model.StatusQueued, nil) // claude-code task

	assignment, err := h.d.NextTask(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, assignment)

	matching := h.seedTask(t, model.StatusQueued, func(x *model.Task) { x.AgentDefinitionID = "codex-cli" })
	assignment, err = h.d.NextTask(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, matching.ID, assignment.Task.ID)
}

func TestNextTaskDemotesPendingDependencies(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.seedWorker(t, "w1")

	up := h.seedTask(t, model.StatusQueued, nil)
	down := h.seedTask(t, model.StatusQueued, func(x *model.Task) { x.DependsOn = []string{up.ID} })

	// First call claims the upstream; a second idle worker's empty poll
	// finds the downstream pending and demotes it.
	assignment, err := h.d.NextTask(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, up.ID, assignment.Task.ID)

	h.seedWorker(t, "w2")
	assignment, err = h.d.NextTask(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, assignment)

	gotDown, err := h.store.GetTask(ctx, down.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, gotDown.Status)
}

// Dependency isolation: a task never reaches running before every
// dependency is completed at the claim instant.
func TestNextTaskPromotesWaitingWhenDepsComplete(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.seedWorker(t, "w1")

	up := h.seedTask(t, model.StatusCompleted, nil)
	down := h.seedTask(t, model.StatusWaiting, func(x *model.Task) { x.DependsOn = []string{up.ID} })

	assignment, err := h.d.NextTask(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, down.ID, assignment.Task.ID)
	assert.Equal(t, model.StatusRunning, assignment.Task.Status)
}

// A failed dependency turns the downstream into a failed
// task with a dependency_blocked event instead of blocking it forever.
func TestNextTaskFailsBlockedCandidate(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.seedWorker(t, "w1")

	failedDep := h.seedTask(t, model.StatusFailed, nil)
	down := h.seedTask(t, model.StatusWaiting, func(x *model.Task) { x.DependsOn = []string{failedDep.ID} })

	assignment, err := h.d.NextTask(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, assignment)

	gotDown, err := h.store.GetTask(ctx, down.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, gotDown.Status)

	evs, err := h.store.ListEvents(ctx, store.EventFilter{TypePrefix: model.EventTaskDependencyBlocked})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, down.ID, evs[0].PayloadField("taskId"))
}

func TestNextTaskMissingDependencyBlocks(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.seedWorker(t, "w1")
	down := h.seedTask(t, model.StatusQueued, func(x *model.Task) { x.DependsOn = []string{"vanished"} })

	assignment, err := h.d.NextTask(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, assignment)

	got, err := h.store.GetTask(ctx, down.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestNextTaskMissingAgentDefinitionFailsTask(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.seedWorker(t, "w1")
	task := h.seedTask(t, model.StatusQueued, func(x *model.Task) { x.AgentDefinitionID = "ghost-agent" })

	assignment, err := h.d.NextTask(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, assignment)

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.Summary, "agent_definition_not_found")

	// The worker is free again.
	worker, err := h.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerIdle, worker.Status)
}

// Single-claim invariant: N workers racing for one task produce exactly one
// successful claim.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	task := h.seedTask(t, model.StatusQueued, nil)

	const workers = 8
	for i := 0; i < workers; i++ {
		h.seedWorker(t, workerID(i))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assignment, err := h.d.NextTask(ctx, id)
			if err == nil && assignment != nil {
				mu.Lock()
				wins = append(wins, id)
				mu.Unlock()
			}
		}(workerID(i))
	}
	wg.Wait()

	require.Len(t, wins, 1, "exactly one worker claims the task")

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, wins[0], got.AssignedWorkerID)
}

func workerID(i int) string {
	return "w" + string(rune('a'+i))
}

func TestResolveEnvPrefersScopedSecret(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.seedWorker(t, "w1")
	require.NoError(t, h.store.SetSecret(ctx, "ANTHROPIC_API_KEY", "claude-code", "", "scoped-key"))
	h.seedTask(t, model.StatusQueued, nil)

	assignment, err := h.d.NextTask(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, "scoped-key", assignment.Env["ANTHROPIC_API_KEY"])
}
