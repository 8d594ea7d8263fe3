package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/camhq/cam/internal/model"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cam-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(status model.TaskStatus, deps ...string) *model.Task {
	now := model.Now()
	t := &model.Task{
		ID:                uuid.NewString(),
		Title:             "test task",
		AgentDefinitionID: "claude-code",
		Status:            status,
		Source:            model.SourceScheduler,
		MaxRetries:        model.DefaultMaxRetries,
		DependsOn:         deps,
		CreatedAt:         now,
	}
	if status != model.StatusDraft {
		t.QueuedAt = &now
	}
	return t
}

func mustCreate(t *testing.T, s *Store, task *model.Task) *model.Task {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}
