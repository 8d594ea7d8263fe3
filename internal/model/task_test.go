package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	open := []TaskStatus{StatusDraft, StatusQueued, StatusWaiting, StatusRunning, StatusAwaitingReview}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestClampMaxRetries(t *testing.T) {
	assert.Equal(t, 0, ClampMaxRetries(-5))
	assert.Equal(t, 0, ClampMaxRetries(0))
	assert.Equal(t, 7, ClampMaxRetries(7))
	assert.Equal(t, 20, ClampMaxRetries(20))
	assert.Equal(t, 20, ClampMaxRetries(100))
}

func TestNormalizeDependsOn(t *testing.T) {
	got := NormalizeDependsOn("self", []string{"a", "b", "a", "self", "", "c", "b"})
	assert.Equal(t, []string{"a", "b", "c"}, got)

	assert.Empty(t, NormalizeDependsOn("self", nil))
	assert.Empty(t, NormalizeDependsOn("self", []string{"self", "self"}))
}

func TestTimeJSONRoundTrip(t *testing.T) {
	original := NewTime(time.Date(2025, 6, 1, 12, 30, 45, 123_000_000, time.UTC))

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Equal(t, `"2025-06-01T12:30:45.123Z"`, string(data))

	var decoded Time
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, original.Equal(decoded.Time))
}

func TestTimeUnmarshalAcceptsRFC3339(t *testing.T) {
	var decoded Time
	require.NoError(t, json.Unmarshal([]byte(`"2025-06-01T12:30:45Z"`), &decoded))
	assert.Equal(t, 2025, decoded.Year())
}

func TestTemplateValidate(t *testing.T) {
	t.Run("single-task template", func(t *testing.T) {
		tmpl := &TaskTemplate{Name: "fix-bug", MaxRetries: 2}
		require.NoError(t, tmpl.Validate())
		assert.False(t, tmpl.IsPipeline())
	})

	t.Run("pipeline needs two steps", func(t *testing.T) {
		tmpl := &TaskTemplate{
			Name:          "short",
			PipelineSteps: []PipelineStep{{Title: "only"}},
		}
		require.Error(t, tmpl.Validate())
	})

	t.Run("maxRetries bounds", func(t *testing.T) {
		tmpl := &TaskTemplate{Name: "over", MaxRetries: 21}
		require.Error(t, tmpl.Validate())
		tmpl.MaxRetries = -1
		require.Error(t, tmpl.Validate())
	})

	t.Run("step without title", func(t *testing.T) {
		tmpl := &TaskTemplate{
			Name:          "untitled-step",
			PipelineSteps: []PipelineStep{{Title: "a"}, {Title: "  "}},
		}
		require.Error(t, tmpl.Validate())
	})
}

func TestRender(t *testing.T) {
	out := Render("Fix {{title}} in {{repo}}", map[string]string{"title": "the bug", "repo": "cam"})
	assert.Equal(t, "Fix the bug in cam", out)

	// Unknown placeholders stay as-is.
	assert.Equal(t, "keep {{unknown}}", Render("keep {{unknown}}", map[string]string{"title": "x"}))
}

func TestWorkerSupports(t *testing.T) {
	universal := &Worker{}
	assert.True(t, universal.Supports("anything"))

	scoped := &Worker{SupportedAgentIDs: []string{"claude-code"}}
	assert.True(t, scoped.Supports("claude-code"))
	assert.False(t, scoped.Supports("codex-cli"))
}

func TestWorkerIsStale(t *testing.T) {
	now := time.Now()
	w := &Worker{LastHeartbeatAt: NewTime(now.Add(-2 * time.Minute))}
	assert.True(t, w.IsStale(now, 90*time.Second))
	assert.False(t, w.IsStale(now, 5*time.Minute))
}
