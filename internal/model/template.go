package model

import (
	"strings"

	"github.com/pkg/errors"
)

// ParallelAgent is one fan-out node inside a pipeline step. Nodes within the
// same step run as mutual siblings with no dependency edges between them.
type ParallelAgent struct {
	Title             string `json:"title,omitempty"`
	AgentDefinitionID string `json:"agentDefinitionId,omitempty"`
	Prompt            string `json:"prompt,omitempty"`
}

// PipelineStep is one ordered step of a pipeline template.
type PipelineStep struct {
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	AgentDefinitionID string          `json:"agentDefinitionId,omitempty"`
	InputFiles        []string        `json:"inputFiles,omitempty"`
	InputCondition    string          `json:"inputCondition,omitempty"`
	ParallelAgents    []ParallelAgent `json:"parallelAgents,omitempty"`
}

// TaskTemplate describes either a single-task template or, when
// PipelineSteps is present, a pipeline template expanded into a task DAG.
type TaskTemplate struct {
	Name              string         `json:"name"`
	TitleTemplate     string         `json:"titleTemplate"`
	PromptTemplate    string         `json:"promptTemplate"`
	AgentDefinitionID string         `json:"agentDefinitionId,omitempty"`
	MaxRetries        int            `json:"maxRetries"`
	PipelineSteps     []PipelineStep `json:"pipelineSteps,omitempty"`
	CreatedAt         Time           `json:"createdAt"`
	UpdatedAt         Time           `json:"updatedAt"`
}

// IsPipeline reports whether the template expands into a multi-task DAG.
func (t *TaskTemplate) IsPipeline() bool {
	return len(t.PipelineSteps) > 0
}

// Validate checks template-level constraints. Pipeline templates need at
// least two steps; maxRetries must be within [0, 20].
func (t *TaskTemplate) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name is required")
	}
	if t.MaxRetries < 0 || t.MaxRetries > MaxRetriesCeiling {
		return errors.Errorf("maxRetries must be between 0 and %d, got %d", MaxRetriesCeiling, t.MaxRetries)
	}
	if t.IsPipeline() && len(t.PipelineSteps) < 2 {
		return errors.Errorf("pipeline template needs at least 2 steps, got %d", len(t.PipelineSteps))
	}
	for i, step := range t.PipelineSteps {
		if strings.TrimSpace(step.Title) == "" {
			return errors.Errorf("pipeline step %d has no title", i+1)
		}
	}
	return nil
}

// Render substitutes {{key}} placeholders in a template string.
func Render(tmpl string, vars map[string]string) string {
	out := tmpl
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
