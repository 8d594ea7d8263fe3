// Package pipeline materializes a pipeline template into a task DAG. Steps
// run in declared order; a step's parallelAgents fan out into sibling tasks
// and the next step depends on all of them, which is the fan-in barrier.
// The DAG lives purely in each task's dependsOn field.
package pipeline

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/events"
	"github.com/camhq/cam/internal/logging"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/store"
)

// Expander turns templates into task rows.
type Expander struct {
	store   *store.Store
	emitter *events.Emitter
	log     *log.Logger
}

// NewExpander wires an expander.
func NewExpander(s *store.Store, em *events.Emitter) *Expander {
	return &Expander{store: s, emitter: em, log: logging.New("pipeline")}
}

// Request carries the creation-time parameters a template is expanded with.
type Request struct {
	Title             string
	Description       string
	RepoURL           string
	BaseBranch        string
	WorkBranch        string
	AgentDefinitionID string // creation-request default agent
	GroupID           string
	MaxRetries        *int
}

// Expand inserts the full task set for a pipeline template atomically and
// returns the created tasks in step order. Every referenced agent
// definition must exist before anything is inserted; a missing one aborts
// the whole create naming the first missing id.
func (e *Expander) Expand(ctx context.Context, tmpl *model.TaskTemplate, req Request, actor string) ([]*model.Task, error) {
	if !tmpl.IsPipeline() {
		return nil, apierr.InvalidInput("template %s is not a pipeline", tmpl.Name)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, apierr.InvalidInput("%s", err.Error())
	}

	groupID := req.GroupID
	if groupID == "" {
		groupID = "pipeline/" + uuid.NewString()
	}

	vars := map[string]string{
		"title":       req.Title,
		"description": req.Description,
	}

	maxRetries := tmpl.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = model.ClampMaxRetries(*req.MaxRetries)
	}

	// Build all rows first so agent references can be verified before any
	// insert happens.
	now := model.Now()
	var tasks []*model.Task
	var previousStepIDs []string
	for _, step := range tmpl.PipelineSteps {
		var stepIDs []string

		nodes := step.ParallelAgents
		if len(nodes) == 0 {
			nodes = []model.ParallelAgent{{}}
		}
		for _, node := range nodes {
			agentID := resolveAgent(node.AgentDefinitionID, step.AgentDefinitionID,
				tmpl.AgentDefinitionID, req.AgentDefinitionID)

			title := step.Title
			if node.Title != "" {
				title = node.Title
			}
			description := model.Render(tmpl.PromptTemplate, vars)
			if step.Description != "" {
				description = model.Render(step.Description, vars)
			}
			if node.Prompt != "" {
				description = model.Render(node.Prompt, vars)
			}

			id := uuid.NewString()
			t := &model.Task{
				ID:                id,
				Title:             model.Render(title, vars),
				Description:       description,
				AgentDefinitionID: agentID,
				RepoURL:           req.RepoURL,
				BaseBranch:        req.BaseBranch,
				WorkBranch:        req.WorkBranch,
				Status:            model.StatusQueued,
				Source:            model.SourceScheduler,
				MaxRetries:        maxRetries,
				DependsOn:         append([]string{}, previousStepIDs...),
				GroupID:           groupID,
				InputFiles:        step.InputFiles,
				InputCondition:    step.InputCondition,
				CreatedAt:         now,
				QueuedAt:          &now,
			}
			tasks = append(tasks, t)
			stepIDs = append(stepIDs, id)
		}
		previousStepIDs = stepIDs
	}

	// Verify every referenced agent definition before inserting.
	checked := make(map[string]struct{})
	for _, t := range tasks {
		if t.AgentDefinitionID == "" {
			return nil, apierr.InvalidInput("pipeline %s resolves no agent for task %q", tmpl.Name, t.Title)
		}
		if _, ok := checked[t.AgentDefinitionID]; ok {
			continue
		}
		agent, err := e.store.GetAgentDefinition(ctx, t.AgentDefinitionID)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			return nil, apierr.NotFound("agent definition %s not found", t.AgentDefinitionID)
		}
		checked[t.AgentDefinitionID] = struct{}{}
	}

	if err := e.store.CreateTasks(ctx, tasks); err != nil {
		return nil, err
	}

	taskIDs := make([]string, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.ID
	}
	e.emitter.Emit(ctx, model.EventPipelineCreated, actor, map[string]any{
		"groupId":  groupID,
		"template": tmpl.Name,
		"taskIds":  taskIDs,
	})
	e.log.Info("expanded pipeline", "template", tmpl.Name, "group", groupID, "tasks", len(tasks))
	return tasks, nil
}

// resolveAgent picks the first non-empty agent id: node, step, template
// default, creation-request default.
func resolveAgent(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}
