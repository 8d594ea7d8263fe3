package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/camhq/cam/internal/model"
)

const templateColumns = `name, title_template, prompt_template, agent_definition_id,
	max_retries, pipeline_steps, created_at, updated_at`

func scanTemplate(row rowScanner) (*model.TaskTemplate, error) {
	var (
		t                    model.TaskTemplate
		steps                string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.Name, &t.TitleTemplate, &t.PromptTemplate, &t.AgentDefinitionID,
		&t.MaxRetries, &steps, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &t.PipelineSteps); err != nil {
		t.PipelineSteps = nil
	}
	if ts, perr := parseStoredTime(createdAt); perr == nil {
		t.CreatedAt = ts
	}
	if ts, perr := parseStoredTime(updatedAt); perr == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

// SaveTemplate inserts or replaces a template, preserving created_at on
// replace.
func (s *Store) SaveTemplate(ctx context.Context, t *model.TaskTemplate) error {
	steps := t.PipelineSteps
	if steps == nil {
		steps = []model.PipelineStep{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_templates (`+templateColumns+`)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			title_template = excluded.title_template,
			prompt_template = excluded.prompt_template,
			agent_definition_id = excluded.agent_definition_id,
			max_retries = excluded.max_retries,
			pipeline_steps = excluded.pipeline_steps,
			updated_at = excluded.updated_at`,
		t.Name, t.TitleTemplate, t.PromptTemplate, t.AgentDefinitionID,
		t.MaxRetries, marshalJSON(steps),
		t.CreatedAt.Format(model.TimeFormat), t.UpdatedAt.Format(model.TimeFormat),
	)
	return errors.Wrapf(err, "failed to save template %s", t.Name)
}

// GetTemplate loads one template by name. Returns nil, nil when unknown.
func (s *Store) GetTemplate(ctx context.Context, name string) (*model.TaskTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM task_templates WHERE name = ?`, name)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get template %s", name)
	}
	return t, nil
}

// ListTemplates returns every template.
func (s *Store) ListTemplates(ctx context.Context) ([]*model.TaskTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM task_templates ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list templates")
	}
	defer rows.Close()
	var out []*model.TaskTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan template")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
