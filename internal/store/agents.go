package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/camhq/cam/internal/model"
)

const agentColumns = `id, display_name, docker_image, command, args, required_env_vars, capabilities, runtime`

func scanAgent(row rowScanner) (*model.AgentDefinition, error) {
	var (
		a                               model.AgentDefinition
		args, requiredEnv, capabilities string
		runtime                         string
	)
	err := row.Scan(&a.ID, &a.DisplayName, &a.DockerImage, &a.Command,
		&args, &requiredEnv, &capabilities, &runtime)
	if err != nil {
		return nil, err
	}
	a.Args = unmarshalStrings(args)
	a.Runtime = model.AgentRuntime(runtime)
	if err := json.Unmarshal([]byte(requiredEnv), &a.RequiredEnvVars); err != nil {
		a.RequiredEnvVars = nil
	}
	if err := json.Unmarshal([]byte(capabilities), &a.Capabilities); err != nil {
		a.Capabilities = model.AgentCapabilities{}
	}
	return &a, nil
}

// SaveAgentDefinition inserts or replaces an agent definition.
func (s *Store) SaveAgentDefinition(ctx context.Context, a *model.AgentDefinition) error {
	if a.Args == nil {
		a.Args = []string{}
	}
	required := a.RequiredEnvVars
	if required == nil {
		required = []model.RequiredEnvVar{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_definitions (`+agentColumns+`)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.DisplayName, a.DockerImage, a.Command, marshalJSON(a.Args),
		marshalJSON(required), marshalJSON(a.Capabilities), string(a.Runtime),
	)
	return errors.Wrapf(err, "failed to save agent definition %s", a.ID)
}

// GetAgentDefinition loads one definition. Returns nil, nil when unknown.
func (s *Store) GetAgentDefinition(ctx context.Context, id string) (*model.AgentDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agent_definitions WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get agent definition %s", id)
	}
	return a, nil
}

// ListAgentDefinitions returns every definition.
func (s *Store) ListAgentDefinitions(ctx context.Context) ([]*model.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agent_definitions ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list agent definitions")
	}
	defer rows.Close()
	var out []*model.AgentDefinition
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan agent definition")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SeedBuiltinAgents inserts the built-in agent definitions when the table is
// empty, so a fresh install can dispatch without manual setup.
func (s *Store) SeedBuiltinAgents(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_definitions`).Scan(&count); err != nil {
		return errors.Wrap(err, "failed to count agent definitions")
	}
	if count > 0 {
		return nil
	}
	for _, a := range model.BuiltinAgentDefinitions() {
		if err := s.SaveAgentDefinition(ctx, a); err != nil {
			return err
		}
	}
	s.log.Info("seeded built-in agent definitions", "count", len(model.BuiltinAgentDefinitions()))
	return nil
}
