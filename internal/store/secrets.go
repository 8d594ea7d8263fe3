package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// SetSecret stores a secret value under an optional agent/repo scope.
// Encryption at rest is handled outside the core.
func (s *Store) SetSecret(ctx context.Context, name, agentDefinitionID, repoURL, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (name, agent_definition_id, repo_url, value)
		VALUES (?,?,?,?)
		ON CONFLICT(name, agent_definition_id, repo_url) DO UPDATE SET value = excluded.value`,
		name, agentDefinitionID, repoURL, value)
	return errors.Wrapf(err, "failed to set secret %s", name)
}

// LookupSecret returns the value for an exact (name, agent, repo) scope.
// The second return is false when no row matches.
func (s *Store) LookupSecret(ctx context.Context, name, agentDefinitionID, repoURL string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE name = ? AND agent_definition_id = ? AND repo_url = ?`,
		name, agentDefinitionID, repoURL).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to look up secret %s", name)
	}
	return value, true, nil
}
