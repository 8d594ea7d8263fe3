// Package secrets resolves named secret values against their most specific
// scope. Resolution is a pure lookup; storage encryption lives outside the
// core.
package secrets

import (
	"context"
	"os"

	"github.com/camhq/cam/internal/store"
)

// Scope narrows a lookup to an agent definition and/or repository.
type Scope struct {
	AgentDefinitionID string
	RepoURL           string
}

// Resolver answers (name, scope) -> value lookups.
type Resolver struct {
	store *store.Store
}

// NewResolver wires a resolver to the store.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve returns the secret value for name, preferring the most specific
// scope: agent-scoped, then repo-scoped, then global, then the process
// environment. The second return is false when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, name string, scope Scope) (string, bool, error) {
	lookups := [][2]string{
		{scope.AgentDefinitionID, scope.RepoURL},
		{scope.AgentDefinitionID, ""},
		{"", scope.RepoURL},
		{"", ""},
	}
	for _, l := range lookups {
		value, ok, err := r.store.LookupSecret(ctx, name, l[0], l[1])
		if err != nil {
			return "", false, err
		}
		if ok {
			return value, true, nil
		}
	}
	if value := os.Getenv(name); value != "" {
		return value, true, nil
	}
	return "", false, nil
}
