package gitprovider

import (
	"context"

	"github.com/camhq/cam/internal/secrets"
)

// tokenNames is the fallback chain per provider. Earlier names win; the
// scoped secret store is consulted before the process environment for each.
var tokenNames = map[Kind][]string{
	KindGitHub: {"GITHUB_TOKEN", "GH_TOKEN"},
	KindGitLab: {"GITLAB_TOKEN", "GL_TOKEN"},
	KindGitea:  {"GITEA_TOKEN"},
}

// ResolveToken finds an access token for a provider, scoped to the task's
// repository when a scoped secret exists. Returns "" when no token is
// available anywhere in the chain.
func ResolveToken(ctx context.Context, resolver *secrets.Resolver, kind Kind, repoURL string) string {
	for _, name := range tokenNames[kind] {
		value, ok, err := resolver.Resolve(ctx, name, secrets.Scope{RepoURL: repoURL})
		if err == nil && ok {
			return value
		}
	}
	return ""
}

// Factory builds a provider client for a parsed repository. Swappable in
// tests.
type Factory func(ctx context.Context, resolver *secrets.Resolver, repo *Repo) Client

// DefaultFactory resolves a token and constructs the matching client.
// Returns nil when no token is available.
func DefaultFactory(ctx context.Context, resolver *secrets.Resolver, repo *Repo) Client {
	token := ResolveToken(ctx, resolver, repo.Kind, repo.Project)
	switch repo.Kind {
	case KindGitHub:
		return NewGitHubClient(token)
	case KindGitLab:
		return NewGitLabClient(repo.Host, token)
	case KindGitea:
		return NewGiteaClient(repo.Host, token)
	default:
		return nil
	}
}
