// Package gitprovider holds the thin contracts to the git hosting
// providers: PR create/locate, merge and comment. The core calls these
// adapters only on review transitions; a provider failure never fails the
// task itself.
package gitprovider

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies a supported git hosting provider.
type Kind string

const (
	KindGitHub Kind = "github"
	KindGitLab Kind = "gitlab"
	KindGitea  Kind = "gitea"
)

// PullRequest is the provider-neutral result of a create-or-locate call.
type PullRequest struct {
	URL    string
	Number int
}

// MergeMethod selects how a provider merges a PR. Squash is the default.
type MergeMethod string

const (
	MergeSquash MergeMethod = "squash"
	MergeMerge  MergeMethod = "merge"
	MergeRebase MergeMethod = "rebase"
)

// Client is the adapter contract one provider implements.
type Client interface {
	// EnsurePullRequest creates a PR from head to base, or returns the
	// existing open PR for head if one is already there.
	EnsurePullRequest(ctx context.Context, project, head, base, title, body string) (*PullRequest, error)

	// MergePullRequest merges an existing PR.
	MergePullRequest(ctx context.Context, project string, number int, method MergeMethod) error

	// CreateComment posts a comment on a PR.
	CreateComment(ctx context.Context, project string, number int, body string) error
}

// Repo is a parsed repository URL.
type Repo struct {
	Kind    Kind
	Host    string
	Project string // owner/name (possibly nested groups for GitLab)
}

// ErrUnknownProvider is returned when the repo URL matches no supported
// provider and no override is configured.
var ErrUnknownProvider = errors.New("unknown git provider")

// ParseRepoURL identifies the provider and project path of a repository
// URL. override, when non-empty, forces the provider kind for ambiguous
// self-hosted URLs.
func ParseRepoURL(repoURL string, override Kind) (*Repo, error) {
	raw := strings.TrimSuffix(strings.TrimSpace(repoURL), ".git")
	if raw == "" {
		return nil, errors.New("empty repository URL")
	}

	// Normalize scp-style SSH remotes (git@host:owner/repo).
	if strings.HasPrefix(raw, "git@") {
		raw = "ssh://" + strings.Replace(raw, ":", "/", 1)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid repository URL %q", repoURL)
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	project := strings.Trim(u.Path, "/")
	if host == "" || project == "" {
		return nil, errors.Errorf("repository URL %q has no project path", repoURL)
	}

	kind := override
	if kind == "" {
		switch {
		case host == "github.com":
			kind = KindGitHub
		case host == "gitlab.com" || strings.Contains(host, "gitlab"):
			kind = KindGitLab
		case strings.Contains(host, "gitea"):
			kind = KindGitea
		default:
			return nil, errors.Wrapf(ErrUnknownProvider, "host %q", host)
		}
	}

	return &Repo{Kind: kind, Host: host, Project: project}, nil
}
