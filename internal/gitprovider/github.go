package gitprovider

import (
	"context"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/pkg/errors"
)

// gitHubClient implements Client by delegating to go-github.
type gitHubClient struct {
	gh *github.Client
}

// NewGitHubClient creates a GitHub adapter authenticated with the given
// token. Returns nil if token is empty.
func NewGitHubClient(token string) Client {
	if token == "" {
		return nil
	}
	return &gitHubClient{gh: github.NewClient(nil).WithAuthToken(token)}
}

// NewGitHubClientWith wraps an existing *github.Client. Used in tests to
// inject a client pointing at an httptest server.
func NewGitHubClientWith(gh *github.Client) Client {
	return &gitHubClient{gh: gh}
}

func splitProject(project string) (owner, repo string, err error) {
	parts := strings.SplitN(project, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("project %q is not owner/repo", project)
	}
	return parts[0], parts[1], nil
}

func (c *gitHubClient) EnsurePullRequest(ctx context.Context, project, head, base, title, body string) (*PullRequest, error) {
	owner, repo, err := splitProject(project)
	if err != nil {
		return nil, err
	}

	// Locate an existing open PR for the head branch first.
	existing, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:        owner + ":" + head,
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pull requests")
	}
	if len(existing) > 0 {
		return &PullRequest{URL: existing[0].GetHTMLURL(), Number: existing[0].GetNumber()}, nil
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pull request")
	}
	return &PullRequest{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
}

func (c *gitHubClient) MergePullRequest(ctx context.Context, project string, number int, method MergeMethod) error {
	owner, repo, err := splitProject(project)
	if err != nil {
		return err
	}
	if method == "" {
		method = MergeSquash
	}
	_, _, err = c.gh.PullRequests.Merge(ctx, owner, repo, number, "", &github.PullRequestOptions{
		MergeMethod: string(method),
	})
	return errors.Wrapf(err, "failed to merge pull request #%d", number)
}

func (c *gitHubClient) CreateComment(ctx context.Context, project string, number int, body string) error {
	owner, repo, err := splitProject(project)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	return errors.Wrapf(err, "failed to comment on pull request #%d", number)
}
