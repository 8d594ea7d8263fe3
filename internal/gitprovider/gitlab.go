package gitprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const restTimeout = 30 * time.Second

// gitLabClient talks to the GitLab merge request REST API.
type gitLabClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGitLabClient creates a GitLab adapter for the given host. Returns nil
// if token is empty.
func NewGitLabClient(host, token string) Client {
	if token == "" {
		return nil
	}
	return &gitLabClient{
		baseURL:    "https://" + host + "/api/v4",
		token:      token,
		httpClient: &http.Client{Timeout: restTimeout},
	}
}

// NewGitLabClientWithBaseURL creates a client with a custom base URL
// (useful for testing against an httptest server).
func NewGitLabClientWithBaseURL(baseURL, token string) Client {
	return &gitLabClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: restTimeout},
	}
}

func (c *gitLabClient) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request body")
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "gitlab request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return errors.Errorf("gitlab returned HTTP %d: %s", resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "failed to decode gitlab response")
		}
	}
	return nil
}

type gitLabMR struct {
	IID    int    `json:"iid"`
	WebURL string `json:"web_url"`
}

func (c *gitLabClient) EnsurePullRequest(ctx context.Context, project, head, base, title, body string) (*PullRequest, error) {
	encoded := url.PathEscape(project)

	// Locate an existing open MR for the source branch first.
	var existing []gitLabMR
	listPath := fmt.Sprintf("/projects/%s/merge_requests?state=opened&source_branch=%s",
		encoded, url.QueryEscape(head))
	if err := c.doRequest(ctx, http.MethodGet, listPath, nil, &existing); err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &PullRequest{URL: existing[0].WebURL, Number: existing[0].IID}, nil
	}

	var created gitLabMR
	createBody := map[string]string{
		"source_branch": head,
		"target_branch": base,
		"title":         title,
		"description":   body,
	}
	if err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/projects/%s/merge_requests", encoded), createBody, &created); err != nil {
		return nil, err
	}
	return &PullRequest{URL: created.WebURL, Number: created.IID}, nil
}

func (c *gitLabClient) MergePullRequest(ctx context.Context, project string, number int, method MergeMethod) error {
	body := map[string]any{}
	if method == MergeSquash || method == "" {
		body["squash"] = true
	}
	return c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/projects/%s/merge_requests/%d/merge", url.PathEscape(project), number), body, nil)
}

func (c *gitLabClient) CreateComment(ctx context.Context, project string, number int, body string) error {
	return c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/projects/%s/merge_requests/%d/notes", url.PathEscape(project), number),
		map[string]string{"body": body}, nil)
}
