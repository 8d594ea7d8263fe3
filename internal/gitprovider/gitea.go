package gitprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// giteaClient talks to the Gitea pull request REST API.
type giteaClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGiteaClient creates a Gitea adapter for the given host. Returns nil if
// token is empty.
func NewGiteaClient(host, token string) Client {
	if token == "" {
		return nil
	}
	return &giteaClient{
		baseURL:    "https://" + host + "/api/v1",
		token:      token,
		httpClient: &http.Client{Timeout: restTimeout},
	}
}

// NewGiteaClientWithBaseURL creates a client with a custom base URL
// (useful for testing against an httptest server).
func NewGiteaClientWithBaseURL(baseURL, token string) Client {
	return &giteaClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: restTimeout},
	}
}

func (c *giteaClient) doRequest(ctx context.Context, method, path string, body any, out any) error {
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
	req.Header.Set("Authorization", "token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "gitea request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return errors.Errorf("gitea returned HTTP %d: %s", resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "failed to decode gitea response")
		}
	}
	return nil
}

type giteaPR struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

func (c *giteaClient) EnsurePullRequest(ctx context.Context, project, head, base, title, body string) (*PullRequest, error) {
	// Locate an existing open PR for the head branch first.
	var existing []giteaPR
	listPath := fmt.Sprintf("/repos/%s/pulls?state=open", project)
	if err := c.doRequest(ctx, http.MethodGet, listPath, nil, &existing); err != nil {
		return nil, err
	}

	var found *giteaPR
	var detail struct {
		giteaPR
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
	}
	for _, pr := range existing {
		if err := c.doRequest(ctx, http.MethodGet,
			fmt.Sprintf("/repos/%s/pulls/%d", project, pr.Number), nil, &detail); err != nil {
			continue
		}
		if detail.Head.Ref == head {
			found = &giteaPR{Number: pr.Number, HTMLURL: pr.HTMLURL}
			break
		}
	}
	if found != nil {
		return &PullRequest{URL: found.HTMLURL, Number: found.Number}, nil
	}

	var created giteaPR
	createBody := map[string]string{
		"head":  head,
		"base":  base,
		"title": title,
		"body":  body,
	}
	if err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/pulls", project), createBody, &created); err != nil {
		return nil, err
	}
	return &PullRequest{URL: created.HTMLURL, Number: created.Number}, nil
}

func (c *giteaClient) MergePullRequest(ctx context.Context, project string, number int, method MergeMethod) error {
	if method == "" {
		method = MergeSquash
	}
	return c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/pulls/%d/merge", project, number),
		map[string]string{"Do": string(method)}, nil)
}

func (c *giteaClient) CreateComment(ctx context.Context, project string, number int, body string) error {
	return c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/issues/%d/comments", project, number),
		map[string]string{"body": body}, nil)
}
