package gitprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGiteaEnsurePullRequestCreates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/pulls"):
			_ = json.NewEncoder(w).Encode([]giteaPR{})
		case r.Method == http.MethodPost:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "cam/fix", body["head"])
			assert.Equal(t, "main", body["base"])
			_ = json.NewEncoder(w).Encode(giteaPR{Number: 3, HTMLURL: "https://gitea.acme.dev/acme/widget/pulls/3"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewGiteaClientWithBaseURL(server.URL, "secret")
	pr, err := c.EnsurePullRequest(context.Background(), "acme/widget", "cam/fix", "main", "t", "b")
	require.NoError(t, err)
	assert.Equal(t, 3, pr.Number)
}

func TestGiteaEnsurePullRequestFindsExistingByHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/pulls"):
			_ = json.NewEncoder(w).Encode([]giteaPR{{Number: 9, HTMLURL: "https://gitea.acme.dev/acme/widget/pulls/9"}})
		case strings.HasSuffix(r.URL.Path, "/pulls/9"):
			_, _ = w.Write([]byte(`{"number":9,"html_url":"https://gitea.acme.dev/acme/widget/pulls/9","head":{"ref":"cam/fix"}}`))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewGiteaClientWithBaseURL(server.URL, "token")
	pr, err := c.EnsurePullRequest(context.Background(), "acme/widget", "cam/fix", "main", "t", "b")
	require.NoError(t, err)
	assert.Equal(t, 9, pr.Number)
}

func TestGiteaMergeSendsMethod(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.True(t, strings.HasSuffix(r.URL.Path, "/pulls/3/merge"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "squash", body["Do"])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewGiteaClientWithBaseURL(server.URL, "token")
	require.NoError(t, c.MergePullRequest(context.Background(), "acme/widget", 3, ""))
}
