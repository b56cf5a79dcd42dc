package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sylasdev/sylas/internal/common/config"
)

func boolPtr(b bool) *bool { return &b }

func testRepos() []config.RepositoryConfig {
	return []config.RepositoryConfig{
		{ID: "repo-a", Name: "alpha", CredentialsID: "ws-1"},
		{ID: "repo-b", Name: "beta", CredentialsID: "ws-1"},
		{ID: "repo-c", Name: "gamma", CredentialsID: "ws-2"},
		{ID: "repo-d", Name: "delta", CredentialsID: "ws-2", Active: boolPtr(false)},
	}
}

func testResolver(credID string) (string, bool) {
	switch credID {
	case "ws-1":
		return "org-1", true
	case "ws-2":
		return "org-2", true
	}
	return "", false
}

func TestRouteByWorkspace(t *testing.T) {
	r := NewRouter(testRepos(), testResolver)

	repos := r.Route("org-1", "")
	require.Len(t, repos, 2)
	assert.Equal(t, "repo-a", repos[0].ID)
	assert.Equal(t, "repo-b", repos[1].ID)

	// Inactive repositories never match.
	repos = r.Route("org-2", "")
	require.Len(t, repos, 1)
	assert.Equal(t, "repo-c", repos[0].ID)

	assert.Empty(t, r.Route("org-unknown", ""))
}

func TestRouteIssueCachePinsRepository(t *testing.T) {
	r := NewRouter(testRepos(), testResolver)

	r.Bind("issue-1", "repo-b")
	repos := r.Route("org-1", "issue-1")
	require.Len(t, repos, 1)
	assert.Equal(t, "repo-b", repos[0].ID)

	// Unbound issues fall back to workspace matching.
	assert.Len(t, r.Route("org-1", "issue-2"), 2)
}

func TestRouteBindingsRoundTrip(t *testing.T) {
	r := NewRouter(testRepos(), testResolver)
	r.Bind("issue-1", "repo-a")
	r.Bind("issue-2", "repo-c")

	restored := NewRouter(testRepos(), testResolver)
	restored.RestoreBindings(r.Bindings())

	repos := restored.Route("org-2", "issue-2")
	require.Len(t, repos, 1)
	assert.Equal(t, "repo-c", repos[0].ID)
}

func TestRouteCachedInactiveRepoFallsBack(t *testing.T) {
	r := NewRouter(testRepos(), testResolver)
	r.Bind("issue-1", "repo-d")

	// repo-d is inactive, so the cached binding cannot serve the issue.
	repos := r.Route("org-2", "issue-1")
	require.Len(t, repos, 1)
	assert.Equal(t, "repo-c", repos[0].ID)
}
