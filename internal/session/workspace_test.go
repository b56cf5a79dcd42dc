package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionWorkspaceWithoutBaseDirUsesCheckout(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	m, _ := newTestManager(t, cfg)

	dir, err := m.provisionWorkspace(context.Background(), repo, "TEST-1")
	require.NoError(t, err)
	assert.Equal(t, repo.Path, dir)
}

func TestProvisionWorkspaceReusesExistingDir(t *testing.T) {
	cfg, repo := testManagerConfig(t)
	repo.WorkspaceBaseDir = t.TempDir()
	m, _ := newTestManager(t, cfg)

	existing := filepath.Join(repo.WorkspaceBaseDir, "TEST-1")
	require.NoError(t, os.MkdirAll(existing, 0o755))

	// A directory left by an earlier session is taken as-is, no new worktree.
	dir, err := m.provisionWorkspace(context.Background(), repo, "TEST-1")
	require.NoError(t, err)
	assert.Equal(t, existing, dir)
}

func TestWorkspaceName(t *testing.T) {
	assert.Equal(t, "TEST-1", workspaceName("TEST-1"))
	assert.Equal(t, "team-a-12", workspaceName("team/a#12"))
	assert.Equal(t, "workspace", workspaceName(""))
}

func TestSessionDTOCarriesWorkspacePath(t *testing.T) {
	sess := &Session{ID: "s-1", ExternalID: "ext-1", Status: StatusAwaitingInput}
	sess.SetWorkspacePath("/tmp/workspaces/TEST-1")

	restored := sessionFromDTO(sess.toDTO())
	assert.Equal(t, "/tmp/workspaces/TEST-1", restored.GetWorkspacePath())
}
