package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sylasdev/sylas/internal/common/config"
)

// WorkspaceFactory provisions the working directory for one issue. It is
// invoked once, on first dispatch; the returned path is persisted on the
// session and reused across resumes and restarts.
type WorkspaceFactory func(ctx context.Context, repo *config.RepositoryConfig, issueIdentifier string) (string, error)

// SetWorkspaceFactory swaps the workspace constructor; used by tests.
func (m *Manager) SetWorkspaceFactory(f WorkspaceFactory) { m.createWorkspace = f }

// provisionWorkspace creates the per-issue working directory. Without a
// workspaceBaseDir the repository checkout itself is the workspace. With one,
// a git worktree named after the issue is added under it, and the global
// setup script runs inside the fresh worktree.
func (m *Manager) provisionWorkspace(ctx context.Context, repo *config.RepositoryConfig, issueIdentifier string) (string, error) {
	if repo.WorkspaceBaseDir == "" {
		return repo.Path, nil
	}

	dir := filepath.Join(repo.WorkspaceBaseDir, workspaceName(issueIdentifier))
	if _, err := os.Stat(dir); err == nil {
		// An earlier session for the same issue already provisioned it.
		return dir, nil
	}
	if err := os.MkdirAll(repo.WorkspaceBaseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace base dir: %w", err)
	}

	args := []string{"-C", repo.Path, "worktree", "add", dir}
	if repo.BaseBranch != "" {
		args = append(args, repo.BaseBranch)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	m.logger.Info("workspace created",
		zap.String("issue_identifier", issueIdentifier),
		zap.String("path", dir))

	if script := m.config().GlobalSetupScript; script != "" {
		cmd := exec.CommandContext(ctx, script)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "SYLAS_WORKSPACE="+dir)
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("setup script failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}
	return dir, nil
}

// workspaceName turns an issue identifier into a directory name.
func workspaceName(issueIdentifier string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, issueIdentifier)
	if name == "" {
		name = "workspace"
	}
	return name
}
