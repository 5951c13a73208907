// Package worktree manages disposable git worktrees for task execution.
// Each task gets an isolated checkout on a dedicated branch; cleanup is
// always best-effort and never fails the orchestrator.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/talon/internal/config"
)

// Info describes one directory under the worktree root.
type Info struct {
	Path    string
	ModTime time.Time
}

// Manager creates and removes worktrees under one root directory.
type Manager struct {
	root string
}

// NewManager creates the manager, ensuring the root exists.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the worktree root directory.
func (m *Manager) Root() string { return m.root }

// BranchName is the dedicated branch for a task.
func BranchName(taskID string) string {
	return "talon/" + taskID
}

// Path is the worktree directory for a repo/task pair.
func (m *Manager) Path(repoID, taskID string) string {
	return filepath.Join(m.root, repoID+"-"+taskID)
}

// Create makes a fresh worktree for the task. Any existing directory at
// the target path is removed first. The branch is reset to the remote
// default branch; when no remote exists the local default branch is used.
func (m *Manager) Create(ctx context.Context, repo config.RepoConfig, taskID string) (path, branch string, err error) {
	branch = BranchName(taskID)
	path = m.Path(repo.ID, taskID)

	if err := os.RemoveAll(path); err != nil {
		return "", "", fmt.Errorf("clear worktree path: %w", err)
	}

	remote := repo.Remote
	if remote == "" {
		remote = "origin"
	}
	defaultBranch := repo.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}

	start := remote + "/" + defaultBranch
	if out, err := gitRun(ctx, repo.Path, "worktree", "add", "-B", branch, path, start); err != nil {
		slog.Debug("worktree add from remote failed, falling back to local branch",
			"repo", repo.ID, "start", start, "output", out)
		if out, err := gitRun(ctx, repo.Path, "worktree", "add", "-B", branch, path, defaultBranch); err != nil {
			return "", "", fmt.Errorf("git worktree add: %s: %w", strings.TrimSpace(out), err)
		}
	}
	return path, branch, nil
}

// Cleanup removes a task's worktree and branch. Best-effort: failures are
// logged and swallowed.
func (m *Manager) Cleanup(ctx context.Context, repo config.RepoConfig, taskID string) {
	path := m.Path(repo.ID, taskID)
	branch := BranchName(taskID)

	if out, err := gitRun(ctx, repo.Path, "worktree", "remove", "--force", path); err != nil {
		slog.Debug("worktree remove failed", "path", path, "output", out, "error", err)
		// The directory may remain when git lost track of the worktree.
		if err := os.RemoveAll(path); err != nil {
			slog.Debug("worktree dir removal failed", "path", path, "error", err)
		}
	}
	if out, err := gitRun(ctx, repo.Path, "branch", "-D", branch); err != nil {
		slog.Debug("branch delete failed", "branch", branch, "output", out, "error", err)
	}
}

// CleanupStale removes worktree directories older than maxAge, skipping
// protected paths. Returns the removed paths.
func (m *Manager) CleanupStale(maxAge time.Duration, protected map[string]bool) []string {
	infos, err := m.List()
	if err != nil {
		slog.Debug("stale worktree listing failed", "error", err)
		return nil
	}
	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, info := range infos {
		if protected[info.Path] || info.ModTime.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(info.Path); err != nil {
			slog.Debug("stale worktree removal failed", "path", info.Path, "error", err)
			continue
		}
		removed = append(removed, info.Path)
	}
	return removed
}

// List enumerates direct child directories of the root with their mtimes.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Path:    filepath.Join(m.root, e.Name()),
			ModTime: fi.ModTime(),
		})
	}
	return infos, nil
}

func gitRun(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoPath}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
