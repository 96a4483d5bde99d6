package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/kandev/taskforge/internal/common/errors"
	"github.com/kandev/taskforge/internal/common/logger"
)

// Manager provisions and tears down per-task git worktrees (§4.2).
type Manager struct {
	cfg Config
	log *logger.Logger

	// repoLock serialises git worktree/branch mutations against the single
	// base repository; concurrent `git worktree add` invocations on the same
	// repo race on its index lock.
	repoLock sync.Mutex
}

// NewManager creates a Workspace Manager rooted at cfg.BaseRepo.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if cfg.BaseRepo == "" {
		return nil, apperrors.ValidationErr("workspace.baseRepo is required")
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(cfg.WorktreeBase, 0o755); err != nil {
		return nil, apperrors.WorkspaceErr("creating worktree base directory", err)
	}
	return &Manager{cfg: cfg, log: log.WithFields(zap.String("component", "workspace"))}, nil
}

// BranchName returns the deterministic branch name for a task (§4.2).
func BranchName(taskID int64, title string) string {
	return fmt.Sprintf("task-%d-%s", taskID, slug(title))
}

// CreateWorkspace provisions an isolated working copy for taskID, returning
// its branch name and filesystem path.
func (m *Manager) CreateWorkspace(ctx context.Context, taskID int64, title string) (branch, path string, err error) {
	if err := m.checkBaseRepo(); err != nil {
		return "", "", err
	}

	branch = BranchName(taskID, title)
	path = filepath.Join(m.cfg.WorktreeBase, fmt.Sprintf("task-%d-%s", taskID, slug(title)))

	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	if m.branchExists(ctx, branch) {
		m.log.Warn("stale workspace branch found, removing before recreate", zap.String("branch", branch))
		m.runGit(ctx, m.cfg.BaseRepo, "worktree", "prune")
		if out, err := m.runGit(ctx, m.cfg.BaseRepo, "branch", "-D", branch); err != nil {
			m.log.Debug("deleting stale branch failed", zap.String("output", out), zap.Error(err))
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return "", "", apperrors.WorkspaceErr("clearing stale workspace directory", err)
		}
	}

	out, err := m.runGit(ctx, m.cfg.BaseRepo, "worktree", "add", "-b", branch, path, "HEAD")
	if err != nil {
		return "", "", apperrors.WorkspaceErr("provisioning workspace", fmt.Errorf("%s", out))
	}

	m.log.Info("created workspace", zap.Int64("task_id", taskID), zap.String("branch", branch), zap.String("path", path))
	return branch, path, nil
}

// RemoveWorkspace tears down a task's working copy and branch (§4.2).
// Idempotent: removing a nonexistent workspace or branch is not an error.
func (m *Manager) RemoveWorkspace(ctx context.Context, path, branch string, force bool) error {
	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	if path != "" {
		out, err := m.runGit(ctx, m.cfg.BaseRepo, "worktree", "remove", path)
		if err != nil {
			if strings.Contains(out, "untracked") || strings.Contains(out, "contains modified or untracked files") {
				if force {
					if out, err := m.runGit(ctx, m.cfg.BaseRepo, "worktree", "remove", "--force", path); err != nil {
						m.log.Warn("forced workspace removal failed, falling back to rm", zap.String("output", out), zap.Error(err))
						_ = os.RemoveAll(path)
					}
				} else {
					return apperrors.WorkspaceErr("removing workspace (untracked files present)", fmt.Errorf("%s", out))
				}
			} else if !strings.Contains(out, "is not a working tree") && !strings.Contains(out, "No such file or directory") {
				m.log.Debug("git worktree remove failed, falling back to rm", zap.String("output", out), zap.Error(err))
				_ = os.RemoveAll(path)
			}
		}
		m.runGit(ctx, m.cfg.BaseRepo, "worktree", "prune")
	}

	if branch != "" {
		if out, err := m.runGit(ctx, m.cfg.BaseRepo, "branch", "-D", branch); err != nil &&
			!strings.Contains(out, "not found") {
			m.log.Debug("deleting workspace branch failed", zap.String("branch", branch), zap.String("output", out), zap.Error(err))
		}
	}

	m.log.Info("removed workspace", zap.String("path", path), zap.String("branch", branch))
	return nil
}

// PruneWorkspaces discards references to vanished workspace directories
// (§4.2); a periodic maintenance operation, not part of any single task's
// lifecycle.
func (m *Manager) PruneWorkspaces(ctx context.Context) error {
	m.repoLock.Lock()
	defer m.repoLock.Unlock()

	out, err := m.runGit(ctx, m.cfg.BaseRepo, "worktree", "prune", "-v")
	if err != nil {
		return apperrors.WorkspaceErr("pruning workspaces", fmt.Errorf("%s", out))
	}
	if out != "" {
		m.log.Info("pruned workspace references", zap.String("output", out))
	}
	return nil
}

func (m *Manager) checkBaseRepo() error {
	info, err := os.Stat(filepath.Join(m.cfg.BaseRepo, ".git"))
	if err != nil {
		return apperrors.WorkspaceErr("base repository is not a git repository", err)
	}
	_ = info
	return nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.runGit(ctx, m.cfg.BaseRepo, "rev-parse", "--verify", branch)
	return err == nil
}

func (m *Manager) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.cfg.gitBin(), args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
