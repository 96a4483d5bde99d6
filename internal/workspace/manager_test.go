package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/kandev/taskforge/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

// setupBaseRepo creates a throwaway git repository with one commit, the
// minimum a Workspace Manager needs to branch from.
func setupBaseRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "--initial-branch=main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("base\n"), 0o644); err != nil {
		t.Fatalf("writing seed file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func newTestManager(t *testing.T, baseRepo string) *Manager {
	t.Helper()
	m, err := NewManager(Config{BaseRepo: baseRepo, WorktreeBase: t.TempDir()}, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestCreateWorkspaceProvisionsWorktreeAndBranch(t *testing.T) {
	base := setupBaseRepo(t)
	m := newTestManager(t, base)

	branch, path, err := m.CreateWorkspace(context.Background(), 7, "Fix Login Bug")
	if err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	if branch != "task-7-fix-login-bug" {
		t.Errorf("branch = %q, want task-7-fix-login-bug", branch)
	}
	if _, err := os.Stat(filepath.Join(path, "README.md")); err != nil {
		t.Errorf("workspace does not contain base repo content: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		t.Errorf("workspace is not a git working copy: %v", err)
	}
}

func TestCreateWorkspaceRecreatesStaleBranch(t *testing.T) {
	base := setupBaseRepo(t)
	m := newTestManager(t, base)
	ctx := context.Background()

	branch, path, err := m.CreateWorkspace(ctx, 1, "retry task")
	if err != nil {
		t.Fatalf("first CreateWorkspace failed: %v", err)
	}
	// Simulate a stale retry: the branch survives (e.g. a crash before
	// remove_workspace ran) but the worktree entry is gone.
	runGit(t, base, "worktree", "remove", "--force", path)

	_, _, err = m.CreateWorkspace(ctx, 1, "retry task")
	if err != nil {
		t.Fatalf("recreate CreateWorkspace failed: %v", err)
	}
	_ = branch
}

func TestRemoveWorkspaceIsIdempotent(t *testing.T) {
	base := setupBaseRepo(t)
	m := newTestManager(t, base)
	ctx := context.Background()

	branch, path, err := m.CreateWorkspace(ctx, 2, "remove me")
	if err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	if err := m.RemoveWorkspace(ctx, path, branch, false); err != nil {
		t.Fatalf("RemoveWorkspace failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("workspace directory still present after removal")
	}
	// Removing again must not error.
	if err := m.RemoveWorkspace(ctx, path, branch, false); err != nil {
		t.Errorf("second RemoveWorkspace call returned error: %v", err)
	}
}

func TestPruneWorkspacesDiscardsVanishedDirectories(t *testing.T) {
	base := setupBaseRepo(t)
	m := newTestManager(t, base)
	ctx := context.Background()

	_, path, err := m.CreateWorkspace(ctx, 3, "prune me")
	if err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("removing workspace directory out of band: %v", err)
	}
	if err := m.PruneWorkspaces(ctx); err != nil {
		t.Fatalf("PruneWorkspaces failed: %v", err)
	}

	out := runGit(t, base, "worktree", "list")
	if filepathContains(out, path) {
		t.Errorf("prune did not remove stale worktree entry: %s", out)
	}
}

func filepathContains(haystack, needle string) bool {
	return len(needle) > 0 && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
