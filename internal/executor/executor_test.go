package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kandev/taskforge/internal/agentevents"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/workspace"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func setupBaseRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "--initial-branch=main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("base\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

// fakeAgent writes a shell script that ignores its flags and prints script
// to stdout, standing in for the real agent CLI the executor shells out to.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	content := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing fake agent: %v", err)
	}
	return path
}

func newTestExecutor(t *testing.T, baseRepo, agentCommand string) *Executor {
	t.Helper()
	ws, err := workspace.NewManager(workspace.Config{BaseRepo: baseRepo, WorktreeBase: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return New(Config{LogDir: t.TempDir(), AgentCommand: agentCommand}, ws, testLogger())
}

func TestRunCompletesOnZeroExit(t *testing.T) {
	base := setupBaseRepo(t)
	script := `echo '{"type":"system","model":"test-model"}'
echo '{"type":"assistant","text":"doing the work"}'
echo '{"type":"result","text":"all done","usage":{"input_tokens":10,"output_tokens":5},"cost":0.01}'
exit 0`
	agent := fakeAgent(t, script)
	e := newTestExecutor(t, base, agent)

	task := &v1.Task{ID: 1, Title: "demo task", Prompt: "do the thing", Mode: v1.ModeExecute}

	var events []agentevents.Event
	var mu sync.Mutex
	var gotResult Result
	var done = make(chan struct{})

	e.Run(context.Background(), task, func(taskID int64, ev agentevents.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}, func(taskID int64, result Result) {
		gotResult = result
		close(done)
	})

	<-done
	if gotResult.Status != v1.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", gotResult.Status)
	}
	if gotResult.Output != "all done" {
		t.Errorf("output = %q, want %q", gotResult.Output, "all done")
	}
	if gotResult.InputTokens == nil || *gotResult.InputTokens != 10 {
		t.Errorf("input_tokens = %v, want 10", gotResult.InputTokens)
	}
	if len(events) != 3 {
		t.Errorf("got %d parsed events, want 3", len(events))
	}
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	base := setupBaseRepo(t)
	script := `echo '{"type":"error","message":"tool crashed"}' >&2
exit 1`
	agent := fakeAgent(t, script)
	e := newTestExecutor(t, base, agent)

	task := &v1.Task{ID: 2, Title: "failing task", Prompt: "break", Mode: v1.ModeExecute}
	done := make(chan Result, 1)
	e.Run(context.Background(), task, func(int64, agentevents.Event) {}, func(taskID int64, result Result) {
		done <- result
	})
	result := <-done
	if result.Status != v1.StatusFailed {
		t.Fatalf("status = %s, want FAILED", result.Status)
	}
	if result.Error == "" {
		t.Error("expected error message to be populated")
	}
}

func TestRunPlanModeSplitsPlanAndOutput(t *testing.T) {
	base := setupBaseRepo(t)
	script := fmt.Sprintf(`echo '{"type":"result","text":"step one\n%s\nimplementation done"}'
exit 0`, planSentinel)
	agent := fakeAgent(t, script)
	e := newTestExecutor(t, base, agent)

	task := &v1.Task{ID: 3, Title: "plan task", Prompt: "plan it", Mode: v1.ModePlan}
	done := make(chan Result, 1)
	e.Run(context.Background(), task, func(int64, agentevents.Event) {}, func(taskID int64, result Result) {
		done <- result
	})
	result := <-done
	if result.Status != v1.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", result.Status)
	}
	if result.Plan != "step one" {
		t.Errorf("plan = %q, want %q", result.Plan, "step one")
	}
	if result.Output != "implementation done" {
		t.Errorf("output = %q, want %q", result.Output, "implementation done")
	}
}

// TestRunDeliversEventLargerThanOneMiBWhole guards the §8 boundary property
// that a stdout event bigger than 1 MiB is delivered whole, not truncated
// by bufio.ErrTooLong.
func TestRunDeliversEventLargerThanOneMiBWhole(t *testing.T) {
	base := setupBaseRepo(t)
	huge := strings.Repeat("x", (2<<20)+1024) // strictly larger than 1 MiB
	script := fmt.Sprintf(`printf '{"type":"assistant","text":"%s"}\n'
exit 0`, huge)
	agent := fakeAgent(t, script)
	e := newTestExecutor(t, base, agent)

	task := &v1.Task{ID: 4, Title: "big event task", Prompt: "emit a huge line", Mode: v1.ModeExecute}

	var mu sync.Mutex
	var gotText string
	done := make(chan struct{})
	e.Run(context.Background(), task, func(taskID int64, ev agentevents.Event) {
		mu.Lock()
		if ev.Kind == agentevents.KindAssistant {
			gotText = ev.Text
		}
		mu.Unlock()
	}, func(taskID int64, result Result) {
		close(done)
	})

	<-done
	if len(gotText) != len(huge) {
		t.Fatalf("event text length = %d, want %d (delivered whole)", len(gotText), len(huge))
	}
}

func TestCancelOnUnknownTaskIsNoop(t *testing.T) {
	base := setupBaseRepo(t)
	e := newTestExecutor(t, base, fakeAgent(t, "exit 0"))
	e.Cancel(999) // must not panic
}
