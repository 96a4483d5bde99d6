// Package executor is the Process Executor (§4.3): it runs exactly one task
// end-to-end — provisioning a workspace, launching the agent CLI as a child
// process, streaming its structured event output, and finalizing the task's
// terminal state — grounded on the corpus's process_runner.go idiom
// (pipes + bufio reader + background wait goroutine + process-group
// signalling) adapted from a generic background-command runner to a
// single-shot, single-purpose agent invocation.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"

	apperrors "github.com/kandev/taskforge/internal/common/errors"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/agentevents"
	"github.com/kandev/taskforge/internal/workspace"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

// maxLineBytes bounds a single stdout line's buffer (§4.3 point 3, §8: an
// event larger than 1 MiB must still be delivered whole, so the cap sits
// well above that floor rather than exactly at it).
const maxLineBytes = 8 << 20

// Config configures the Process Executor.
type Config struct {
	LogDir       string
	AgentCommand string
	AgentArgs    []string
}

// Result is what the Executor hands back to on_complete.
type Result struct {
	Status      v1.Status
	Output      string
	Plan        string
	Error       string
	ExitCode    int
	InputTokens *int64
	OutputTokens *int64
	Cost        *float64
}

// OnOutput is called for every parsed agent event.
type OnOutput func(taskID int64, ev agentevents.Event)

// OnComplete is called exactly once, when the task has reached a terminal
// state.
type OnComplete func(taskID int64, result Result)

// Executor runs tasks via an external agent CLI subprocess.
type Executor struct {
	cfg Config
	ws  *workspace.Manager
	log *logger.Logger

	mu     sync.Mutex
	active map[int64]*runningTask
}

type runningTask struct {
	cmd        *exec.Cmd
	cancelled  bool
}

// New creates a Process Executor.
func New(cfg Config, ws *workspace.Manager, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		cfg:    cfg,
		ws:     ws,
		log:    log.WithFields(zap.String("component", "executor")),
		active: make(map[int64]*runningTask),
	}
}

// Run executes task end-to-end, invoking onOutput for every parsed agent
// event and onComplete exactly once with the terminal result. Run blocks
// until the task finishes; callers run it as an independent activity (a
// goroutine) per §4.5's dispatch step.
func (e *Executor) Run(ctx context.Context, task *v1.Task, onOutput OnOutput, onComplete OnComplete) {
	log := e.log.WithTaskID(task.ID)

	branch, path, err := e.ws.CreateWorkspace(ctx, task.ID, task.Title)
	if err != nil {
		log.Error("workspace provisioning failed", zap.Error(err))
		onComplete(task.ID, Result{Status: v1.StatusFailed, ExitCode: 1, Error: err.Error()})
		return
	}

	prompt := composePrompt(task.Mode, task.Prompt)
	args := append(append([]string{}, e.cfg.AgentArgs...), e.agentInvocationArgs(prompt)...)

	cmd := exec.CommandContext(ctx, e.cfg.AgentCommand, args...)
	cmd.Dir = path
	cmd.Env = sanitizedEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.finalizeFailure(ctx, task, branch, path, fmt.Errorf("attaching stdout: %w", err), onComplete)
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		e.finalizeFailure(ctx, task, branch, path, fmt.Errorf("attaching stderr: %w", err), onComplete)
		return
	}

	if err := cmd.Start(); err != nil {
		e.finalizeFailure(ctx, task, branch, path, fmt.Errorf("starting agent: %w", err), onComplete)
		return
	}

	e.mu.Lock()
	e.active[task.ID] = &runningTask{cmd: cmd}
	e.mu.Unlock()
	log = log.WithAgentPID(cmd.Process.Pid)
	log.Info("agent launched", zap.String("branch", branch), zap.String("workspace", path))

	logFile, logErr := e.openTaskLog(task.ID)
	if logErr != nil {
		log.Warn("failed to open task log file", zap.Error(logErr))
	}
	if logFile != nil {
		defer logFile.Close()
	}

	var finalText string
	var lastUsage agentevents.Usage
	var lastCost *float64
	var outputParts []string

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}

		ev := agentevents.ParseLine(line)
		onOutput(task.ID, ev)

		switch ev.Kind {
		case agentevents.KindAssistant:
			if ev.Text != "" {
				outputParts = append(outputParts, ev.Text)
			}
		case agentevents.KindResult:
			finalText = ev.FinalText
			lastUsage = ev.Usage
			lastCost = ev.Cost
		}
	}

	stderrBytes, _ := readAll(stderrPipe, maxLineBytes)
	waitErr := cmd.Wait()

	e.mu.Lock()
	rt := e.active[task.ID]
	wasCancelled := rt != nil && rt.cancelled
	delete(e.active, task.ID)
	e.mu.Unlock()

	exitCode := exitCodeOf(waitErr)

	if finalText == "" {
		finalText = joinParts(outputParts)
	}
	plan, output := "", finalText
	if task.Mode == v1.ModePlan {
		plan, output = splitPlanAndOutput(finalText)
	}

	result := Result{
		Output:       output,
		Plan:         plan,
		ExitCode:     exitCode,
		InputTokens:  lastUsage.InputTokens,
		OutputTokens: lastUsage.OutputTokens,
		Cost:         lastCost,
	}

	switch {
	case wasCancelled:
		result.Status = v1.StatusCancelled
		e.removeWorkspace(ctx, path, branch)
	case exitCode == 0:
		result.Status = v1.StatusCompleted
	default:
		result.Status = v1.StatusFailed
		result.Error = synthesizeError(stderrBytes, waitErr)
		e.removeWorkspace(ctx, path, branch)
	}

	log.Info("agent finished", zap.String("status", string(result.Status)), zap.Int("exit_code", exitCode))
	onComplete(task.ID, result)
}

// Cancel marks task_id's registered process as cancelled and sends SIGTERM
// to its process group. The entry stays in the active map until Run sees
// the process exit and removes it. Idempotent and safe on an unknown id.
func (e *Executor) Cancel(taskID int64) {
	e.mu.Lock()
	rt, ok := e.active[taskID]
	if ok {
		rt.cancelled = true
	}
	e.mu.Unlock()
	if !ok || rt.cmd == nil || rt.cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(rt.cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = rt.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (e *Executor) agentInvocationArgs(prompt string) []string {
	return []string{"--non-interactive", "--dangerously-skip-permissions", "--output-format", "stream-json", "--verbose", "--prompt", prompt}
}

func (e *Executor) openTaskLog(taskID int64) (*os.File, error) {
	if e.cfg.LogDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(e.cfg.LogDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(e.cfg.LogDir, fmt.Sprintf("task-%d.log", taskID))
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func (e *Executor) finalizeFailure(ctx context.Context, task *v1.Task, branch, path string, err error, onComplete OnComplete) {
	e.log.WithTaskID(task.ID).Error("launching agent failed", zap.Error(err))
	e.removeWorkspace(ctx, path, branch)
	onComplete(task.ID, Result{Status: v1.StatusFailed, ExitCode: 1, Error: err.Error()})
}

func (e *Executor) removeWorkspace(ctx context.Context, path, branch string) {
	if err := e.ws.RemoveWorkspace(ctx, path, branch, true); err != nil {
		e.log.Warn("removing workspace after task end failed", zap.Error(apperrors.Wrap(err, "remove_workspace")))
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return 1
}

func synthesizeError(stderr []byte, waitErr error) string {
	if len(stderr) > 0 {
		return string(stderr)
	}
	if waitErr != nil {
		return waitErr.Error()
	}
	return "agent exited with a non-zero status"
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

func readAll(r interface{ Read([]byte) (int, error) }, limit int) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for len(buf) < limit {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}
