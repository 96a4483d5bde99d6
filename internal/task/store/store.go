// Package store is the Task Store (§4.1): the durable owner of task and log
// state, the state machine, and boot recovery. Three backends — sqlite
// (default), postgres, and memory — implement the same Store interface;
// every invariant in §3.3 and law in §8 holds identically across them.
package store

import (
	"context"
	"time"

	apperrors "github.com/kandev/taskforge/internal/common/errors"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

// Store is the Task Store's contract (§4.1).
type Store interface {
	CreateTask(ctx context.Context, in v1.NewTaskInput) (*v1.Task, error)
	// CreateTasksBatch answers create_tasks_batch (§10.5): every input is
	// created or none are, in one atomic unit — a single *sql.Tx for the
	// sql-backed stores, one critical section under the store's own lock
	// for MemoryStore.
	CreateTasksBatch(ctx context.Context, inputs []v1.NewTaskInput) ([]*v1.Task, error)
	GetTask(ctx context.Context, id int64) (*v1.Task, error)
	ListTasks(ctx context.Context, status *v1.Status) ([]*v1.Task, error)
	UpdateTask(ctx context.Context, id int64, patch v1.TaskUpdate) (*v1.Task, error)
	CountTasks(ctx context.Context, status v1.Status) (int, error)
	GetNextPendingTask(ctx context.Context) (*v1.Task, error)
	AddLog(ctx context.Context, taskID int64, severity v1.Severity, message, raw string) error
	GetTaskLogs(ctx context.Context, taskID int64) ([]*v1.LogEntry, error)
	DeleteTask(ctx context.Context, id int64) error
	Recover(ctx context.Context) (int, error)
	Close() error
}

// transitions enumerates the state machine's allowed edges (§4.1). A
// transition not present here is rejected with StateConflict.
var transitions = map[v1.Status]map[v1.Status]bool{
	v1.StatusPending:    {v1.StatusInProgress: true, v1.StatusCancelled: true},
	v1.StatusInProgress: {v1.StatusCompleted: true, v1.StatusFailed: true, v1.StatusCancelled: true, v1.StatusReview: true},
	v1.StatusFailed:     {v1.StatusPending: true},
	v1.StatusReview:     {v1.StatusPending: true},
}

// canTransition reports whether from -> to is an edge of the state machine.
// A status transitioning to itself is always rejected: every caller of
// UpdateTask that changes status must name a genuine edge. UpdateTask does
// not call it for a patch naming the current status; that patch leaves the
// status as it is and applies only its other fields.
func canTransition(from, to v1.Status) bool {
	if from == to {
		return false
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

func rankPriority(p v1.Priority) int { return p.Rank() }

// validateNewTask enforces create_task's input validation (§4.1).
func validateNewTask(in v1.NewTaskInput) error {
	if len(in.Title) == 0 || len(in.Title) > 200 {
		return apperrors.ValidationErr("title must be 1-200 characters")
	}
	if in.Prompt == "" {
		return apperrors.ValidationErr("prompt must not be empty")
	}
	return nil
}

func defaultedNewTask(in v1.NewTaskInput) v1.NewTaskInput {
	if in.Mode == "" {
		in.Mode = v1.ModeExecute
	}
	if in.Priority == "" {
		in.Priority = v1.PriorityMedium
	}
	return in
}

// applyStatusSideEffects enforces §3.3 invariant 1 and the retry/approve
// clearing rules of §4.1 at the moment a transition is accepted, before the
// new status is assigned onto task.
func applyStatusSideEffects(task *v1.Task, to v1.Status) {
	now := time.Now().UTC()
	switch to {
	case v1.StatusInProgress:
		task.StartedAt = &now
	case v1.StatusCompleted, v1.StatusFailed, v1.StatusCancelled:
		task.CompletedAt = &now
	case v1.StatusPending:
		if task.Status == v1.StatusFailed {
			task.Error = ""
			task.ExitCode = nil
			task.InputTokens = nil
			task.OutTokens = nil
			task.Cost = nil
			task.CompletedAt = nil
		}
		if task.Status == v1.StatusReview {
			task.Mode = v1.ModeExecute
		}
	}
}

// applyFieldPatch copies the non-nil fields of patch onto task. Status is
// handled separately by the caller (it needs the state-machine check).
func applyFieldPatch(task *v1.Task, patch v1.TaskUpdate) {
	if patch.Mode != nil {
		task.Mode = *patch.Mode
	}
	if patch.Branch != nil {
		task.Branch = *patch.Branch
	}
	if patch.WorkDir != nil {
		task.WorkDir = *patch.WorkDir
	}
	if patch.Output != nil {
		task.Output = *patch.Output
	}
	if patch.Plan != nil {
		task.Plan = *patch.Plan
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	if patch.ExitCode != nil {
		task.ExitCode = patch.ExitCode
	}
	if patch.InputTokens != nil {
		task.InputTokens = patch.InputTokens
	}
	if patch.OutTokens != nil {
		task.OutTokens = patch.OutTokens
	}
	if patch.Cost != nil {
		task.Cost = patch.Cost
	}
	if patch.StartedAt != nil {
		task.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		task.CompletedAt = patch.CompletedAt
	}
}
