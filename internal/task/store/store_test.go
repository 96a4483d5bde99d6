package store

import (
	"context"
	"testing"

	apperrors "github.com/kandev/taskforge/internal/common/errors"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore()
}

func mustCreate(t *testing.T, s *MemoryStore, in v1.NewTaskInput) *v1.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateTask(%+v) failed: %v", in, err)
	}
	return task
}

func TestCreateTaskValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, v1.NewTaskInput{Prompt: "do it"}); !apperrors.Is(err, apperrors.CodeValidation) {
		t.Fatalf("expected CodeValidation for empty title, got %v", err)
	}
	if _, err := s.CreateTask(ctx, v1.NewTaskInput{Title: "t"}); !apperrors.Is(err, apperrors.CodeValidation) {
		t.Fatalf("expected CodeValidation for empty prompt, got %v", err)
	}
	if _, err := s.CreateTask(ctx, v1.NewTaskInput{Title: "t", Prompt: "p", DependsOn: []int64{999}}); !apperrors.Is(err, apperrors.CodeValidation) {
		t.Fatalf("expected CodeValidation for nonexistent dependency, got %v", err)
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	s := newTestStore(t)
	task := mustCreate(t, s, v1.NewTaskInput{Title: "t", Prompt: "p"})

	if task.Status != v1.StatusPending {
		t.Errorf("new task status = %s, want PENDING", task.Status)
	}
	if task.Mode != v1.ModeExecute {
		t.Errorf("default mode = %s, want EXECUTE", task.Mode)
	}
	if task.Priority != v1.PriorityMedium {
		t.Errorf("default priority = %s, want MEDIUM", task.Priority)
	}
}

func TestCreateTasksBatchAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTasksBatch(ctx, []v1.NewTaskInput{
		{Title: "first", Prompt: "p"},
		{Title: "second", Prompt: "p", DependsOn: []int64{999}}, // invalid: no such task
	})
	if !apperrors.Is(err, apperrors.CodeValidation) {
		t.Fatalf("expected CodeValidation, got %v", err)
	}

	tasks, err := s.ListTasks(ctx, nil)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks committed after a failed batch, got %d", len(tasks))
	}
}

func TestCreateTasksBatchCommitsTogether(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTasksBatch(ctx, []v1.NewTaskInput{
		{Title: "first", Prompt: "p"},
		{Title: "second", Prompt: "p"},
	})
	if err != nil {
		t.Fatalf("CreateTasksBatch failed: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created = %d tasks, want 2", len(created))
	}

	tasks, err := s.ListTasks(ctx, nil)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks in store, got %d", len(tasks))
	}
}

func TestCreateTasksBatchAllowsDependencyOnExistingTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	existing := mustCreate(t, s, v1.NewTaskInput{Title: "root", Prompt: "p"})
	created, err := s.CreateTasksBatch(ctx, []v1.NewTaskInput{
		{Title: "dependent", Prompt: "p", DependsOn: []int64{existing.ID}},
	})
	if err != nil {
		t.Fatalf("CreateTasksBatch failed: %v", err)
	}
	if len(created) != 1 || len(created[0].DependsOn) != 1 || created[0].DependsOn[0] != existing.ID {
		t.Fatalf("created = %+v, want a task depending on %d", created, existing.ID)
	}
}

func TestStateMachineValidTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, v1.NewTaskInput{Title: "t", Prompt: "p"})

	inProgress := v1.StatusInProgress
	updated, err := s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &inProgress})
	if err != nil {
		t.Fatalf("PENDING -> IN_PROGRESS rejected: %v", err)
	}
	if updated.StartedAt == nil {
		t.Error("started_at not set on IN_PROGRESS transition")
	}

	completed := v1.StatusCompleted
	updated, err = s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &completed})
	if err != nil {
		t.Fatalf("IN_PROGRESS -> COMPLETED rejected: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("completed_at not set on COMPLETED transition")
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, v1.NewTaskInput{Title: "t", Prompt: "p"})

	completed := v1.StatusCompleted
	if _, err := s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &completed}); !apperrors.Is(err, apperrors.CodeStateConflict) {
		t.Fatalf("expected CodeStateConflict for PENDING -> COMPLETED, got %v", err)
	}

	// A patch naming the current status is not a transition: it is accepted
	// and leaves the status unchanged.
	same := v1.StatusPending
	if got, err := s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &same}); err != nil || got.Status != v1.StatusPending {
		t.Fatalf("expected same-status patch to be accepted as a no-op, got %+v, %v", got, err)
	}
}

func TestRetryClearsFailureFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, v1.NewTaskInput{Title: "t", Prompt: "p"})

	inProgress := v1.StatusInProgress
	s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &inProgress})

	failed := v1.StatusFailed
	exitCode := 1
	tokens := int64(42)
	cost := 0.5
	task, err := s.UpdateTask(ctx, task.ID, v1.TaskUpdate{
		Status: &failed, Error: strPtr("boom"), ExitCode: &exitCode, InputTokens: &tokens, Cost: &cost,
	})
	if err != nil {
		t.Fatalf("IN_PROGRESS -> FAILED rejected: %v", err)
	}
	if task.Error != "boom" || task.ExitCode == nil {
		t.Fatal("failure fields not recorded")
	}

	pending := v1.StatusPending
	task, err = s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &pending})
	if err != nil {
		t.Fatalf("FAILED -> PENDING (retry) rejected: %v", err)
	}
	if task.Error != "" || task.ExitCode != nil || task.InputTokens != nil || task.Cost != nil || task.CompletedAt != nil {
		t.Errorf("retry did not clear failure fields: %+v", task)
	}
}

func TestApprovePlanResetsMode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, v1.NewTaskInput{Title: "t", Prompt: "p", Mode: v1.ModePlan})

	inProgress := v1.StatusInProgress
	s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &inProgress})

	review := v1.StatusReview
	task, err := s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &review, Plan: strPtr("the plan")})
	if err != nil {
		t.Fatalf("IN_PROGRESS -> REVIEW rejected: %v", err)
	}
	if task.Mode != v1.ModePlan {
		t.Fatalf("mode changed before approval: %s", task.Mode)
	}

	pending := v1.StatusPending
	task, err = s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &pending})
	if err != nil {
		t.Fatalf("REVIEW -> PENDING (approve_plan) rejected: %v", err)
	}
	if task.Mode != v1.ModeExecute {
		t.Errorf("approve_plan did not switch mode to EXECUTE, got %s", task.Mode)
	}
}

func TestGetNextPendingTaskRanksByPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := mustCreate(t, s, v1.NewTaskInput{Title: "low", Prompt: "p", Priority: v1.PriorityLow})
	mustCreate(t, s, v1.NewTaskInput{Title: "medium", Prompt: "p", Priority: v1.PriorityMedium})
	urgent := mustCreate(t, s, v1.NewTaskInput{Title: "urgent", Prompt: "p", Priority: v1.PriorityUrgent})
	_ = low

	next, err := s.GetNextPendingTask(ctx)
	if err != nil {
		t.Fatalf("GetNextPendingTask failed: %v", err)
	}
	if next == nil || next.ID != urgent.ID {
		t.Fatalf("expected urgent task first, got %+v", next)
	}
}

func TestGetNextPendingTaskBreaksTiesByCreationThenID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustCreate(t, s, v1.NewTaskInput{Title: "a", Prompt: "p", Priority: v1.PriorityMedium})
	second := mustCreate(t, s, v1.NewTaskInput{Title: "b", Prompt: "p", Priority: v1.PriorityMedium})
	s.tasks[second.ID].CreatedAt = first.CreatedAt // force a tie on created_at

	next, err := s.GetNextPendingTask(ctx)
	if err != nil {
		t.Fatalf("GetNextPendingTask failed: %v", err)
	}
	if next.ID != first.ID {
		t.Fatalf("expected lower id to win tie, got task %d", next.ID)
	}
}

func TestRecoverRepairsInProgressTasksOnBoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, s, v1.NewTaskInput{Title: "t", Prompt: "p"})
	inProgress := v1.StatusInProgress
	s.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &inProgress})

	n, err := s.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover repaired %d tasks, want 1", n)
	}

	recovered, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if recovered.Status != v1.StatusPending {
		t.Errorf("recovered task status = %s, want PENDING", recovered.Status)
	}
	if recovered.StartedAt != nil {
		t.Error("recovered task retained started_at")
	}
}

func TestDeleteTaskRemovesLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, v1.NewTaskInput{Title: "t", Prompt: "p"})

	if err := s.AddLog(ctx, task.ID, v1.SeverityInfo, "hello", ""); err != nil {
		t.Fatalf("AddLog failed: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Fatalf("expected CodeNotFound after delete, got %v", err)
	}
	logs, err := s.GetTaskLogs(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskLogs failed: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("logs survived task deletion: %+v", logs)
	}
}

func TestDeleteNonexistentTaskReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteTask(context.Background(), 12345); !apperrors.Is(err, apperrors.CodeNotFound) {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

func strPtr(s string) *string { return &s }
