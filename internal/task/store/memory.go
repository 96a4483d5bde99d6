package store

import (
	"container/heap"
	"context"
	"sync"
	"time"

	apperrors "github.com/kandev/taskforge/internal/common/errors"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

// MemoryStore is an in-process Store, for tests and for the memory backend
// of store.driver. It mirrors the sqlite/postgres backends' semantics
// exactly, guarded by a single mutex (the store is single-writer by design,
// §5 — this just makes that explicit at the call site).
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[int64]*v1.Task
	logs    map[int64][]*v1.LogEntry
	nextID  int64
	nextLog int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory Task Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[int64]*v1.Task),
		logs:  make(map[int64][]*v1.LogEntry),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateTask(ctx context.Context, in v1.NewTaskInput) (*v1.Task, error) {
	if err := validateNewTask(in); err != nil {
		return nil, err
	}
	in = defaultedNewTask(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range in.DependsOn {
		if _, ok := s.tasks[dep]; !ok {
			return nil, apperrors.ValidationErr("depends_on references nonexistent task")
		}
	}

	s.nextID++
	task := &v1.Task{
		ID:        s.nextID,
		Title:     in.Title,
		Prompt:    in.Prompt,
		Status:    v1.StatusPending,
		Mode:      in.Mode,
		Priority:  in.Priority,
		DependsOn: append([]int64(nil), in.DependsOn...),
		RepoPath:  in.RepoPath,
		Tags:      append([]string(nil), in.Tags...),
		CreatedAt: time.Now().UTC(),
	}
	s.tasks[task.ID] = task
	return cloneTask(task), nil
}

// CreateTasksBatch validates and stages every input before touching s.tasks
// at all, so a failure partway through leaves the store exactly as it was:
// one critical section stands in for the sql backends' single *sql.Tx.
func (s *MemoryStore) CreateTasksBatch(ctx context.Context, inputs []v1.NewTaskInput) ([]*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextID := s.nextID
	staged := make([]*v1.Task, 0, len(inputs))
	stagedIDs := make(map[int64]bool, len(inputs))

	for _, in := range inputs {
		if err := validateNewTask(in); err != nil {
			return nil, err
		}
		in = defaultedNewTask(in)

		for _, dep := range in.DependsOn {
			if _, ok := s.tasks[dep]; !ok && !stagedIDs[dep] {
				return nil, apperrors.ValidationErr("depends_on references nonexistent task")
			}
		}

		nextID++
		task := &v1.Task{
			ID:        nextID,
			Title:     in.Title,
			Prompt:    in.Prompt,
			Status:    v1.StatusPending,
			Mode:      in.Mode,
			Priority:  in.Priority,
			DependsOn: append([]int64(nil), in.DependsOn...),
			RepoPath:  in.RepoPath,
			Tags:      append([]string(nil), in.Tags...),
			CreatedAt: time.Now().UTC(),
		}
		staged = append(staged, task)
		stagedIDs[task.ID] = true
	}

	out := make([]*v1.Task, len(staged))
	for i, t := range staged {
		s.tasks[t.ID] = t
		out[i] = cloneTask(t)
	}
	s.nextID = nextID
	return out, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, status *v1.Status) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Task
	for _, t := range s.tasks {
		if status != nil && t.Status != *status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sortByCreatedThenID(out)
	return out, nil
}

func (s *MemoryStore) CountTasks(ctx context.Context, status v1.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

// pendingRanked implements heap.Interface, reusing the teacher's
// priority-then-age-then-id ranking idiom (internal/orchestrator/queue)
// for the store's own get_next_pending_task query.
type pendingRanked []*v1.Task

func (h pendingRanked) Len() int { return len(h) }
func (h pendingRanked) Less(i, j int) bool {
	if h[i].Priority.Rank() != h[j].Priority.Rank() {
		return h[i].Priority.Rank() > h[j].Priority.Rank()
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].ID < h[j].ID
}
func (h pendingRanked) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingRanked) Push(x interface{}) { *h = append(*h, x.(*v1.Task)) }
func (h *pendingRanked) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (s *MemoryStore) GetNextPendingTask(ctx context.Context) (*v1.Task, error) {
	s.mu.RLock()
	var candidates pendingRanked
	for _, t := range s.tasks {
		if t.Status == v1.StatusPending {
			candidates = append(candidates, t)
		}
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, nil
	}
	heap.Init(&candidates)
	return cloneTask(candidates[0]), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, id int64, patch v1.TaskUpdate) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}

	if patch.Status != nil && *patch.Status != task.Status {
		if !canTransition(task.Status, *patch.Status) {
			return nil, apperrors.StateConflict(string(task.Status) + " -> " + string(*patch.Status) + " is not allowed")
		}
		applyStatusSideEffects(task, *patch.Status)
		task.Status = *patch.Status
	}

	applyFieldPatch(task, patch)
	return cloneTask(task), nil
}

func (s *MemoryStore) AddLog(ctx context.Context, taskID int64, severity v1.Severity, message, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return apperrors.NotFound("task", taskID)
	}
	s.nextLog++
	s.logs[taskID] = append(s.logs[taskID], &v1.LogEntry{
		ID:        s.nextLog,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Message:   message,
		Raw:       raw,
	})
	return nil
}

func (s *MemoryStore) GetTaskLogs(ctx context.Context, taskID int64) ([]*v1.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[taskID]
	out := make([]*v1.LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return apperrors.NotFound("task", id)
	}
	delete(s.tasks, id)
	delete(s.logs, id)
	return nil
}

func (s *MemoryStore) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == v1.StatusInProgress {
			t.Status = v1.StatusPending
			t.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func cloneTask(t *v1.Task) *v1.Task {
	c := *t
	c.DependsOn = append([]int64(nil), t.DependsOn...)
	c.Tags = append([]string(nil), t.Tags...)
	return &c
}

func sortByCreatedThenID(tasks []*v1.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0; j-- {
			a, b := tasks[j-1], tasks[j]
			if a.CreatedAt.After(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID > b.ID) {
				tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
			} else {
				break
			}
		}
	}
}
