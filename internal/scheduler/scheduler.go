// Package scheduler is the Scheduler (§4.5): a cooperative, single-writer
// poll loop that dispatches PENDING tasks onto the Process Executor while
// free concurrency slots remain, honours depends_on ordering, and wires the
// Executor's output/completion callbacks back into the Task Store and the
// Broadcast Hub. Grounded on the corpus's orchestrator scheduler (ticker +
// processLoop + stop channel), reworked from a queue-backed design onto the
// Task Store's own ranked get_next_pending_task query.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/agentevents"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/events"
	"github.com/kandev/taskforge/internal/executor"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

// Store is the subset of the Task Store the Scheduler drives.
type Store interface {
	GetTask(ctx context.Context, id int64) (*v1.Task, error)
	GetNextPendingTask(ctx context.Context) (*v1.Task, error)
	UpdateTask(ctx context.Context, id int64, patch v1.TaskUpdate) (*v1.Task, error)
	CountTasks(ctx context.Context, status v1.Status) (int, error)
	AddLog(ctx context.Context, taskID int64, severity v1.Severity, message, raw string) error
}

// Executor is the subset of the Process Executor the Scheduler drives.
type Executor interface {
	Run(ctx context.Context, task *v1.Task, onOutput executor.OnOutput, onComplete executor.OnComplete)
	Cancel(taskID int64)
}

// Broadcaster is the subset of the Broadcast Hub the Scheduler publishes
// task events through. Defined locally so this package doesn't depend on
// the broadcast package's transport concerns.
type Broadcaster interface {
	Broadcast(taskID int64, payload interface{})
}

// EventBus is the optional external Event Bus (§10.3) the Scheduler
// publishes state/complete transitions to, best-effort, alongside the
// mandatory Broadcaster. A nil EventBus disables this secondary channel
// entirely.
type EventBus = events.EventBus

// Config configures the Scheduler's poll loop (§6.4).
type Config struct {
	MaxConcurrent int
	PollInterval  time.Duration
}

// Scheduler dispatches PENDING tasks onto the Executor as free concurrency
// slots allow, in priority/age/id order, honouring depends_on gating.
type Scheduler struct {
	store Store
	exec  Executor
	hub   Broadcaster
	bus   EventBus
	log   *logger.Logger
	cfg   Config

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
	blockedWarned map[int64]bool
}

// SetEventBus attaches the optional external Event Bus (§10.3). Publish
// failures are logged and otherwise ignored — this channel never affects
// task execution or the mandatory Broadcaster.
func (s *Scheduler) SetEventBus(bus EventBus) {
	s.bus = bus
}

// New creates a Scheduler.
func New(store Store, exec Executor, hub Broadcaster, log *logger.Logger, cfg Config) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	if cfg.MaxConcurrent < 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Scheduler{
		store:         store,
		exec:          exec,
		hub:           hub,
		log:           log.WithFields(zap.String("component", "scheduler")),
		cfg:           cfg,
		blockedWarned: make(map[int64]bool),
	}
}

// Start begins the poll loop as a background goroutine. It returns
// immediately; call Stop to end the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("scheduler starting",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent))

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the poll loop and waits for it to exit. It does not cancel
// already-dispatched tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches as many PENDING tasks as there are free slots, per §4.5:
// it repeats while count(IN_PROGRESS) < max_concurrent AND
// get_next_pending_task() returns a task AND its dependencies are met. A
// task whose dependencies aren't met blocks the queue head for this tick —
// the loop does not skip past it to a lower-priority task.
func (s *Scheduler) tick(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		inProgress, err := s.store.CountTasks(ctx, v1.StatusInProgress)
		if err != nil {
			s.log.Error("counting in-progress tasks failed", zap.Error(err))
			return
		}
		if inProgress >= s.cfg.MaxConcurrent {
			return
		}

		task, err := s.store.GetNextPendingTask(ctx)
		if err != nil {
			s.log.Error("fetching next pending task failed", zap.Error(err))
			return
		}
		if task == nil {
			return
		}

		ok, err := s.dependenciesMet(ctx, task)
		if err != nil {
			s.log.Error("checking dependencies failed", zap.Int64("task_id", task.ID), zap.Error(err))
			return
		}
		if !ok {
			s.warnBlockedOnce(task.ID)
			return
		}
		delete(s.blockedWarned, task.ID)

		if !s.dispatch(ctx, task) {
			return
		}
	}
}

func (s *Scheduler) dependenciesMet(ctx context.Context, task *v1.Task) (bool, error) {
	for _, depID := range task.DependsOn {
		dep, err := s.store.GetTask(ctx, depID)
		if err != nil {
			return false, nil // missing dependency: block, don't error the tick
		}
		if dep.Status != v1.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) warnBlockedOnce(taskID int64) {
	if s.blockedWarned[taskID] {
		return
	}
	s.blockedWarned[taskID] = true
	s.log.Warn("task blocked on unmet dependency", zap.Int64("task_id", taskID))
}

// dispatch atomically transitions task to IN_PROGRESS, broadcasts the state
// change, and starts the Executor as an independent goroutine. Returns
// false if the transition itself failed (another writer beat this one to
// it, or the store rejected it), in which case the caller should stop this
// tick rather than spin.
func (s *Scheduler) dispatch(ctx context.Context, task *v1.Task) bool {
	inProgress := v1.StatusInProgress
	updated, err := s.store.UpdateTask(ctx, task.ID, v1.TaskUpdate{Status: &inProgress})
	if err != nil {
		s.log.Warn("dispatch: transition to IN_PROGRESS failed", zap.Int64("task_id", task.ID), zap.Error(err))
		return false
	}

	s.log.Info("dispatching task",
		zap.Int64("task_id", updated.ID),
		zap.String("title", updated.Title),
		zap.String("priority", string(updated.Priority)))
	s.broadcast(updated.ID, v1.Envelope{TaskID: updated.ID, Type: v1.EventState, Payload: v1.StatePayload{Status: updated.Status}})
	s.publish(ctx, events.TaskStateSubject(updated.ID), "task.state", map[string]interface{}{"status": string(updated.Status)})

	go s.exec.Run(ctx, updated, s.onOutput, s.onComplete)
	return true
}

// onOutput is the Executor's per-event callback (§4.5 Output callback): it
// appends a log entry with severity derived from the parsed event kind and
// broadcasts the event to observers.
func (s *Scheduler) onOutput(taskID int64, ev agentevents.Event) {
	severity := v1.SeverityInfo
	message := ev.Text
	switch ev.Kind {
	case agentevents.KindError:
		severity = v1.SeverityError
		message = ev.Message
	case agentevents.KindToolUse:
		message = ev.ToolName + ": " + ev.ToolArgsSummary
	case agentevents.KindResult:
		message = ev.FinalText
	case agentevents.KindRaw:
		message = ev.Raw
	}

	ctx := context.Background()
	if err := s.store.AddLog(ctx, taskID, severity, message, ev.Raw); err != nil {
		s.log.Warn("appending output log failed", zap.Int64("task_id", taskID), zap.Error(err))
	}
	s.broadcast(taskID, v1.Envelope{TaskID: taskID, Type: v1.EventOutput, Payload: v1.OutputPayload{Severity: severity, Message: message, Raw: ev.Raw}})
}

// onComplete is the Executor's terminal callback (§4.5 Completion
// callback): it writes the terminal state and broadcasts completion.
func (s *Scheduler) onComplete(taskID int64, result executor.Result) {
	ctx := context.Background()
	now := time.Now().UTC()

	patch := v1.TaskUpdate{
		Status:       &result.Status,
		Output:       &result.Output,
		Plan:         &result.Plan,
		CompletedAt:  &now,
		InputTokens:  result.InputTokens,
		OutTokens:    result.OutputTokens,
		Cost:         result.Cost,
	}
	if result.Error != "" {
		patch.Error = &result.Error
	}
	exitCode := result.ExitCode
	patch.ExitCode = &exitCode

	updated, err := s.store.UpdateTask(ctx, taskID, patch)
	if err != nil {
		s.log.Error("writing terminal task state failed", zap.Int64("task_id", taskID), zap.Error(err))
		return
	}

	if err := s.store.AddLog(ctx, taskID, v1.SeverityInfo, "task "+string(result.Status), ""); err != nil {
		s.log.Warn("appending completion log failed", zap.Int64("task_id", taskID), zap.Error(err))
	}

	s.log.Info("task completed", zap.Int64("task_id", taskID), zap.String("status", string(updated.Status)))
	s.broadcast(taskID, v1.Envelope{TaskID: taskID, Type: v1.EventComplete, Payload: v1.CompletePayload{
		Status:      updated.Status,
		ExitCode:    updated.ExitCode,
		InputTokens: updated.InputTokens,
		OutTokens:   updated.OutTokens,
		Cost:        updated.Cost,
	}})
	s.publish(ctx, events.TaskCompleteSubject(taskID), "task.complete", map[string]interface{}{
		"status":       string(updated.Status),
		"exit_code":    updated.ExitCode,
		"input_tokens": updated.InputTokens,
		"output_tokens": updated.OutTokens,
		"cost":         updated.Cost,
	})
}

// Cancel requests cancellation of an IN_PROGRESS task by delegating to the
// Executor; the Executor's on_complete callback finishes the state
// transition once the process actually exits.
func (s *Scheduler) Cancel(taskID int64) {
	s.exec.Cancel(taskID)
}

func (s *Scheduler) broadcast(taskID int64, payload interface{}) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(taskID, payload)
}

// publish is the Event Bus's best-effort secondary channel (§10.3): a
// failure here is TransientIO and never affects task execution or the
// mandatory Broadcaster above.
func (s *Scheduler) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := events.NewEvent(eventType, "scheduler", data)
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.log.Warn("publishing to event bus failed", zap.String("subject", subject), zap.Error(err))
	}
}
