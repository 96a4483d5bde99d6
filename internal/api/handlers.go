package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kandev/taskforge/internal/common/errors"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/task/store"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

// Canceller is the subset of the Scheduler the Control Surface drives
// directly; cancel_task needs to reach the running Executor, not just
// flip the Store's status field.
type Canceller interface {
	Cancel(taskID int64)
}

// Pruner is the subset of the Workspace Manager the Control Surface drives
// directly, so prune_workspaces (§10.5) is callable on demand and not only
// from the background timer in cmd/taskforge.
type Pruner interface {
	PruneWorkspaces(ctx context.Context) error
}

// Handler implements every command of §6.1 against the Task Store, with
// cancel_task additionally reaching into the Scheduler. Grounded on the
// corpus's orchestrator Handler (service-backed gin handlers), reworked
// from execution-status polling onto this system's task CRUD + lifecycle
// command table.
type Handler struct {
	store     store.Store
	scheduler Canceller
	workspace Pruner
	log       *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(st store.Store, sched Canceller, ws Pruner, log *logger.Logger) *Handler {
	return &Handler{
		store:     st,
		scheduler: sched,
		workspace: ws,
		log:       log.WithFields(zap.String("component", "api")),
	}
}

// Health answers the `health` command (§6.1).
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// CreateTask answers `create_task`.
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationErr(err.Error()))
		return
	}

	task, err := h.store.CreateTask(c.Request.Context(), req.toInput())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// CreateTasksBatch answers `create_tasks_batch`: all tasks are created or
// none are, via the Store's own transactional CreateTasksBatch (§10.5).
func (h *Handler) CreateTasksBatch(c *gin.Context) {
	var req CreateTasksBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationErr(err.Error()))
		return
	}

	inputs := make([]v1.NewTaskInput, 0, len(req.Tasks))
	for _, one := range req.Tasks {
		inputs = append(inputs, one.toInput())
	}

	created, err := h.store.CreateTasksBatch(c.Request.Context(), inputs)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListTasks answers `list_tasks`, with an optional ?status= filter.
func (h *Handler) ListTasks(c *gin.Context) {
	var status *v1.Status
	if raw := c.Query("status"); raw != "" {
		s := v1.Status(raw)
		status = &s
	}

	tasks, err := h.store.ListTasks(c.Request.Context(), status)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// GetTask answers `get_task`: the task plus its ordered logs.
func (h *Handler) GetTask(c *gin.Context) {
	id, err := h.taskID(c)
	if err != nil {
		return
	}

	task, err := h.store.GetTask(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	logs, err := h.store.GetTaskLogs(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, TaskResponse{Task: task, Logs: logs})
}

// GetTaskLogs answers `get_task_logs`.
func (h *Handler) GetTaskLogs(c *gin.Context) {
	id, err := h.taskID(c)
	if err != nil {
		return
	}

	if _, err := h.store.GetTask(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	logs, err := h.store.GetTaskLogs(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, TaskLogsResponse{TaskID: id, Logs: logs})
}

// CancelTask answers `cancel_task`: transitions the task to CANCELLED and
// signals the Executor if it's currently running the task.
func (h *Handler) CancelTask(c *gin.Context) {
	id, err := h.taskID(c)
	if err != nil {
		return
	}

	cancelled := v1.StatusCancelled
	task, err := h.store.UpdateTask(c.Request.Context(), id, v1.TaskUpdate{Status: &cancelled})
	if err != nil {
		_ = c.Error(err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.Cancel(id)
	}
	c.JSON(http.StatusOK, task)
}

// RetryTask answers `retry_task`: FAILED -> PENDING, clearing error/exit
// code/usage (the Store's applyStatusSideEffects does the clearing). Only
// a FAILED task may be retried; §6.1 ties the side effects specifically to
// that transition, not to landing on PENDING from anywhere.
func (h *Handler) RetryTask(c *gin.Context) {
	id, err := h.taskID(c)
	if err != nil {
		return
	}

	task, err := h.store.GetTask(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if task.Status != v1.StatusFailed {
		_ = c.Error(apperrors.StateConflict("retry_task requires a FAILED task"))
		return
	}

	pending := v1.StatusPending
	task, err = h.store.UpdateTask(c.Request.Context(), id, v1.TaskUpdate{Status: &pending})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ApprovePlan answers `approve_plan`: REVIEW -> PENDING, mode -> EXECUTE
// (the Store's applyStatusSideEffects flips mode). Only a task awaiting
// review may be approved.
func (h *Handler) ApprovePlan(c *gin.Context) {
	id, err := h.taskID(c)
	if err != nil {
		return
	}

	task, err := h.store.GetTask(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if task.Status != v1.StatusReview {
		_ = c.Error(apperrors.StateConflict("approve_plan requires a task awaiting review"))
		return
	}

	pending := v1.StatusPending
	task, err = h.store.UpdateTask(c.Request.Context(), id, v1.TaskUpdate{Status: &pending})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// DeleteTask answers `delete_task`: delete plus cascaded logs.
func (h *Handler) DeleteTask(c *gin.Context) {
	id, err := h.taskID(c)
	if err != nil {
		return
	}

	if err := h.store.DeleteTask(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// PruneWorkspaces answers `prune_workspaces` (§10.5): an on-demand maintenance
// operation alongside the background timer in cmd/taskforge, exposed so an
// operator doesn't have to wait for the next scheduled sweep.
func (h *Handler) PruneWorkspaces(c *gin.Context) {
	if h.workspace == nil {
		c.JSON(http.StatusOK, gin.H{"pruned": false})
		return
	}
	if err := h.workspace.PruneWorkspaces(c.Request.Context()); err != nil {
		h.log.Warn("on-demand workspace prune failed", zap.Error(err))
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": true})
}

// taskID parses the :id path parameter, reporting a ValidationError and
// aborting the request on malformed input.
func (h *Handler) taskID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		verr := apperrors.ValidationErr("id must be a numeric task id")
		_ = c.Error(verr)
		return 0, verr
	}
	return id, nil
}
