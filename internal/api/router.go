package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/taskforge/internal/broadcast"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/task/store"
)

// NewRouter wires every §6.1 command onto a gin engine: health and reads
// are open, mutating commands pass through RequireCredential, and
// /observe upgrades to the push-stream of §6.2. ws may be nil, in which
// case prune_workspaces reports a no-op rather than failing.
func NewRouter(st store.Store, sched Canceller, ws Pruner, hub *broadcast.Hub, log *logger.Logger, apiCredential string) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(log), RequestLogger(log), CORS(), ErrorHandler(log))

	handler := NewHandler(st, sched, ws, log)
	wsHandler := NewWSHandler(hub, log)

	r.GET("/health", handler.Health)
	r.GET("/observe", wsHandler.Observe)

	tasks := r.Group("/tasks")
	{
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:id", handler.GetTask)
		tasks.GET("/:id/logs", handler.GetTaskLogs)

		mutating := tasks.Group("")
		mutating.Use(RequireCredential(apiCredential))
		{
			mutating.POST("", handler.CreateTask)
			mutating.POST("/batch", handler.CreateTasksBatch)
			mutating.POST("/:id/cancel", handler.CancelTask)
			mutating.POST("/:id/retry", handler.RetryTask)
			mutating.POST("/:id/approve_plan", handler.ApprovePlan)
			mutating.DELETE("/:id", handler.DeleteTask)
		}
	}

	workspaces := r.Group("/workspaces")
	workspaces.Use(RequireCredential(apiCredential))
	{
		workspaces.POST("/prune", handler.PruneWorkspaces)
	}

	return r
}
