// Package api is the Control Surface (§4.7): it translates externally
// initiated commands (§6.1) into Task Store and Scheduler operations over
// HTTP, using gin. Grounded on the corpus's orchestrator API
// (internal/orchestrator/api's router.go/handlers.go/requests.go), with
// the request/response DTOs reworked from execution-status polling onto
// this system's task-lifecycle command table.
package api

import v1 "github.com/kandev/taskforge/pkg/api/v1"

// CreateTaskRequest is create_task's input (§6.1).
type CreateTaskRequest struct {
	Title     string      `json:"title" binding:"required"`
	Prompt    string      `json:"prompt" binding:"required"`
	Mode      v1.Mode     `json:"mode,omitempty"`
	Priority  v1.Priority `json:"priority,omitempty"`
	DependsOn []int64     `json:"depends_on,omitempty"`
	RepoPath  string      `json:"repo_path,omitempty"`
	Tags      []string    `json:"tags,omitempty"`
}

func (r CreateTaskRequest) toInput() v1.NewTaskInput {
	return v1.NewTaskInput{
		Title:     r.Title,
		Prompt:    r.Prompt,
		Mode:      r.Mode,
		Priority:  r.Priority,
		DependsOn: r.DependsOn,
		RepoPath:  r.RepoPath,
		Tags:      r.Tags,
	}
}

// CreateTasksBatchRequest is create_tasks_batch's input: all succeed or
// all fail (§6.1).
type CreateTasksBatchRequest struct {
	Tasks []CreateTaskRequest `json:"tasks" binding:"required,min=1"`
}

// TaskResponse is get_task's result: the task plus its ordered logs.
// create_task and list_tasks return bare tasks.
type TaskResponse struct {
	*v1.Task
	Logs []*v1.LogEntry `json:"logs,omitempty"`
}

// TaskLogsResponse is get_task_logs's result.
type TaskLogsResponse struct {
	TaskID int64           `json:"task_id"`
	Logs   []*v1.LogEntry  `json:"logs"`
}

// healthResponse is health's result.
type healthResponse struct {
	Status string `json:"status"`
}
