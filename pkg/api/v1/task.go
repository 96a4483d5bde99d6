// Package v1 holds the wire/domain types shared between the core execution
// plane and its external collaborators (the Control Surface, the Broadcast
// Hub's observers).
package v1

import "time"

// Status is a task's position in the state machine.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether the status is one from which a task never
// transitions on its own.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Mode selects how the Process Executor composes the agent's prompt.
type Mode string

const (
	ModeExecute Mode = "EXECUTE"
	ModePlan    Mode = "PLAN"
)

// Priority orders pending tasks; Urgent beats High beats Medium beats Low.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank maps a Priority to an integer ordering suitable for heap comparisons;
// higher ranks are more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return 0
	}
}

// Severity classifies a log entry.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Task is the core unit of work orchestrated by the system.
type Task struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Prompt      string         `json:"prompt"`
	Status      Status         `json:"status"`
	Mode        Mode           `json:"mode"`
	Priority    Priority       `json:"priority"`
	DependsOn   []int64        `json:"depends_on,omitempty"`
	RepoPath    string         `json:"repo_path,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Branch      string         `json:"branch,omitempty"`
	WorkDir     string         `json:"working_directory,omitempty"`
	Output      string         `json:"output,omitempty"`
	Plan        string         `json:"plan,omitempty"`
	Error       string         `json:"error,omitempty"`
	ExitCode    *int           `json:"exit_code,omitempty"`
	InputTokens *int64         `json:"input_tokens,omitempty"`
	OutTokens   *int64         `json:"output_tokens,omitempty"`
	Cost        *float64       `json:"cost,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// LogEntry is one append-only line of a task's activity log.
type LogEntry struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw,omitempty"`
}

// NewTaskInput carries the caller-supplied fields for create_task.
type NewTaskInput struct {
	Title     string
	Prompt    string
	Mode      Mode
	Priority  Priority
	DependsOn []int64
	RepoPath  string
	Tags      []string
}

// TaskUpdate is a partial patch applied through update_task; nil fields are
// left untouched.
type TaskUpdate struct {
	Status      *Status
	Mode        *Mode
	Branch      *string
	WorkDir     *string
	Output      *string
	Plan        *string
	Error       *string
	ExitCode    *int
	InputTokens *int64
	OutTokens   *int64
	Cost        *float64
	StartedAt   *time.Time
	CompletedAt *time.Time
}
