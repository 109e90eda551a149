package domain

import "time"

// TaskStatus is the outcome classification of a task execution.
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskError   TaskStatus = "error"
	TaskWarning TaskStatus = "warning"
)

// TaskContext is the structured input to an agent's process call.
type TaskContext struct {
	TaskID       string         `json:"task_id"`
	AgentName    string         `json:"agent_name"`
	Type         string         `json:"type"`
	Input        map[string]any `json:"input"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TaskResult is what every process invocation yields. The runtime boundary
// guarantees a TaskResult for every call: timeouts, panics and validation
// failures all surface here as status "error", never as an escaped error.
type TaskResult struct {
	TaskID        string         `json:"task_id"`
	AgentName     string         `json:"agent_name"`
	Status        TaskStatus     `json:"status"`
	Data          map[string]any `json:"data,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
}
