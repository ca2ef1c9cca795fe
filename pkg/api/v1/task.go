package v1

import "time"

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusTodo    TaskStatus = "todo"
	TaskStatusDoing   TaskStatus = "doing"
	TaskStatusPending TaskStatus = "pending"
	TaskStatusBlocked TaskStatus = "blocked"
	TaskStatusDone    TaskStatus = "done"
)

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusTodo, TaskStatusDoing, TaskStatusPending, TaskStatusBlocked, TaskStatusDone:
		return true
	}
	return false
}

// TaskNote is one artifact or worklog entry on a task
type TaskNote struct {
	Content   string    `json:"content"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Task represents one work item on a board
type Task struct {
	ID           string     `json:"id"`
	BoardID      string     `json:"board_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Project      string     `json:"project"`
	Owner        string     `json:"owner"`
	AssignedTo   string     `json:"assigned_to"`
	Status       TaskStatus `json:"status"`
	StatusReason string     `json:"status_reason,omitempty"`
	Blockers     []string   `json:"blockers,omitempty"`
	Artifacts    []TaskNote `json:"artifacts,omitempty"`
	Worklog      []TaskNote `json:"worklog,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CreateTaskRequest for creating a task. BoardID may be empty when the
// caller is a manager, in which case their default board is used.
type CreateTaskRequest struct {
	BoardID     string `json:"board_id,omitempty"`
	Title       string `json:"title" binding:"required,max=255"`
	Description string `json:"description,omitempty"`
	Project     string `json:"project,omitempty"`
	AssignedTo  string `json:"assigned_to,omitempty"`
}

// UpdateTaskStatusRequest for moving a task between states
type UpdateTaskStatusRequest struct {
	Status TaskStatus `json:"status" binding:"required"`
	Reason string     `json:"reason,omitempty"`
}

// AddTaskNoteRequest for appending a blocker, artifact, or worklog entry
type AddTaskNoteRequest struct {
	Content string `json:"content" binding:"required"`
}
