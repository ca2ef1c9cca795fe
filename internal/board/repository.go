package board

import (
	"context"

	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// TaskFilter narrows ListTasks queries.
type TaskFilter struct {
	BoardID  string
	Assignee string
	Status   v1.TaskStatus
	Limit    int
}

// Repository is the storage interface for boards and tasks. SQLRepository
// is the production implementation; MemoryRepository backs tests.
type Repository interface {
	CreateBoard(ctx context.Context, b *v1.Board) error
	UpdateBoard(ctx context.Context, b *v1.Board) error
	GetBoard(ctx context.Context, id string) (*v1.Board, error)
	// ListBoards returns boards, optionally filtered by owner.
	ListBoards(ctx context.Context, ownerFilter string) ([]*v1.Board, error)

	CreateTask(ctx context.Context, t *v1.Task) error
	// UpdateTaskStatus persists status, reason, and updatedAt.
	UpdateTaskStatus(ctx context.Context, taskID string, status v1.TaskStatus, reason string) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*v1.Task, error)

	AddBlocker(ctx context.Context, taskID, content string) error
	AddArtifact(ctx context.Context, taskID string, note v1.TaskNote) error
	AddWorklog(ctx context.Context, taskID string, note v1.TaskNote) error

	Close() error
}
