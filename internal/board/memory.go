package board

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// MemoryRepository is an in-memory Repository used by tests and by
// deployments that do not need persistence.
type MemoryRepository struct {
	mu     sync.RWMutex
	boards map[string]*v1.Board
	tasks  map[string]*v1.Task
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		boards: make(map[string]*v1.Board),
		tasks:  make(map[string]*v1.Task),
	}
}

func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) CreateBoard(_ context.Context, b *v1.Board) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *b
	r.boards[b.ID] = &clone
	return nil
}

func (r *MemoryRepository) UpdateBoard(_ context.Context, b *v1.Board) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.boards[b.ID]
	if !ok {
		return ErrBoardNotFound
	}
	existing.Title = b.Title
	return nil
}

func (r *MemoryRepository) GetBoard(_ context.Context, id string) (*v1.Board, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.boards[id]
	if !ok {
		return nil, ErrBoardNotFound
	}
	clone := *b
	return &clone, nil
}

func (r *MemoryRepository) ListBoards(_ context.Context, ownerFilter string) ([]*v1.Board, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var boards []*v1.Board
	for _, b := range r.boards {
		if ownerFilter != "" && b.Owner != ownerFilter {
			continue
		}
		clone := *b
		boards = append(boards, &clone)
	}
	sort.Slice(boards, func(i, j int) bool {
		if !boards[i].CreatedAt.Equal(boards[j].CreatedAt) {
			return boards[i].CreatedAt.Before(boards[j].CreatedAt)
		}
		return boards[i].ID < boards[j].ID
	})
	return boards, nil
}

func (r *MemoryRepository) CreateTask(_ context.Context, t *v1.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = cloneTask(t)
	return nil
}

func (r *MemoryRepository) UpdateTaskStatus(_ context.Context, taskID string, status v1.TaskStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = status
	t.StatusReason = reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) GetTask(_ context.Context, id string) (*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (r *MemoryRepository) ListTasks(_ context.Context, filter TaskFilter) ([]*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tasks []*v1.Task
	for _, t := range r.tasks {
		if filter.BoardID != "" && t.BoardID != filter.BoardID {
			continue
		}
		if filter.Assignee != "" && t.AssignedTo != filter.Assignee {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		tasks = append(tasks, cloneTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func (r *MemoryRepository) AddBlocker(_ context.Context, taskID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Blockers = append(t.Blockers, content)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) AddArtifact(_ context.Context, taskID string, note v1.TaskNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Artifacts = append(t.Artifacts, note)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) AddWorklog(_ context.Context, taskID string, note v1.TaskNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Worklog = append(t.Worklog, note)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneTask(t *v1.Task) *v1.Task {
	clone := *t
	clone.Blockers = append([]string(nil), t.Blockers...)
	clone.Artifacts = append([]v1.TaskNote(nil), t.Artifacts...)
	clone.Worklog = append([]v1.TaskNote(nil), t.Worklog...)
	return &clone
}
