package board

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/logger"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

const defaultProject = "~"

// Directory resolves agent manifests for delegation checks. Satisfied by
// agent.Registry.
type Directory interface {
	Get(id string) (*agent.Manifest, error)
}

// Service enforces the delegation rules on top of a Repository: only
// managers own boards, tasks flow down the reports-to graph, and only
// the current assignee moves a task.
type Service struct {
	repo      Repository
	directory Directory
	clock     clock.Clock
	logger    *logger.Logger
}

func NewService(repo Repository, directory Directory, clk clock.Clock, log *logger.Logger) *Service {
	return &Service{
		repo:      repo,
		directory: directory,
		clock:     clk,
		logger:    log.WithFields(zap.String("component", "board")),
	}
}

// CreateBoard creates a board owned by the calling manager.
func (s *Service) CreateBoard(ctx context.Context, callerAgentID, title string) (*v1.Board, error) {
	caller, err := s.directory.Get(callerAgentID)
	if err != nil {
		return nil, err
	}
	if !caller.IsManager() {
		return nil, ErrNotManager
	}
	b := &v1.Board{
		ID:        uuid.NewString(),
		Title:     title,
		Owner:     caller.ID,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.CreateBoard(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("board created", zap.String("board_id", b.ID), zap.String("owner", b.Owner))
	return b, nil
}

// UpdateBoard renames a board. Only the owner may update it.
func (s *Service) UpdateBoard(ctx context.Context, callerAgentID, boardID, title string) (*v1.Board, error) {
	b, err := s.repo.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if b.Owner != callerAgentID {
		return nil, ErrNotBoardOwner
	}
	b.Title = title
	if err := s.repo.UpdateBoard(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) GetBoard(ctx context.Context, boardID string) (*v1.Board, error) {
	return s.repo.GetBoard(ctx, boardID)
}

func (s *Service) ListBoards(ctx context.Context, ownerFilter string) ([]*v1.Board, error) {
	return s.repo.ListBoards(ctx, ownerFilter)
}

// CreateTask files a task on a board. The assignee must be the caller or
// one of the caller's direct reports. Managers may omit the board id, in
// which case their default board is created on first use.
func (s *Service) CreateTask(ctx context.Context, callerAgentID string, req v1.CreateTaskRequest) (*v1.Task, error) {
	caller, err := s.directory.Get(callerAgentID)
	if err != nil {
		return nil, err
	}

	assignee := strings.TrimSpace(req.AssignedTo)
	if assignee == "" {
		assignee = caller.ID
	}
	if assignee != caller.ID {
		if err := s.checkDirectReport(caller, assignee); err != nil {
			return nil, err
		}
	}

	boardID := req.BoardID
	if boardID == "" {
		if !caller.IsManager() {
			return nil, ErrBoardRequired
		}
		b, err := s.defaultBoard(ctx, caller)
		if err != nil {
			return nil, err
		}
		boardID = b.ID
	} else if _, err := s.repo.GetBoard(ctx, boardID); err != nil {
		return nil, err
	}

	project := req.Project
	if project == "" {
		project = defaultProject
	}

	now := s.clock.Now().UTC()
	t := &v1.Task{
		ID:          uuid.NewString(),
		BoardID:     boardID,
		Title:       req.Title,
		Description: req.Description,
		Project:     project,
		Owner:       caller.ID,
		AssignedTo:  assignee,
		Status:      v1.TaskStatusTodo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("board_id", t.BoardID),
		zap.String("assigned_to", t.AssignedTo))
	return t, nil
}

// UpdateTaskStatus moves a task between statuses. Only the current
// assignee may move it, and blocked or pending require a reason.
func (s *Service) UpdateTaskStatus(ctx context.Context, callerAgentID, taskID string, req v1.UpdateTaskStatusRequest) (*v1.Task, error) {
	if !v1.ValidTaskStatus(req.Status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
	}
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.AssignedTo != callerAgentID {
		return nil, ErrNotAssignee
	}
	reason := strings.TrimSpace(req.Reason)
	if (req.Status == v1.TaskStatusBlocked || req.Status == v1.TaskStatusPending) && reason == "" {
		return nil, ErrReasonRequired
	}
	if err := s.repo.UpdateTaskStatus(ctx, taskID, req.Status, reason); err != nil {
		return nil, err
	}
	return s.repo.GetTask(ctx, taskID)
}

func (s *Service) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	return s.repo.GetTask(ctx, taskID)
}

func (s *Service) ListTasks(ctx context.Context, filter TaskFilter) ([]*v1.Task, error) {
	return s.repo.ListTasks(ctx, filter)
}

// AddBlocker records a blocker on a task. Assignee-only.
func (s *Service) AddBlocker(ctx context.Context, callerAgentID, taskID, content string) error {
	if err := s.requireAssignee(ctx, callerAgentID, taskID); err != nil {
		return err
	}
	return s.repo.AddBlocker(ctx, taskID, content)
}

// AddArtifact records a produced artifact reference on a task. Assignee-only.
func (s *Service) AddArtifact(ctx context.Context, callerAgentID, taskID, content string) error {
	if err := s.requireAssignee(ctx, callerAgentID, taskID); err != nil {
		return err
	}
	return s.repo.AddArtifact(ctx, taskID, v1.TaskNote{
		Content:   content,
		CreatedBy: callerAgentID,
		CreatedAt: s.clock.Now().UTC(),
	})
}

// AddWorklog appends a worklog note to a task. Assignee-only.
func (s *Service) AddWorklog(ctx context.Context, callerAgentID, taskID, content string) error {
	if err := s.requireAssignee(ctx, callerAgentID, taskID); err != nil {
		return err
	}
	return s.repo.AddWorklog(ctx, taskID, v1.TaskNote{
		Content:   content,
		CreatedBy: callerAgentID,
		CreatedAt: s.clock.Now().UTC(),
	})
}

func (s *Service) Close() error { return s.repo.Close() }

func (s *Service) requireAssignee(ctx context.Context, callerAgentID, taskID string) error {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.AssignedTo != callerAgentID {
		return ErrNotAssignee
	}
	return nil
}

func (s *Service) checkDirectReport(caller *agent.Manifest, assignee string) error {
	m, err := s.directory.Get(assignee)
	if err != nil {
		return err
	}
	if m.ReportsTo == nil || *m.ReportsTo != caller.ID {
		return fmt.Errorf("%w: %s does not report to %s", ErrNotDirectReport, assignee, caller.ID)
	}
	return nil
}

// defaultBoard returns the manager's default board, creating it on first
// use. The id is derived from the owner so repeated calls converge.
func (s *Service) defaultBoard(ctx context.Context, owner *agent.Manifest) (*v1.Board, error) {
	id := "board-" + owner.ID
	b, err := s.repo.GetBoard(ctx, id)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrBoardNotFound) {
		return nil, err
	}
	b = &v1.Board{
		ID:        id,
		Title:     owner.DisplayName + " board",
		Owner:     owner.ID,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.CreateBoard(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}
