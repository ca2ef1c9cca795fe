package board

import "errors"

var (
	// ErrBoardNotFound is returned when no board exists for an id.
	ErrBoardNotFound = errors.New("board not found")
	// ErrTaskNotFound is returned when no task exists for an id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotManager is returned when a non-manager tries to own a board.
	ErrNotManager = errors.New("only managers can own boards")
	// ErrNotBoardOwner is returned when someone other than the owner
	// mutates a board.
	ErrNotBoardOwner = errors.New("only the board owner may update the board")
	// ErrNotAssignee is returned when someone other than the current
	// assignee mutates a task.
	ErrNotAssignee = errors.New("only the current assignee may change the task")
	// ErrNotDirectReport is returned when a manager assigns work to an
	// agent that does not report to them.
	ErrNotDirectReport = errors.New("assignee must be the caller or one of their direct reports")
	// ErrReasonRequired is returned when blocked or pending is set with
	// no reason.
	ErrReasonRequired = errors.New("blocked and pending require a status reason")
	// ErrInvalidStatus is returned for unknown task statuses.
	ErrInvalidStatus = errors.New("invalid task status")
	// ErrBoardRequired is returned when a non-manager omits the board id.
	ErrBoardRequired = errors.New("board id required for non-managers")
)
