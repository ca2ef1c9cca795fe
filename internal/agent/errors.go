package agent

import "errors"

var (
	// ErrAgentNotFound is returned when no manifest exists for an id.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrHeadAgentProtected is returned when an operation would remove or
	// orphan the organization head.
	ErrHeadAgentProtected = errors.New("the organization head cannot be deleted or reassigned")
	// ErrCyclicReports is returned when a reports-to change would create a
	// cycle in the reporting graph.
	ErrCyclicReports = errors.New("reports-to change would create a cycle")
	// ErrManagerNotFound is returned when reports-to names an unknown agent.
	ErrManagerNotFound = errors.New("reports-to agent not found")
)
