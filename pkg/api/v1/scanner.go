package v1

import "time"

// DispatchKind says why the scanner dispatched a prompt
type DispatchKind string

const (
	DispatchKindTodoKickoff   DispatchKind = "todo_kickoff"
	DispatchKindBlockedAlert  DispatchKind = "blocked_alert"
	DispatchKindInactiveNudge DispatchKind = "inactive_nudge"
)

// Dispatch records one prompt the scanner sent through the orchestrator
type Dispatch struct {
	Kind          DispatchKind `json:"kind"`
	TargetAgentID string       `json:"target_agent_id"`
	TaskID        string       `json:"task_id,omitempty"`
	SessionRef    string       `json:"session_ref"`
	OK            bool         `json:"ok"`
	Error         string       `json:"error,omitempty"`
}

// CycleReport summarizes one scanner cycle
type CycleReport struct {
	RanAt          time.Time  `json:"ran_at"`
	ScannedTasks   int        `json:"scanned_tasks"`
	TodoTasks      int        `json:"todo_tasks"`
	BlockedTasks   int        `json:"blocked_tasks"`
	InactiveAgents int        `json:"inactive_agents"`
	Sent           int        `json:"sent"`
	Failed         int        `json:"failed"`
	Dispatches     []Dispatch `json:"dispatches"`
}
