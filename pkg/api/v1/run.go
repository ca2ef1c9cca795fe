package v1

import "time"

// StopReason is the terminal outcome of a run
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonRefusal   StopReason = "refusal"
	StopReasonCancelled StopReason = "cancelled"
)

// RunRequest describes one orchestrated agent run
type RunRequest struct {
	Message         string            `json:"message" binding:"required"`
	SessionRef      string            `json:"session_ref,omitempty"`
	ForceNewSession bool              `json:"force_new_session,omitempty"`
	DisableSession  bool              `json:"disable_session,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Model           string            `json:"model,omitempty"`
}

// RunResult is the outcome of runAgent
type RunResult struct {
	RunID        string           `json:"run_id"`
	EntryAgentID string           `json:"entry_agent_id"`
	ProviderID   string           `json:"provider_id"`
	Code         int              `json:"code"`
	Stdout       string           `json:"stdout"`
	Stderr       string           `json:"stderr"`
	StopReason   StopReason       `json:"stop_reason"`
	TracePath    string           `json:"trace_path,omitempty"`
	Routing      *RoutingDecision `json:"routing,omitempty"`
	Session      *RunSessionInfo  `json:"session,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
}

// RunSessionInfo summarizes the session a run used
type RunSessionInfo struct {
	SessionKey        string `json:"session_key"`
	SessionID         string `json:"session_id"`
	IsNewSession      bool   `json:"is_new_session"`
	CompactionApplied bool   `json:"compaction_applied"`
}

// RunTrace is the persisted record of a single run, one JSON file per run
type RunTrace struct {
	SchemaVersion int              `json:"schema_version"`
	RunID         string           `json:"run_id"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   time.Time        `json:"completed_at"`
	EntryAgentID  string           `json:"entry_agent_id"`
	UserMessage   string           `json:"user_message"`
	Routing       *RoutingDecision `json:"routing,omitempty"`
	Execution     TraceExecution   `json:"execution"`
	Session       *RunSessionInfo  `json:"session,omitempty"`
	Orchestration []RunEvent       `json:"orchestration,omitempty"`
}

// TraceExecution records the provider invocation inside a trace
type TraceExecution struct {
	ProviderID string `json:"provider_id"`
	Code       int    `json:"code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
}

// RunEvent is one orchestration lifecycle record, emitted to hooks and
// appended to the trace
type RunEvent struct {
	Stage      string    `json:"stage"`
	RunID      string    `json:"run_id"`
	Timestamp  time.Time `json:"timestamp"`
	AgentID    string    `json:"agent_id,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	Code       *int      `json:"code,omitempty"`
}
