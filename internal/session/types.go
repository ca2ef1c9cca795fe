package session

import (
	"time"

	"github.com/opengoat/opengoat/internal/agent"
)

// Meta is the per-session record kept in the sessions.json index.
type Meta struct {
	SessionID         string    `json:"session_id"`
	AgentID           string    `json:"agent_id"`
	Title             string    `json:"title,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	MessageCount      int       `json:"message_count"`
	CompactionCount   int       `json:"compaction_count"`
	Rotations         int       `json:"rotations"`
	ProjectPath       string    `json:"project_path,omitempty"`
	ProviderSessionID string    `json:"provider_session_id,omitempty"`
}

// index is persisted at agents/<id>/sessions/sessions.json.
type index struct {
	SchemaVersion int              `json:"schema_version"`
	Sessions      map[string]*Meta `json:"sessions"`
}

// Info identifies the session a run is using and carries the paths the
// orchestrator needs to build the invocation.
type Info struct {
	SessionKey        string
	SessionID         string
	AgentID           string
	RunID             string
	IsNewSession      bool
	TranscriptPath    string
	WorkspacePath     string
	ProjectPath       string
	ProviderSessionID string
}

// PrepareOptions configures prepareRunSession.
type PrepareOptions struct {
	SessionRef  string
	ForceNew    bool
	Disable     bool
	UserMessage string
	ProjectPath string
	RunID       string
}

// PrepareResult is the outcome of prepareRunSession.
type PrepareResult struct {
	// Enabled is false when the caller asked for a stateless run.
	Enabled bool
	// Cancelled is true when a buffered cancel consumed this prepare; the
	// orchestrator must not invoke the provider.
	Cancelled         bool
	Info              *Info
	CompactionApplied bool
	// ContextPrompt replays recent transcript for cold starts.
	ContextPrompt string
}

// CompactionResult reports what a compaction pass did.
type CompactionResult struct {
	Applied           bool
	CompactedMessages int
	Summary           string
}

// HistoryOptions configures getSessionHistory.
type HistoryOptions struct {
	SessionRef        string
	Limit             int
	IncludeCompaction bool
}

// RulesProvider resolves the session lifecycle rules for an agent. The
// agent registry satisfies this.
type RulesProvider interface {
	Config(agentID string) (*agent.Config, error)
}
