package agent

// WorkspaceAccess controls what cwd an agent's provider invocations use.
type WorkspaceAccess string

const (
	// WorkspaceAccessProviderDefault leaves cwd unset; the provider decides.
	WorkspaceAccessProviderDefault WorkspaceAccess = "provider-default"
	// WorkspaceAccessAgentWorkspace pins cwd to the agent's workspace dir.
	WorkspaceAccessAgentWorkspace WorkspaceAccess = "agent-workspace"
	// WorkspaceAccessExternal uses the caller-supplied cwd.
	WorkspaceAccessExternal WorkspaceAccess = "external"
)

// ResetMode controls when a session rotates its sessionId.
type ResetMode string

const (
	ResetModeDaily  ResetMode = "daily"
	ResetModeIdle   ResetMode = "idle"
	ResetModeManual ResetMode = "manual"
)

// ResetPolicy configures automatic session rotation.
type ResetPolicy struct {
	Mode        ResetMode `json:"mode"`
	AtHour      int       `json:"at_hour,omitempty"`
	IdleMinutes int       `json:"idle_minutes,omitempty"`
}

// PruningPolicy bounds the transcript without summarization.
type PruningPolicy struct {
	MaxMessages        int `json:"max_messages"`
	MaxChars           int `json:"max_chars"`
	KeepRecentMessages int `json:"keep_recent_messages"`
}

// CompactionPolicy controls when the old transcript prefix is replaced by
// a bounded summary entry.
type CompactionPolicy struct {
	TriggerMessageCount int `json:"trigger_message_count"`
	TriggerChars        int `json:"trigger_chars"`
	KeepRecentMessages  int `json:"keep_recent_messages"`
	SummaryMaxChars     int `json:"summary_max_chars"`
}

// SessionRules groups the per-agent session lifecycle configuration.
type SessionRules struct {
	Reset      ResetPolicy      `json:"reset"`
	Pruning    PruningPolicy    `json:"pruning"`
	Compaction CompactionPolicy `json:"compaction"`
}

// RuntimeConfig holds runtime behavior for an agent's provider invocations.
type RuntimeConfig struct {
	WorkspaceAccess WorkspaceAccess `json:"workspace_access"`
	Model           string          `json:"model,omitempty"`
}

// Config is the internal per-agent configuration persisted at
// agents/<id>/config.json. The manifest is the public face; this file
// carries the knobs the orchestrator and session engine consult.
type Config struct {
	SchemaVersion int          `json:"schema_version"`
	ID            string       `json:"id"`
	Provider      string       `json:"provider"`
	Runtime       RuntimeConfig `json:"runtime"`
	Session       SessionRules `json:"session"`
	Skills        []string     `json:"skills,omitempty"`
}

// DefaultSessionRules returns the session policy applied to new agents.
func DefaultSessionRules() SessionRules {
	return SessionRules{
		Reset: ResetPolicy{Mode: ResetModeDaily, AtHour: 4},
		Pruning: PruningPolicy{
			MaxMessages:        200,
			MaxChars:           400_000,
			KeepRecentMessages: 20,
		},
		Compaction: CompactionPolicy{
			TriggerMessageCount: 60,
			TriggerChars:        120_000,
			KeepRecentMessages:  12,
			SummaryMaxChars:     4_000,
		},
	}
}

// DefaultConfig returns the config written when an agent is created.
func DefaultConfig(id, provider string, skills []string) *Config {
	return &Config{
		SchemaVersion: 1,
		ID:            id,
		Provider:      provider,
		Runtime:       RuntimeConfig{WorkspaceAccess: WorkspaceAccessAgentWorkspace},
		Session:       DefaultSessionRules(),
		Skills:        skills,
	}
}
