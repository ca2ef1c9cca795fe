package v1

import "time"

// TranscriptKind is the kind of one transcript entry
type TranscriptKind string

const (
	TranscriptKindUserMessage       TranscriptKind = "user_message"
	TranscriptKindAssistantMessage  TranscriptKind = "assistant_message"
	TranscriptKindCompactionSummary TranscriptKind = "compaction_summary"
)

// TranscriptEntry is one ordered message in a session transcript
type TranscriptEntry struct {
	Ts      time.Time      `json:"ts"`
	Kind    TranscriptKind `json:"kind"`
	Content string         `json:"content"`
}

// SessionSummary describes one session in the index
type SessionSummary struct {
	SessionKey      string    `json:"session_key"`
	SessionID       string    `json:"session_id"`
	AgentID         string    `json:"agent_id"`
	Title           string    `json:"title,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	MessageCount    int       `json:"message_count"`
	CompactionCount int       `json:"compaction_count"`
	Rotations       int       `json:"rotations"`
}

// SessionHistory is the ordered transcript of one session
type SessionHistory struct {
	SessionKey string            `json:"session_key"`
	Messages   []TranscriptEntry `json:"messages"`
}

// RenameSessionRequest for retitling a session
type RenameSessionRequest struct {
	Title string `json:"title" binding:"required,max=255"`
}
