// Package paths resolves the on-disk layout of the OpenGoat home directory.
// Every component that persists state asks this package for its location;
// nothing else hardcodes a path under home.
package paths

import (
	"path/filepath"
	"strings"
)

// Layout resolves locations under a single OpenGoat home directory.
type Layout struct {
	home string
}

// New returns a Layout rooted at home.
func New(home string) *Layout {
	return &Layout{home: home}
}

// Home returns the root state directory.
func (l *Layout) Home() string { return l.home }

// ConfigFile returns <home>/config.json.
func (l *Layout) ConfigFile() string { return filepath.Join(l.home, "config.json") }

// AgentsIndexFile returns <home>/agents.json.
func (l *Layout) AgentsIndexFile() string { return filepath.Join(l.home, "agents.json") }

// WorkspacesDir returns <home>/workspaces.
func (l *Layout) WorkspacesDir() string { return filepath.Join(l.home, "workspaces") }

// WorkspaceDir returns the workspace directory for an agent.
func (l *Layout) WorkspaceDir(agentID string) string {
	return filepath.Join(l.WorkspacesDir(), agentID)
}

// WorkspaceManifestFile returns <home>/workspaces/<id>/AGENTS.md.
func (l *Layout) WorkspaceManifestFile(agentID string) string {
	return filepath.Join(l.WorkspaceDir(agentID), "AGENTS.md")
}

// WorkspaceMetaFile returns <home>/workspaces/<id>/workspace.json.
func (l *Layout) WorkspaceMetaFile(agentID string) string {
	return filepath.Join(l.WorkspaceDir(agentID), "workspace.json")
}

// AgentsDir returns <home>/agents.
func (l *Layout) AgentsDir() string { return filepath.Join(l.home, "agents") }

// AgentDir returns the internal state directory for an agent.
func (l *Layout) AgentDir(agentID string) string {
	return filepath.Join(l.AgentsDir(), agentID)
}

// AgentConfigFile returns <home>/agents/<id>/config.json.
func (l *Layout) AgentConfigFile(agentID string) string {
	return filepath.Join(l.AgentDir(agentID), "config.json")
}

// SessionsDir returns <home>/agents/<id>/sessions.
func (l *Layout) SessionsDir(agentID string) string {
	return filepath.Join(l.AgentDir(agentID), "sessions")
}

// SessionsIndexFile returns <home>/agents/<id>/sessions/sessions.json.
func (l *Layout) SessionsIndexFile(agentID string) string {
	return filepath.Join(l.SessionsDir(agentID), "sessions.json")
}

// TranscriptFile returns the transcript path for one session of an agent.
// Session keys contain colons, which are unfriendly to some filesystems,
// so the directory name substitutes underscores.
func (l *Layout) TranscriptFile(agentID, sessionKey string) string {
	return filepath.Join(l.SessionsDir(agentID), SanitizeKey(sessionKey), "transcript.jsonl")
}

// ProvidersDir returns <home>/providers.
func (l *Layout) ProvidersDir() string { return filepath.Join(l.home, "providers") }

// ProviderConfigFile returns <home>/providers/<id>/config.json.
func (l *Layout) ProviderConfigFile(providerID string) string {
	return filepath.Join(l.ProvidersDir(), providerID, "config.json")
}

// RunsDir returns <home>/runs.
func (l *Layout) RunsDir() string { return filepath.Join(l.home, "runs") }

// RunTraceFile returns <home>/runs/<runId>.json.
func (l *Layout) RunTraceFile(runID string) string {
	return filepath.Join(l.RunsDir(), runID+".json")
}

// BoardsDBFile returns <home>/boards.sqlite.
func (l *Layout) BoardsDBFile() string { return filepath.Join(l.home, "boards.sqlite") }

// SanitizeKey converts a session key into a filesystem-safe directory name.
func SanitizeKey(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
