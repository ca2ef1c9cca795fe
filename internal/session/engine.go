// Package session owns transcripts and session metadata. Every other
// component reads and writes sessions through the Engine; the active-run
// claim it keeps per sessionKey is what guarantees at most one run per
// session at any time.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/fsutil"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/common/stringutil"
	"github.com/opengoat/opengoat/internal/paths"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

const contextPromptEntries = 10

// activeRun is the exclusive claim one run holds on a sessionKey.
type activeRun struct {
	runID     string
	cancelled bool
}

// Engine manages per-agent session transcripts.
type Engine struct {
	fs     fsutil.FS
	layout *paths.Layout
	clock  clock.Clock
	logger *logger.Logger
	rules  RulesProvider

	// mu guards claims, pendingCancels, and all index/transcript writes.
	mu             sync.Mutex
	claims         map[string]*activeRun
	pendingCancels map[string]bool
}

// NewEngine creates a session engine rooted at layout.
func NewEngine(fs fsutil.FS, layout *paths.Layout, clk clock.Clock, log *logger.Logger, rules RulesProvider) *Engine {
	return &Engine{
		fs:             fs,
		layout:         layout,
		clock:          clk,
		logger:         log.WithFields(zap.String("component", "session-engine")),
		rules:          rules,
		claims:         make(map[string]*activeRun),
		pendingCancels: make(map[string]bool),
	}
}

// ResolveKey turns a session ref into a full sessionKey. Empty refs map
// to the agent's main session; refs that already carry a namespace
// (agent:… or acp:…) pass through unchanged.
func ResolveKey(agentID, ref string) string {
	if ref == "" {
		return "agent:" + agentID + ":main"
	}
	if strings.Contains(ref, ":") {
		return ref
	}
	return "agent:" + agentID + ":" + ref
}

// PrepareRunSession resolves (or creates) the session for a run, applies
// the reset policy, appends the user message, prunes and compacts as
// configured, and takes the active-run claim.
func (e *Engine) PrepareRunSession(agentID string, opts PrepareOptions) (*PrepareResult, error) {
	if opts.Disable {
		return &PrepareResult{Enabled: false}, nil
	}
	key := ResolveKey(agentID, opts.SessionRef)

	e.mu.Lock()
	defer e.mu.Unlock()

	// A cancel buffered while the session was idle consumes this run.
	if e.pendingCancels[key] {
		delete(e.pendingCancels, key)
		return &PrepareResult{Enabled: true, Cancelled: true}, nil
	}
	if _, busy := e.claims[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, key)
	}
	e.claims[key] = &activeRun{runID: opts.RunID}

	result, err := e.prepareLocked(agentID, key, opts)
	if err != nil {
		delete(e.claims, key)
		return nil, err
	}
	return result, nil
}

func (e *Engine) prepareLocked(agentID, key string, opts PrepareOptions) (*PrepareResult, error) {
	cfg, err := e.rules.Config(agentID)
	if err != nil {
		return nil, err
	}
	rules := cfg.Session

	idx, err := e.readIndex(agentID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	meta, exists := idx.Sessions[key]
	isNew := false
	if !exists {
		meta = &Meta{
			SessionID: uuid.New().String(),
			AgentID:   agentID,
			CreatedAt: now,
		}
		idx.Sessions[key] = meta
		isNew = true
	} else if opts.ForceNew || e.resetDue(meta, rules.Reset, now) {
		e.rotate(agentID, key, meta, now)
		isNew = true
	}
	if opts.ProjectPath != "" {
		meta.ProjectPath = opts.ProjectPath
	}

	entries, err := e.readTranscript(agentID, key)
	if err != nil {
		return nil, err
	}

	// Context replay is built from the transcript as it stood before this
	// run's user message.
	contextPrompt := buildContextPrompt(entries)

	entries = append(entries, v1.TranscriptEntry{
		Ts:      now,
		Kind:    v1.TranscriptKindUserMessage,
		Content: opts.UserMessage,
	})
	entries = prune(entries, rules.Pruning)

	compaction := compact(entries, rules.Compaction, now)
	entries = compaction.entries
	if compaction.Applied {
		meta.CompactionCount++
	}

	meta.LastActivityAt = now
	meta.MessageCount = len(entries)

	if err := e.writeTranscript(agentID, key, entries); err != nil {
		return nil, err
	}
	if err := e.writeIndex(agentID, idx); err != nil {
		return nil, err
	}

	info := &Info{
		SessionKey:        key,
		SessionID:         meta.SessionID,
		AgentID:           agentID,
		RunID:             opts.RunID,
		IsNewSession:      isNew,
		TranscriptPath:    e.layout.TranscriptFile(agentID, key),
		WorkspacePath:     e.layout.WorkspaceDir(agentID),
		ProjectPath:       meta.ProjectPath,
		ProviderSessionID: meta.ProviderSessionID,
	}
	return &PrepareResult{
		Enabled:           true,
		Info:              info,
		CompactionApplied: compaction.Applied,
		ContextPrompt:     contextPrompt,
	}, nil
}

// RecordAssistantReply appends the assistant content, updates activity,
// optionally compacts, and releases the active-run claim. If the claim was
// cancelled while the provider ran, nothing is recorded and ErrRunCancelled
// is returned.
func (e *Engine) RecordAssistantReply(info *Info, content, providerSessionID string) (*CompactionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	claim := e.claims[info.SessionKey]
	defer delete(e.claims, info.SessionKey)
	if claim != nil && claim.cancelled {
		return nil, ErrRunCancelled
	}

	cfg, err := e.rules.Config(info.AgentID)
	if err != nil {
		return nil, err
	}
	idx, err := e.readIndex(info.AgentID)
	if err != nil {
		return nil, err
	}
	meta, ok := idx.Sessions[info.SessionKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, info.SessionKey)
	}

	now := e.clock.Now()
	entries, err := e.readTranscript(info.AgentID, info.SessionKey)
	if err != nil {
		return nil, err
	}
	entries = append(entries, v1.TranscriptEntry{
		Ts:      now,
		Kind:    v1.TranscriptKindAssistantMessage,
		Content: content,
	})

	compaction := compact(entries, cfg.Session.Compaction, now)
	entries = compaction.entries
	if compaction.Applied {
		meta.CompactionCount++
	}

	meta.LastActivityAt = now
	meta.MessageCount = len(entries)
	if providerSessionID != "" {
		meta.ProviderSessionID = providerSessionID
	}

	if err := e.writeTranscript(info.AgentID, info.SessionKey, entries); err != nil {
		return nil, err
	}
	if err := e.writeIndex(info.AgentID, idx); err != nil {
		return nil, err
	}

	return &CompactionResult{
		Applied:           compaction.Applied,
		CompactedMessages: compaction.CompactedMessages,
		Summary:           compaction.Summary,
	}, nil
}

// Release drops the active-run claim without recording, for error paths.
func (e *Engine) Release(sessionKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.claims, sessionKey)
}

// Cancel marks the session's active run cancelled. With no run in flight
// the cancel is buffered and consumed by the next prepare.
func (e *Engine) Cancel(agentID, sessionRef string) {
	e.CancelKey(ResolveKey(agentID, sessionRef))
}

// CancelKey cancels by full sessionKey.
func (e *Engine) CancelKey(sessionKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if claim, ok := e.claims[sessionKey]; ok {
		claim.cancelled = true
		return
	}
	e.pendingCancels[sessionKey] = true
}

// Cancelled reports whether the sessionKey's active run has been cancelled.
func (e *Engine) Cancelled(sessionKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	claim, ok := e.claims[sessionKey]
	return ok && claim.cancelled
}

// GetSessionHistory returns the ordered transcript, trimmed to limit.
func (e *Engine) GetSessionHistory(agentID string, opts HistoryOptions) (*v1.SessionHistory, error) {
	key := ResolveKey(agentID, opts.SessionRef)

	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.readIndex(agentID)
	if err != nil {
		return nil, err
	}
	if _, ok := idx.Sessions[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	entries, err := e.readTranscript(agentID, key)
	if err != nil {
		return nil, err
	}
	if !opts.IncludeCompaction {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.Kind != v1.TranscriptKindCompactionSummary {
				kept = append(kept, entry)
			}
		}
		entries = kept
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[len(entries)-opts.Limit:]
	}
	return &v1.SessionHistory{SessionKey: key, Messages: entries}, nil
}

// ListSessions returns summaries for one agent, or every agent when
// agentID is empty.
func (e *Engine) ListSessions(agentID string) ([]v1.SessionSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	agentIDs := []string{agentID}
	if agentID == "" {
		ids, err := e.agentIDs()
		if err != nil {
			return nil, err
		}
		agentIDs = ids
	}

	var summaries []v1.SessionSummary
	for _, id := range agentIDs {
		idx, err := e.readIndex(id)
		if err != nil {
			return nil, err
		}
		for key, meta := range idx.Sessions {
			summaries = append(summaries, v1.SessionSummary{
				SessionKey:      key,
				SessionID:       meta.SessionID,
				AgentID:         meta.AgentID,
				Title:           meta.Title,
				CreatedAt:       meta.CreatedAt,
				LastActivityAt:  meta.LastActivityAt,
				MessageCount:    meta.MessageCount,
				CompactionCount: meta.CompactionCount,
				Rotations:       meta.Rotations,
			})
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastActivityAt.Equal(summaries[j].LastActivityAt) {
			return summaries[i].SessionKey < summaries[j].SessionKey
		}
		return summaries[i].LastActivityAt.After(summaries[j].LastActivityAt)
	})
	return summaries, nil
}

// LatestActivity returns the most recent lastActivityAt across the
// agent's sessions. The scanner uses this to find inactive agents.
func (e *Engine) LatestActivity(agentID string) (time.Time, bool) {
	summaries, err := e.ListSessions(agentID)
	if err != nil || len(summaries) == 0 {
		return time.Time{}, false
	}
	return summaries[0].LastActivityAt, true
}

// ResetSession rotates the session's id and truncates its transcript.
func (e *Engine) ResetSession(agentID, sessionRef string) error {
	key := ResolveKey(agentID, sessionRef)

	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.readIndex(agentID)
	if err != nil {
		return err
	}
	meta, ok := idx.Sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	e.rotate(agentID, key, meta, e.clock.Now())
	meta.MessageCount = 0
	return e.writeIndex(agentID, idx)
}

// CompactSession forces a compaction pass on the agent's main session,
// ignoring the usual triggers.
func (e *Engine) CompactSession(agentID string) (*CompactionResult, error) {
	key := ResolveKey(agentID, "")

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.rules.Config(agentID)
	if err != nil {
		return nil, err
	}
	idx, err := e.readIndex(agentID)
	if err != nil {
		return nil, err
	}
	meta, ok := idx.Sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	entries, err := e.readTranscript(agentID, key)
	if err != nil {
		return nil, err
	}

	forced := cfg.Session.Compaction
	forced.TriggerMessageCount = 0
	forced.TriggerChars = 0
	compaction := compact(entries, forced, e.clock.Now())
	if !compaction.Applied {
		return &CompactionResult{}, nil
	}
	meta.CompactionCount++
	meta.MessageCount = len(compaction.entries)
	if err := e.writeTranscript(agentID, key, compaction.entries); err != nil {
		return nil, err
	}
	if err := e.writeIndex(agentID, idx); err != nil {
		return nil, err
	}
	return &CompactionResult{
		Applied:           true,
		CompactedMessages: compaction.CompactedMessages,
		Summary:           compaction.Summary,
	}, nil
}

// RemoveSession deletes the transcript and the index entry.
func (e *Engine) RemoveSession(agentID, sessionRef string) error {
	key := ResolveKey(agentID, sessionRef)

	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.readIndex(agentID)
	if err != nil {
		return err
	}
	if _, ok := idx.Sessions[key]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	delete(idx.Sessions, key)
	if err := e.fs.RemoveAll(filepath.Dir(e.layout.TranscriptFile(agentID, key))); err != nil {
		return fmt.Errorf("failed to remove transcript: %w", err)
	}
	return e.writeIndex(agentID, idx)
}

// RenameSession sets the title on the agent's main session.
func (e *Engine) RenameSession(agentID, title string) error {
	key := ResolveKey(agentID, "")

	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.readIndex(agentID)
	if err != nil {
		return err
	}
	meta, ok := idx.Sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	meta.Title = title
	return e.writeIndex(agentID, idx)
}

// resetDue reports whether the reset policy has fired since lastActivityAt.
func (e *Engine) resetDue(meta *Meta, policy agent.ResetPolicy, now time.Time) bool {
	if meta.LastActivityAt.IsZero() {
		return false
	}
	switch policy.Mode {
	case agent.ResetModeDaily:
		boundary := time.Date(now.Year(), now.Month(), now.Day(), policy.AtHour, 0, 0, 0, now.Location())
		if boundary.After(now) {
			boundary = boundary.AddDate(0, 0, -1)
		}
		return meta.LastActivityAt.Before(boundary)
	case agent.ResetModeIdle:
		idle := time.Duration(policy.IdleMinutes) * time.Minute
		return idle > 0 && now.Sub(meta.LastActivityAt) > idle
	default:
		return false
	}
}

// rotate mints a fresh sessionId and truncates the transcript, keeping the
// sessionKey.
func (e *Engine) rotate(agentID, key string, meta *Meta, now time.Time) {
	meta.SessionID = uuid.New().String()
	meta.Rotations++
	meta.CompactionCount = 0
	meta.ProviderSessionID = ""
	meta.CreatedAt = now
	_ = e.fs.WriteFileAtomic(e.layout.TranscriptFile(agentID, key), nil, 0o644)
	e.logger.Debug("Rotated session",
		zap.String("session_key", key),
		zap.String("session_id", meta.SessionID),
		zap.Int("rotations", meta.Rotations))
}

func (e *Engine) readIndex(agentID string) (*index, error) {
	var idx index
	if err := fsutil.ReadJSON(e.fs, e.layout.SessionsIndexFile(agentID), &idx); err != nil {
		if os.IsNotExist(err) {
			return &index{SchemaVersion: 1, Sessions: make(map[string]*Meta)}, nil
		}
		return nil, fmt.Errorf("failed to read sessions index: %w", err)
	}
	if idx.Sessions == nil {
		idx.Sessions = make(map[string]*Meta)
	}
	return &idx, nil
}

func (e *Engine) writeIndex(agentID string, idx *index) error {
	if idx.SchemaVersion == 0 {
		idx.SchemaVersion = 1
	}
	if err := fsutil.WriteJSON(e.fs, e.layout.SessionsIndexFile(agentID), idx); err != nil {
		return fmt.Errorf("failed to write sessions index: %w", err)
	}
	return nil
}

func (e *Engine) readTranscript(agentID, key string) ([]v1.TranscriptEntry, error) {
	data, err := e.fs.ReadFile(e.layout.TranscriptFile(agentID, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	var entries []v1.TranscriptEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry v1.TranscriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			e.logger.Warn("Skipping malformed transcript line", zap.String("session_key", key), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// writeTranscript rewrites the whole transcript atomically. Pruning and
// compaction change history, so append-only is not enough here.
func (e *Engine) writeTranscript(agentID, key string, entries []v1.TranscriptEntry) error {
	var b strings.Builder
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal transcript entry: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	if err := e.fs.WriteFileAtomic(e.layout.TranscriptFile(agentID, key), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

func (e *Engine) agentIDs() ([]string, error) {
	entries, err := e.fs.ReadDir(e.layout.AgentsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// prune drops the oldest non-compaction entries until both limits hold,
// always keeping the most recent keepRecentMessages.
func prune(entries []v1.TranscriptEntry, policy agent.PruningPolicy) []v1.TranscriptEntry {
	if policy.MaxMessages <= 0 && policy.MaxChars <= 0 {
		return entries
	}
	for {
		over := false
		if policy.MaxMessages > 0 && len(entries) > policy.MaxMessages {
			over = true
		}
		if policy.MaxChars > 0 && totalChars(entries) > policy.MaxChars {
			over = true
		}
		if !over {
			return entries
		}
		cut := len(entries) - policy.KeepRecentMessages
		if cut <= 0 {
			return entries
		}
		dropped := false
		for i := 0; i < cut; i++ {
			if entries[i].Kind != v1.TranscriptKindCompactionSummary {
				entries = append(entries[:i], entries[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			return entries
		}
	}
}

type compactOutcome struct {
	entries           []v1.TranscriptEntry
	Applied           bool
	CompactedMessages int
	Summary           string
}

// compact replaces the old prefix with one bounded summary entry when a
// trigger fires, keeping the recent tail untouched.
func compact(entries []v1.TranscriptEntry, policy agent.CompactionPolicy, now time.Time) compactOutcome {
	out := compactOutcome{entries: entries}
	if policy.KeepRecentMessages <= 0 || policy.SummaryMaxChars <= 0 {
		return out
	}
	triggered := false
	if policy.TriggerMessageCount >= 0 && len(entries) > policy.TriggerMessageCount {
		triggered = true
	}
	if policy.TriggerChars > 0 && totalChars(entries) > policy.TriggerChars {
		triggered = true
	}
	if !triggered {
		return out
	}
	if len(entries) <= policy.KeepRecentMessages {
		return out
	}
	split := len(entries) - policy.KeepRecentMessages
	prefix, tail := entries[:split], entries[split:]

	summary := summarize(prefix, policy.SummaryMaxChars)
	compacted := make([]v1.TranscriptEntry, 0, len(tail)+1)
	compacted = append(compacted, v1.TranscriptEntry{
		Ts:      now,
		Kind:    v1.TranscriptKindCompactionSummary,
		Content: summary,
	})
	compacted = append(compacted, tail...)

	out.entries = compacted
	out.Applied = true
	out.CompactedMessages = len(prefix)
	out.Summary = summary
	return out
}

// summarize produces a deterministic bounded digest of the prefix. Prior
// compaction summaries in the prefix fold into the new one.
func summarize(prefix []v1.TranscriptEntry, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d earlier messages:\n", len(prefix))
	for _, entry := range prefix {
		role := "user"
		switch entry.Kind {
		case v1.TranscriptKindAssistantMessage:
			role = "assistant"
		case v1.TranscriptKindCompactionSummary:
			role = "summary"
		}
		line := strings.SplitN(strings.TrimSpace(entry.Content), "\n", 2)[0]
		fmt.Fprintf(&b, "- %s: %s\n", role, stringutil.TruncateStringWithEllipsis(line, 120))
		if b.Len() > maxChars {
			break
		}
	}
	return stringutil.TruncateStringWithEllipsis(b.String(), maxChars)
}

func buildContextPrompt(entries []v1.TranscriptEntry) string {
	if len(entries) == 0 {
		return ""
	}
	recent := entries
	if len(recent) > contextPromptEntries {
		recent = recent[len(recent)-contextPromptEntries:]
	}
	var b strings.Builder
	b.WriteString("Recent conversation history:\n")
	for _, entry := range recent {
		role := "user"
		switch entry.Kind {
		case v1.TranscriptKindAssistantMessage:
			role = "assistant"
		case v1.TranscriptKindCompactionSummary:
			role = "summary"
		}
		fmt.Fprintf(&b, "[%s] %s\n", role, entry.Content)
	}
	return b.String()
}

func totalChars(entries []v1.TranscriptEntry) int {
	total := 0
	for _, entry := range entries {
		total += len(entry.Content)
	}
	return total
}
