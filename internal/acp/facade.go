// Package acp exposes the runtime over the Agent-Client-Protocol. Each
// ACP session maps to an internal session keyed acp:<sessionId>:main, so
// transcripts and the active-run claim behave exactly like agent runs.
package acp

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/provider"
	"github.com/opengoat/opengoat/internal/session"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// Service is the slice of the runtime facade the ACP agent consumes.
type Service interface {
	RunAgent(ctx context.Context, entryAgentID string, req v1.RunRequest) (*v1.RunResult, error)
	GetAgent(id string) (*v1.Agent, error)
	HeadAgent() (*v1.Agent, error)
	ListSessions(agentID string) ([]v1.SessionSummary, error)
	GetSessionHistory(agentID string, opts session.HistoryOptions) (*v1.SessionHistory, error)
	CancelSessionKey(sessionKey string)
	AuthenticateProvider(ctx context.Context, id string, opts provider.AuthOptions) (*provider.Execution, error)
}

// sessionState tracks one ACP session's target agent.
type sessionState struct {
	agentID string
}

// Facade implements the ACP agent side over the runtime.
type Facade struct {
	svc    Service
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	conn     *acp.AgentSideConnection
}

// The connection constructor requires the full agent surface.
var _ acp.Agent = (*Facade)(nil)

func NewFacade(svc Service, log *logger.Logger) *Facade {
	return &Facade{
		svc:      svc,
		logger:   log.WithFields(zap.String("component", "acp")),
		sessions: make(map[string]*sessionState),
	}
}

// Serve speaks ACP over the given transport until ctx ends. Typically
// wired to stdin/stdout.
func (f *Facade) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	conn := acp.NewAgentSideConnection(f, out, in)
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.logger.Info("acp facade listening")
	<-ctx.Done()
	return ctx.Err()
}

func (f *Facade) Initialize(_ context.Context, params acp.InitializeRequest) (acp.InitializeResponse, error) {
	return acp.InitializeResponse{
		ProtocolVersion: params.ProtocolVersion,
		AgentInfo: &acp.Implementation{
			Name:    "opengoat",
			Version: "1.0.0",
		},
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
		},
	}, nil
}

func (f *Facade) NewSession(_ context.Context, _ acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	head, err := f.svc.HeadAgent()
	if err != nil {
		return acp.NewSessionResponse{}, err
	}
	id := uuid.NewString()
	f.mu.Lock()
	f.sessions[id] = &sessionState{agentID: head.ID}
	f.mu.Unlock()
	f.logger.Info("acp session created", zap.String("session_id", id), zap.String("agent_id", head.ID))
	return acp.NewSessionResponse{SessionId: acp.SessionId(id)}, nil
}

// LoadSession re-registers a prior ACP session and replays its
// transcript back to the client as message chunks.
func (f *Facade) LoadSession(ctx context.Context, params acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	id := string(params.SessionId)
	agentID, err := f.resolveAgent(id)
	if err != nil {
		return acp.LoadSessionResponse{}, err
	}

	f.mu.Lock()
	f.sessions[id] = &sessionState{agentID: agentID}
	conn := f.conn
	f.mu.Unlock()

	history, err := f.svc.GetSessionHistory(agentID, session.HistoryOptions{
		SessionRef: sessionKey(id),
	})
	if err != nil {
		return acp.LoadSessionResponse{}, err
	}
	if conn != nil {
		for _, entry := range history.Messages {
			if err := conn.SessionUpdate(ctx, chunkNotification(params.SessionId, entry)); err != nil {
				return acp.LoadSessionResponse{}, fmt.Errorf("failed to replay transcript: %w", err)
			}
		}
	}
	return acp.LoadSessionResponse{}, nil
}

// SetSessionMode retargets the session at another agent; the mode id is
// the agent id.
func (f *Facade) SetSessionMode(_ context.Context, params acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	agentID := string(params.ModeId)
	if _, err := f.svc.GetAgent(agentID); err != nil {
		return acp.SetSessionModeResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.sessions[string(params.SessionId)]
	if !ok {
		return acp.SetSessionModeResponse{}, fmt.Errorf("unknown acp session: %s", params.SessionId)
	}
	state.agentID = agentID
	return acp.SetSessionModeResponse{}, nil
}

// SetSessionConfigOption rejects config writes; the facade publishes
// no session config options.
func (f *Facade) SetSessionConfigOption(_ context.Context, _ acp.SetSessionConfigOptionRequest) (acp.SetSessionConfigOptionResponse, error) {
	return acp.SetSessionConfigOptionResponse{}, fmt.Errorf("session config options are not supported")
}

// Prompt runs one orchestrated turn and streams the reply back as a
// single agent_message_chunk. The session engine's active-run claim
// enforces at most one in-flight prompt per session.
func (f *Facade) Prompt(ctx context.Context, params acp.PromptRequest) (acp.PromptResponse, error) {
	id := string(params.SessionId)
	f.mu.Lock()
	state, ok := f.sessions[id]
	conn := f.conn
	f.mu.Unlock()
	if !ok {
		return acp.PromptResponse{}, fmt.Errorf("unknown acp session: %s", params.SessionId)
	}

	message := promptText(params.Prompt)
	result, err := f.svc.RunAgent(ctx, state.agentID, v1.RunRequest{
		Message:    message,
		SessionRef: sessionKey(id),
	})
	if err != nil {
		return acp.PromptResponse{}, err
	}

	if result.StopReason != v1.StopReasonCancelled && conn != nil {
		reply := strings.TrimSpace(result.Stdout)
		if reply == "" {
			reply = fmt.Sprintf("[Runtime error code %d] %s", result.Code, strings.TrimSpace(result.Stderr))
		}
		notification := acp.SessionNotification{
			SessionId: params.SessionId,
			Update: acp.SessionUpdate{
				AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{
					Content: acp.TextBlock(reply),
				},
			},
		}
		if err := conn.SessionUpdate(ctx, notification); err != nil {
			f.logger.Warn("failed to stream reply chunk", zap.Error(err))
		}
	}

	return acp.PromptResponse{StopReason: stopReason(result.StopReason)}, nil
}

// Cancel marks the session's active run cancelled, or buffers the
// cancel for the next prompt when idle.
func (f *Facade) Cancel(_ context.Context, params acp.CancelNotification) error {
	f.svc.CancelSessionKey(sessionKey(string(params.SessionId)))
	return nil
}

// Authenticate maps the ACP auth method id to a provider id.
func (f *Facade) Authenticate(ctx context.Context, params acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	exec, err := f.svc.AuthenticateProvider(ctx, string(params.MethodId), provider.AuthOptions{})
	if err != nil {
		return acp.AuthenticateResponse{}, err
	}
	if !exec.OK() {
		return acp.AuthenticateResponse{}, fmt.Errorf("authentication failed: %s", strings.TrimSpace(exec.Stderr))
	}
	return acp.AuthenticateResponse{}, nil
}

// resolveAgent finds which agent owns an ACP session key by scanning the
// session index.
func (f *Facade) resolveAgent(acpSessionID string) (string, error) {
	key := sessionKey(acpSessionID)
	summaries, err := f.svc.ListSessions("")
	if err != nil {
		return "", err
	}
	for _, s := range summaries {
		if s.SessionKey == key {
			return s.AgentID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", session.ErrSessionNotFound, key)
}

func sessionKey(acpSessionID string) string {
	return "acp:" + acpSessionID + ":main"
}

func promptText(blocks []acp.ContentBlock) string {
	var parts []string
	for _, block := range blocks {
		if block.Text != nil && block.Text.Text != "" {
			parts = append(parts, block.Text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func chunkNotification(sessionID acp.SessionId, entry v1.TranscriptEntry) acp.SessionNotification {
	update := acp.SessionUpdate{}
	if entry.Kind == v1.TranscriptKindUserMessage {
		update.UserMessageChunk = &acp.SessionUpdateUserMessageChunk{
			Content: acp.TextBlock(entry.Content),
		}
	} else {
		update.AgentMessageChunk = &acp.SessionUpdateAgentMessageChunk{
			Content: acp.TextBlock(entry.Content),
		}
	}
	return acp.SessionNotification{SessionId: sessionID, Update: update}
}

func stopReason(reason v1.StopReason) acp.StopReason {
	switch reason {
	case v1.StopReasonCancelled:
		return acp.StopReasonCancelled
	case v1.StopReasonRefusal:
		return acp.StopReasonRefusal
	default:
		return acp.StopReasonEndTurn
	}
}
