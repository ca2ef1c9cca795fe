package acp

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/provider"
	"github.com/opengoat/opengoat/internal/session"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

type fakeService struct {
	runs      []v1.RunRequest
	runEntry  []string
	result    *v1.RunResult
	cancelled []string
	summaries []v1.SessionSummary
	history   *v1.SessionHistory
}

func (s *fakeService) RunAgent(_ context.Context, entryAgentID string, req v1.RunRequest) (*v1.RunResult, error) {
	s.runs = append(s.runs, req)
	s.runEntry = append(s.runEntry, entryAgentID)
	return s.result, nil
}

func (s *fakeService) GetAgent(id string) (*v1.Agent, error) {
	if id == "goat" || id == "writer" {
		return &v1.Agent{ID: id}, nil
	}
	return nil, session.ErrSessionNotFound
}

func (s *fakeService) HeadAgent() (*v1.Agent, error) {
	return &v1.Agent{ID: "goat", Type: v1.AgentTypeManager}, nil
}

func (s *fakeService) ListSessions(string) ([]v1.SessionSummary, error) {
	return s.summaries, nil
}

func (s *fakeService) GetSessionHistory(string, session.HistoryOptions) (*v1.SessionHistory, error) {
	return s.history, nil
}

func (s *fakeService) CancelSessionKey(key string) {
	s.cancelled = append(s.cancelled, key)
}

func (s *fakeService) AuthenticateProvider(context.Context, string, provider.AuthOptions) (*provider.Execution, error) {
	return &provider.Execution{Code: 0}, nil
}

func newFacade(t *testing.T) (*Facade, *fakeService) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	svc := &fakeService{
		result: &v1.RunResult{Stdout: "hello", StopReason: v1.StopReasonEndTurn},
	}
	return NewFacade(svc, log), svc
}

func TestNewSessionTargetsHead(t *testing.T) {
	f, _ := newFacade(t)
	resp, err := f.NewSession(context.Background(), acp.NewSessionRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionId)
	assert.Equal(t, "goat", f.sessions[string(resp.SessionId)].agentID)
}

func TestPromptRunsNamespacedSession(t *testing.T) {
	f, svc := newFacade(t)
	resp, err := f.NewSession(context.Background(), acp.NewSessionRequest{})
	require.NoError(t, err)

	out, err := f.Prompt(context.Background(), acp.PromptRequest{
		SessionId: resp.SessionId,
		Prompt:    []acp.ContentBlock{acp.TextBlock("do the thing")},
	})
	require.NoError(t, err)
	assert.Equal(t, acp.StopReasonEndTurn, out.StopReason)

	require.Len(t, svc.runs, 1)
	assert.Equal(t, "do the thing", svc.runs[0].Message)
	assert.Equal(t, "acp:"+string(resp.SessionId)+":main", svc.runs[0].SessionRef)
	assert.Equal(t, "goat", svc.runEntry[0])
}

func TestPromptUnknownSession(t *testing.T) {
	f, _ := newFacade(t)
	_, err := f.Prompt(context.Background(), acp.PromptRequest{
		SessionId: "missing",
		Prompt:    []acp.ContentBlock{acp.TextBlock("hi")},
	})
	assert.Error(t, err)
}

func TestPromptCancelledStopReason(t *testing.T) {
	f, svc := newFacade(t)
	svc.result = &v1.RunResult{StopReason: v1.StopReasonCancelled}
	resp, err := f.NewSession(context.Background(), acp.NewSessionRequest{})
	require.NoError(t, err)

	out, err := f.Prompt(context.Background(), acp.PromptRequest{
		SessionId: resp.SessionId,
		Prompt:    []acp.ContentBlock{acp.TextBlock("slow")},
	})
	require.NoError(t, err)
	assert.Equal(t, acp.StopReasonCancelled, out.StopReason)
}

func TestSetSessionModeRetargets(t *testing.T) {
	f, svc := newFacade(t)
	resp, err := f.NewSession(context.Background(), acp.NewSessionRequest{})
	require.NoError(t, err)

	_, err = f.SetSessionMode(context.Background(), acp.SetSessionModeRequest{
		SessionId: resp.SessionId,
		ModeId:    "writer",
	})
	require.NoError(t, err)

	_, err = f.Prompt(context.Background(), acp.PromptRequest{
		SessionId: resp.SessionId,
		Prompt:    []acp.ContentBlock{acp.TextBlock("write")},
	})
	require.NoError(t, err)
	assert.Equal(t, "writer", svc.runEntry[0])
}

func TestSetSessionConfigOptionUnsupported(t *testing.T) {
	f, _ := newFacade(t)
	_, err := f.SetSessionConfigOption(context.Background(), acp.SetSessionConfigOptionRequest{})
	assert.Error(t, err)
}

func TestServeWiresConnection(t *testing.T) {
	f, _ := newFacade(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.Serve(ctx, strings.NewReader(""), io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotNil(t, f.conn)
}

func TestCancelBuffersByKey(t *testing.T) {
	f, svc := newFacade(t)
	err := f.Cancel(context.Background(), acp.CancelNotification{SessionId: "abc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"acp:abc:main"}, svc.cancelled)
}
