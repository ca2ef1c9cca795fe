package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/fsutil"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/paths"
	"github.com/opengoat/opengoat/internal/provider"
	"github.com/opengoat/opengoat/internal/session"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

type fakeDirectory struct {
	agents map[string]*agent.Manifest
}

func (d *fakeDirectory) Get(id string) (*agent.Manifest, error) {
	m, ok := d.agents[id]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	return m, nil
}

func (d *fakeDirectory) List() ([]*agent.Manifest, error) {
	var out []*agent.Manifest
	for _, m := range d.agents {
		out = append(out, m)
	}
	return out, nil
}

func (d *fakeDirectory) Head() (*agent.Manifest, error) {
	for _, m := range d.agents {
		if m.IsHead() {
			return m, nil
		}
	}
	return nil, agent.ErrAgentNotFound
}

func (d *fakeDirectory) Config(agentID string) (*agent.Config, error) {
	if _, ok := d.agents[agentID]; !ok {
		return nil, agent.ErrAgentNotFound
	}
	return agent.DefaultConfig(agentID, "fake", nil), nil
}

type invokeCall struct {
	opts provider.InvokeOptions
}

// fakeProvider is a scriptable provider. Executions are popped in order;
// the last one repeats.
type fakeProvider struct {
	executions []*provider.Execution
	calls      []invokeCall
	created    []string
	notFound   string
	onInvoke   func()
}

func (p *fakeProvider) Metadata() v1.ProviderInfo {
	return v1.ProviderInfo{
		ID:   "fake",
		Kind: v1.ProviderKindCLI,
		Capabilities: v1.ProviderCapabilities{
			Agent:       true,
			AgentCreate: true,
		},
	}
}

func (p *fakeProvider) Invoke(_ context.Context, opts provider.InvokeOptions) (*provider.Execution, error) {
	p.calls = append(p.calls, invokeCall{opts: opts})
	if p.onInvoke != nil {
		p.onInvoke()
	}
	exec := p.executions[0]
	if len(p.executions) > 1 {
		p.executions = p.executions[1:]
	}
	return exec, nil
}

func (p *fakeProvider) Authenticate(context.Context, provider.AuthOptions) (*provider.Execution, error) {
	return &provider.Execution{}, nil
}

func (p *fakeProvider) CreateExternalAgent(_ context.Context, opts provider.ExternalAgentOptions) (*provider.Execution, error) {
	p.created = append(p.created, opts.Name)
	return &provider.Execution{}, nil
}

func (p *fakeProvider) DeleteExternalAgent(context.Context, provider.ExternalAgentOptions) (*provider.Execution, error) {
	return &provider.Execution{}, nil
}

func (p *fakeProvider) AgentNotFound(exec *provider.Execution) bool {
	if p.notFound == "" || exec == nil {
		return false
	}
	return exec.Stdout == p.notFound || exec.Stderr == p.notFound
}

type fakeProviders struct {
	p provider.Provider
}

func (f *fakeProviders) Get(string) (provider.Provider, error) { return f.p, nil }

type fixture struct {
	orch     *Orchestrator
	provider *fakeProvider
	engine   *session.Engine
	fs       *fsutil.MemFS
	clock    *clock.Fake
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	fs := fsutil.NewMemFS()
	layout := paths.New("/home/opengoat")
	clk := clock.NewFake(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))

	directory := &fakeDirectory{agents: map[string]*agent.Manifest{
		"goat": {ID: "goat", DisplayName: "Goat", Type: "manager"},
		"writer": {
			ID: "writer", DisplayName: "Writer", Type: "individual",
			ReportsTo: strPtr("goat"), Discoverable: true,
			Description: "Writes and edits documentation",
			Tags:        []string{"docs", "markdown"},
			Priority:    50,
		},
	}}
	engine := session.NewEngine(fs, layout, clk, log, directory)
	prov := &fakeProvider{executions: []*provider.Execution{{Code: 0, Stdout: "done"}}}

	orch := New(directory, &fakeProviders{p: prov}, engine, fs, layout, nil, clk, log, 2)
	return &fixture{orch: orch, provider: prov, engine: engine, fs: fs, clock: clk}
}

func TestRunRoutesAndRecords(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.RunAgent(context.Background(), "", v1.RunRequest{
		Message: "please write the markdown docs",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Code)
	assert.Equal(t, "done", result.Stdout)
	assert.Equal(t, v1.StopReasonEndTurn, result.StopReason)
	require.NotNil(t, result.Routing)
	assert.Equal(t, "writer", result.Routing.TargetAgentID)
	require.NotNil(t, result.Session)
	assert.Equal(t, "agent:writer:main", result.Session.SessionKey)
	assert.True(t, result.Session.IsNewSession)

	// The trace landed on disk.
	_, err = f.fs.ReadFile(result.TracePath)
	require.NoError(t, err)

	// Both sides of the turn are in the transcript.
	history, err := f.engine.GetSessionHistory("writer", session.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, v1.TranscriptKindUserMessage, history.Messages[0].Kind)
	assert.Contains(t, history.Messages[0].Content, "please write the markdown docs")
	assert.Equal(t, "done", history.Messages[1].Content)

	// The provider continues the engine-minted session.
	require.Len(t, f.provider.calls, 1)
	assert.Equal(t, result.Session.SessionID, f.provider.calls[0].opts.ProviderSessionID)
	assert.Equal(t, result.RunID, f.provider.calls[0].opts.IdempotencyKey)
}

func TestRunSessionBusy(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.PrepareRunSession("writer", session.PrepareOptions{
		UserMessage: "first", RunID: "run-1",
	})
	require.NoError(t, err)

	_, err = f.orch.RunAgent(context.Background(), "writer", v1.RunRequest{Message: "second"})
	assert.ErrorIs(t, err, session.ErrSessionBusy)
}

func TestRunCancelledMidFlight(t *testing.T) {
	f := newFixture(t)
	f.provider.onInvoke = func() {
		f.engine.CancelKey("agent:writer:main")
	}

	result, err := f.orch.RunAgent(context.Background(), "writer", v1.RunRequest{Message: "slow work"})
	require.NoError(t, err)
	assert.Equal(t, v1.StopReasonCancelled, result.StopReason)

	// The reply was not recorded.
	history, err := f.engine.GetSessionHistory("writer", session.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, v1.TranscriptKindUserMessage, history.Messages[0].Kind)
}

func TestRunBufferedCancelSkipsProvider(t *testing.T) {
	f := newFixture(t)
	f.engine.CancelKey("agent:writer:main")

	result, err := f.orch.RunAgent(context.Background(), "writer", v1.RunRequest{Message: "anything"})
	require.NoError(t, err)
	assert.Equal(t, v1.StopReasonCancelled, result.StopReason)
	assert.Empty(t, f.provider.calls, "cancelled runs never reach the provider")
}

func TestRunSynthesizesErrorReply(t *testing.T) {
	f := newFixture(t)
	f.provider.executions = []*provider.Execution{{Code: 2, Stderr: "boom"}}

	result, err := f.orch.RunAgent(context.Background(), "writer", v1.RunRequest{Message: "break"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Code)
	assert.Equal(t, v1.StopReasonRefusal, result.StopReason)

	history, err := f.engine.GetSessionHistory("writer", session.HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "[Runtime error code 2] boom", history.Messages[1].Content)
}

func TestRunCreatesMissingExternalAgent(t *testing.T) {
	f := newFixture(t)
	f.provider.notFound = "agent not found"
	f.provider.executions = []*provider.Execution{
		{Code: 1, Stderr: "agent not found"},
		{Code: 0, Stdout: "hello from writer"},
	}

	result, err := f.orch.RunAgent(context.Background(), "writer", v1.RunRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Code)
	assert.Equal(t, "hello from writer", result.Stdout)
	assert.Equal(t, []string{"Writer"}, f.provider.created)
	assert.Len(t, f.provider.calls, 2)
}

func TestRunStateless(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.RunAgent(context.Background(), "writer", v1.RunRequest{
		Message:        "one-off question",
		DisableSession: true,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Session)

	_, err = f.engine.GetSessionHistory("writer", session.HistoryOptions{})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRunMergesStoredProviderEnv(t *testing.T) {
	f := newFixture(t)
	store := provider.NewStore(f.fs, paths.New("/home/opengoat"))
	require.NoError(t, store.Set("fake", map[string]string{
		"FAKE_API_KEY": "sk-stored",
		"FAKE_REGION":  "eu",
	}))

	_, err := f.orch.RunAgent(context.Background(), "writer", v1.RunRequest{
		Message: "hi",
		Env:     map[string]string{"FAKE_REGION": "us"},
	})
	require.NoError(t, err)

	require.Len(t, f.provider.calls, 1)
	env := f.provider.calls[0].opts.Env
	assert.Equal(t, "sk-stored", env["FAKE_API_KEY"], "stored credentials reach the invocation")
	assert.Equal(t, "us", env["FAKE_REGION"], "request env wins on conflict")
}

func TestRunUnknownEntryFallsBackToHead(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.RunAgent(context.Background(), "nobody", v1.RunRequest{
		Message: "zzqy xkcd",
	})
	require.NoError(t, err)
	assert.Equal(t, "goat", result.EntryAgentID)
	assert.Equal(t, "goat", result.Routing.TargetAgentID, "no specialist matched")
}
