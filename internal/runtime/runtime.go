// Package runtime assembles the OpenGoat subsystems behind one facade.
// The HTTP server, MCP server, ACP facade, and CLI all consume this
// surface instead of wiring components themselves.
package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/board"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/config"
	"github.com/opengoat/opengoat/internal/common/fsutil"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/events/bus"
	"github.com/opengoat/opengoat/internal/orchestrator"
	"github.com/opengoat/opengoat/internal/paths"
	"github.com/opengoat/opengoat/internal/provider"
	"github.com/opengoat/opengoat/internal/routing"
	"github.com/opengoat/opengoat/internal/scanner"
	"github.com/opengoat/opengoat/internal/session"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

const defaultProviderID = "openai"

// Runtime is the public service surface of OpenGoat.
type Runtime struct {
	cfg       *config.Config
	fs        fsutil.FS
	layout    *paths.Layout
	clock     clock.Clock
	logger    *logger.Logger
	bus       bus.EventBus
	registry  *agent.Registry
	providers *provider.Registry
	provStore *provider.Store
	sessions  *session.Engine
	orch      *orchestrator.Orchestrator
	boards    *board.Service
	scanner   *scanner.Scanner
}

// New wires the runtime. The board repository and event bus are injected
// so cmd wiring can pick sqlite, postgres, or in-memory backends.
func New(cfg *config.Config, fs fsutil.FS, clk clock.Clock, repo board.Repository, eventBus bus.EventBus, log *logger.Logger) *Runtime {
	layout := paths.New(cfg.Home)
	registry := agent.NewRegistry(fs, layout, clk, log, cfg.Orchestrator.DefaultAgent, defaultProviderID)
	providers := provider.NewCatalog(log)
	sessions := session.NewEngine(fs, layout, clk, log, registry)
	orch := orchestrator.New(registry, providers, sessions, fs, layout, eventBus, clk, log, cfg.Orchestrator.MaxParallelFlows)
	boards := board.NewService(repo, registry, clk, log)
	scan := scanner.New(orch, registry, sessions, boards, eventBus, clk, log)

	return &Runtime{
		cfg:       cfg,
		fs:        fs,
		layout:    layout,
		clock:     clk,
		logger:    log.WithFields(zap.String("component", "runtime")),
		bus:       eventBus,
		registry:  registry,
		providers: providers,
		provStore: provider.NewStore(fs, layout),
		sessions:  sessions,
		orch:      orch,
		boards:    boards,
		scanner:   scan,
	}
}

// Initialize creates the home layout and the head agent if missing.
// Idempotent.
func (r *Runtime) Initialize() error {
	if err := r.registry.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize agent registry: %w", err)
	}
	r.logger.Info("runtime initialized", zap.String("home", r.layout.Home()))
	return nil
}

// Close releases the board store and drains the event bus.
func (r *Runtime) Close() error {
	err := r.boards.Close()
	if r.bus != nil {
		r.bus.Close()
	}
	return err
}

// Sessions exposes the session engine to the ACP facade.
func (r *Runtime) Sessions() *session.Engine { return r.sessions }

// Bus exposes the event bus for streaming subscribers.
func (r *Runtime) Bus() bus.EventBus { return r.bus }

// Agents

func (r *Runtime) ListAgents() ([]*v1.Agent, error) {
	manifests, err := r.registry.List()
	if err != nil {
		return nil, err
	}
	agents := make([]*v1.Agent, 0, len(manifests))
	for _, m := range manifests {
		agents = append(agents, m.ToAPI())
	}
	return agents, nil
}

func (r *Runtime) GetAgent(id string) (*v1.Agent, error) {
	m, err := r.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return m.ToAPI(), nil
}

func (r *Runtime) CreateAgent(name string, opts agent.EnsureOptions) (*v1.Agent, error) {
	m, err := r.registry.EnsureAgent(name, opts)
	if err != nil {
		return nil, err
	}
	return m.ToAPI(), nil
}

func (r *Runtime) DeleteAgent(id string) error { return r.registry.Delete(id) }

func (r *Runtime) SetAgentProvider(id, providerID string) error {
	if _, err := r.providers.Get(providerID); err != nil {
		return err
	}
	return r.registry.SetAgentProvider(id, providerID)
}

func (r *Runtime) SetAgentManager(id, reportsTo string) error {
	return r.registry.SetAgentManager(id, reportsTo)
}

// Runs

func (r *Runtime) RunAgent(ctx context.Context, entryAgentID string, req v1.RunRequest) (*v1.RunResult, error) {
	ctx, cancel := r.invokeContext(ctx)
	defer cancel()
	return r.orch.RunAgent(ctx, entryAgentID, req)
}

func (r *Runtime) RunAgentWithHooks(ctx context.Context, entryAgentID string, req v1.RunRequest, hooks *orchestrator.Hooks) (*v1.RunResult, error) {
	ctx, cancel := r.invokeContext(ctx)
	defer cancel()
	return r.orch.RunAgentWithHooks(ctx, entryAgentID, req, hooks)
}

func (r *Runtime) invokeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := r.cfg.Orchestrator.InvokeTimeoutDuration(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// RouteMessage runs the routing decision without invoking anything.
func (r *Runtime) RouteMessage(entryAgentID, message string) (*v1.RoutingDecision, error) {
	manifests, err := r.registry.List()
	if err != nil {
		return nil, err
	}
	head, err := r.registry.Head()
	if err != nil {
		return nil, err
	}
	if entryAgentID == "" {
		entryAgentID = head.ID
	}
	return routing.Route(entryAgentID, message, manifests, head.ID), nil
}

// Providers

func (r *Runtime) ListProviders() []v1.ProviderInfo { return r.providers.List() }

// GetProviderConfig returns the stored provider env with secret values
// masked.
func (r *Runtime) GetProviderConfig(id string) (*v1.ProviderConfig, error) {
	p, err := r.providers.Get(id)
	if err != nil {
		return nil, err
	}
	cfg, err := r.provStore.Get(id)
	if err != nil {
		return nil, err
	}
	return provider.Redact(cfg, p.Metadata()), nil
}

func (r *Runtime) SetProviderConfig(id string, env map[string]string) error {
	if _, err := r.providers.Get(id); err != nil {
		return err
	}
	return r.provStore.Set(id, env)
}

func (r *Runtime) AuthenticateProvider(ctx context.Context, id string, opts provider.AuthOptions) (*provider.Execution, error) {
	p, err := r.providers.Get(id)
	if err != nil {
		return nil, err
	}
	if opts.Env == nil {
		if stored, err := r.provStore.Get(id); err == nil {
			opts.Env = stored.Env
		}
	}
	return p.Authenticate(ctx, opts)
}

// Sessions

func (r *Runtime) GetSessionHistory(agentID string, opts session.HistoryOptions) (*v1.SessionHistory, error) {
	return r.sessions.GetSessionHistory(agentID, opts)
}

func (r *Runtime) ListSessions(agentID string) ([]v1.SessionSummary, error) {
	return r.sessions.ListSessions(agentID)
}

func (r *Runtime) ResetSession(agentID, sessionRef string) error {
	return r.sessions.ResetSession(agentID, sessionRef)
}

func (r *Runtime) CompactSession(agentID string) (*session.CompactionResult, error) {
	return r.sessions.CompactSession(agentID)
}

func (r *Runtime) RemoveSession(agentID, sessionRef string) error {
	return r.sessions.RemoveSession(agentID, sessionRef)
}

func (r *Runtime) RenameSession(agentID, title string) error {
	return r.sessions.RenameSession(agentID, title)
}

// CancelSession cancels the session's active run, or buffers the cancel
// for the next run when the session is idle.
func (r *Runtime) CancelSession(agentID, sessionRef string) {
	r.sessions.Cancel(agentID, sessionRef)
}

// CancelSessionKey cancels by full sessionKey; used by callers that hold
// a namespaced key (acp:…) rather than an agent id.
func (r *Runtime) CancelSessionKey(sessionKey string) {
	r.sessions.CancelKey(sessionKey)
}

// HeadAgent returns the organization head.
func (r *Runtime) HeadAgent() (*v1.Agent, error) {
	m, err := r.registry.Head()
	if err != nil {
		return nil, err
	}
	return m.ToAPI(), nil
}

// Boards

func (r *Runtime) CreateBoard(ctx context.Context, actor, title string) (*v1.Board, error) {
	return r.boards.CreateBoard(ctx, actor, title)
}

func (r *Runtime) UpdateBoard(ctx context.Context, actor, boardID, title string) (*v1.Board, error) {
	return r.boards.UpdateBoard(ctx, actor, boardID, title)
}

func (r *Runtime) GetBoard(ctx context.Context, boardID string) (*v1.Board, error) {
	return r.boards.GetBoard(ctx, boardID)
}

func (r *Runtime) ListBoards(ctx context.Context, ownerFilter string) ([]*v1.Board, error) {
	return r.boards.ListBoards(ctx, ownerFilter)
}

func (r *Runtime) CreateTask(ctx context.Context, actor string, req v1.CreateTaskRequest) (*v1.Task, error) {
	return r.boards.CreateTask(ctx, actor, req)
}

func (r *Runtime) UpdateTaskStatus(ctx context.Context, actor, taskID string, req v1.UpdateTaskStatusRequest) (*v1.Task, error) {
	return r.boards.UpdateTaskStatus(ctx, actor, taskID, req)
}

func (r *Runtime) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	return r.boards.GetTask(ctx, taskID)
}

func (r *Runtime) ListTasks(ctx context.Context, filter board.TaskFilter) ([]*v1.Task, error) {
	return r.boards.ListTasks(ctx, filter)
}

func (r *Runtime) AddTaskBlocker(ctx context.Context, actor, taskID, content string) error {
	return r.boards.AddBlocker(ctx, actor, taskID, content)
}

func (r *Runtime) AddTaskArtifact(ctx context.Context, actor, taskID, content string) error {
	return r.boards.AddArtifact(ctx, actor, taskID, content)
}

func (r *Runtime) AddTaskWorklog(ctx context.Context, actor, taskID, content string) error {
	return r.boards.AddWorklog(ctx, actor, taskID, content)
}

// Scanner

// RunTaskCronCycle executes one scanner cycle with the configured
// defaults; opts fields override when non-zero.
func (r *Runtime) RunTaskCronCycle(ctx context.Context, opts scanner.Options) (*v1.CycleReport, error) {
	if opts.InactiveMinutes == 0 {
		opts.InactiveMinutes = r.cfg.Scanner.InactiveMinutes
	}
	if opts.Policy == "" {
		opts.Policy = scanner.Policy(r.cfg.Scanner.Policy)
	}
	return r.scanner.RunCycle(ctx, opts)
}

// RunScannerLoop runs the scanner on its configured cadence until ctx
// ends.
func (r *Runtime) RunScannerLoop(ctx context.Context) error {
	return r.scanner.Run(ctx, r.cfg.Scanner.Interval(), scanner.Options{
		InactiveMinutes: r.cfg.Scanner.InactiveMinutes,
		Policy:          scanner.Policy(r.cfg.Scanner.Policy),
	})
}
