// Package orchestrator drives a single agent run end to end: route the
// message, prepare the session, invoke the provider, record the reply,
// and persist the run trace.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/fsutil"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/events/bus"
	"github.com/opengoat/opengoat/internal/paths"
	"github.com/opengoat/opengoat/internal/provider"
	"github.com/opengoat/opengoat/internal/routing"
	"github.com/opengoat/opengoat/internal/session"
	"github.com/opengoat/opengoat/internal/telemetry"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

const traceSchemaVersion = 1

// Orchestration stages recorded in the trace and emitted to hooks.
const (
	StageRunStarted          = "run_started"
	StageInvocationStarted   = "invocation_started"
	StageInvocationCompleted = "invocation_completed"
	StageRunCompleted        = "run_completed"
)

// Directory is the slice of the agent registry the orchestrator needs.
type Directory interface {
	Get(id string) (*agent.Manifest, error)
	List() ([]*agent.Manifest, error)
	Head() (*agent.Manifest, error)
	Config(agentID string) (*agent.Config, error)
}

// Sessions is the slice of the session engine the orchestrator needs.
type Sessions interface {
	PrepareRunSession(agentID string, opts session.PrepareOptions) (*session.PrepareResult, error)
	RecordAssistantReply(info *session.Info, content, providerSessionID string) (*session.CompactionResult, error)
	Release(sessionKey string)
	Cancelled(sessionKey string) bool
}

// Providers resolves provider implementations by id.
type Providers interface {
	Get(id string) (provider.Provider, error)
}

// Hooks receive orchestration events and live provider output for one run.
type Hooks struct {
	OnEvent  func(v1.RunEvent)
	OnStdout provider.Sink
	OnStderr provider.Sink
}

// agentNotFoundDetector is implemented by providers that can recognize a
// missing provider-side agent in an execution's stdio.
type agentNotFoundDetector interface {
	AgentNotFound(exec *provider.Execution) bool
}

// Orchestrator owns run traces; no other component writes them.
type Orchestrator struct {
	directory Directory
	providers Providers
	sessions  Sessions
	fs        fsutil.FS
	layout    *paths.Layout
	envStore  *provider.Store
	bus       bus.EventBus
	clock     clock.Clock
	logger    *logger.Logger
	sem       *semaphore.Weighted
}

// New builds an orchestrator. maxParallelFlows bounds concurrent provider
// invocations across all runs; values below 1 default to 4.
func New(directory Directory, providers Providers, sessions Sessions, fs fsutil.FS, layout *paths.Layout, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger, maxParallelFlows int) *Orchestrator {
	if maxParallelFlows < 1 {
		maxParallelFlows = 4
	}
	return &Orchestrator{
		directory: directory,
		providers: providers,
		sessions:  sessions,
		fs:        fs,
		layout:    layout,
		envStore:  provider.NewStore(fs, layout),
		bus:       eventBus,
		clock:     clk,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		sem:       semaphore.NewWeighted(int64(maxParallelFlows)),
	}
}

// RunAgent executes one orchestrated run without streaming hooks.
func (o *Orchestrator) RunAgent(ctx context.Context, entryAgentID string, req v1.RunRequest) (*v1.RunResult, error) {
	return o.RunAgentWithHooks(ctx, entryAgentID, req, nil)
}

// RunAgentWithHooks executes one orchestrated run, delivering lifecycle
// events and live output to the hooks as they happen.
func (o *Orchestrator) RunAgentWithHooks(ctx context.Context, entryAgentID string, req v1.RunRequest, hooks *Hooks) (*v1.RunResult, error) {
	ctx, span := telemetry.Tracer("orchestrator").Start(ctx, "orchestrator.run")
	defer span.End()

	runID := uuid.NewString()
	startedAt := o.clock.Now().UTC()
	log := o.logger.WithRunID(runID)

	entry, err := o.resolveEntry(entryAgentID)
	if err != nil {
		return nil, err
	}
	manifests, err := o.directory.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	head, err := o.directory.Head()
	if err != nil {
		return nil, err
	}

	trace := &v1.RunTrace{
		SchemaVersion: traceSchemaVersion,
		RunID:         runID,
		StartedAt:     startedAt,
		EntryAgentID:  entry.ID,
		UserMessage:   req.Message,
	}
	emit := func(stage, agentID, providerID string, code *int) {
		event := v1.RunEvent{
			Stage:      stage,
			RunID:      runID,
			Timestamp:  o.clock.Now().UTC(),
			AgentID:    agentID,
			ProviderID: providerID,
			Code:       code,
		}
		trace.Orchestration = append(trace.Orchestration, event)
		if hooks != nil && hooks.OnEvent != nil {
			hooks.OnEvent(event)
		}
		o.publish(ctx, event)
	}
	emit(StageRunStarted, entry.ID, "", nil)

	decision := routing.Route(entry.ID, req.Message, manifests, head.ID)
	trace.Routing = decision
	target, err := o.directory.Get(decision.TargetAgentID)
	if err != nil {
		return nil, err
	}
	cfg, err := o.directory.Config(target.ID)
	if err != nil {
		return nil, err
	}
	providerID := cfg.Provider
	if providerID == "" {
		providerID = target.Provider
	}
	prov, err := o.providers.Get(providerID)
	if err != nil {
		return nil, err
	}

	prep, err := o.sessions.PrepareRunSession(target.ID, session.PrepareOptions{
		SessionRef:  req.SessionRef,
		ForceNew:    req.ForceNewSession,
		Disable:     req.DisableSession,
		UserMessage: decision.RewrittenMessage,
		ProjectPath: req.Cwd,
		RunID:       runID,
	})
	if err != nil {
		return nil, err
	}
	if prep.Cancelled {
		return o.finishCancelled(trace, decision, entry.ID, providerID, nil, emit)
	}

	var sessionKey string
	var runSession *v1.RunSessionInfo
	if prep.Enabled {
		sessionKey = prep.Info.SessionKey
		runSession = &v1.RunSessionInfo{
			SessionKey:        prep.Info.SessionKey,
			SessionID:         prep.Info.SessionID,
			IsNewSession:      prep.Info.IsNewSession,
			CompactionApplied: prep.CompactionApplied,
		}
	}
	releaseOnError := func() {
		if sessionKey != "" {
			o.sessions.Release(sessionKey)
		}
	}

	opts := o.buildInvocation(req, decision.RewrittenMessage, cfg, prep, runID, providerID, hooks)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		releaseOnError()
		return nil, fmt.Errorf("failed to acquire run slot: %w", err)
	}

	// Checkpoint: a cancel may have landed while waiting for a slot.
	if sessionKey != "" && o.sessions.Cancelled(sessionKey) {
		o.sem.Release(1)
		releaseOnError()
		return o.finishCancelled(trace, decision, entry.ID, providerID, runSession, emit)
	}

	emit(StageInvocationStarted, target.ID, providerID, nil)
	exec, err := prov.Invoke(ctx, opts)
	o.sem.Release(1)
	if err != nil {
		releaseOnError()
		return nil, fmt.Errorf("provider %s invocation failed: %w", providerID, err)
	}

	exec, err = o.retryMissingAgent(ctx, prov, target, exec, opts)
	if err != nil {
		releaseOnError()
		return nil, err
	}
	emit(StageInvocationCompleted, target.ID, providerID, &exec.Code)

	completedAt := o.clock.Now().UTC()
	trace.Execution = v1.TraceExecution{
		ProviderID: providerID,
		Code:       exec.Code,
		Stdout:     exec.Stdout,
		Stderr:     exec.Stderr,
		DurationMs: completedAt.Sub(startedAt).Milliseconds(),
	}

	reply := strings.TrimSpace(exec.Stdout)
	if reply == "" {
		reply = fmt.Sprintf("[Runtime error code %d] %s", exec.Code, strings.TrimSpace(exec.Stderr))
	}

	stopReason := v1.StopReasonEndTurn
	if exec.Code != 0 {
		stopReason = v1.StopReasonRefusal
	}
	if prep.Enabled {
		if _, err := o.sessions.RecordAssistantReply(prep.Info, reply, exec.ProviderSessionID); err != nil {
			if errors.Is(err, session.ErrRunCancelled) {
				stopReason = v1.StopReasonCancelled
			} else {
				return nil, fmt.Errorf("failed to record assistant reply: %w", err)
			}
		}
	}

	trace.CompletedAt = o.clock.Now().UTC()
	trace.Session = runSession
	emit(StageRunCompleted, target.ID, providerID, &exec.Code)

	tracePath, err := o.writeTrace(trace)
	if err != nil {
		log.Error("failed to write run trace", zap.Error(err))
	}

	result := &v1.RunResult{
		RunID:        runID,
		EntryAgentID: entry.ID,
		ProviderID:   providerID,
		Code:         exec.Code,
		Stdout:       exec.Stdout,
		Stderr:       exec.Stderr,
		StopReason:   stopReason,
		TracePath:    tracePath,
		Routing:      decision,
		Session:      runSession,
		DurationMs:   trace.CompletedAt.Sub(startedAt).Milliseconds(),
	}
	log.Info("run completed",
		zap.String("agent_id", decision.TargetAgentID),
		zap.String("provider_id", providerID),
		zap.Int("code", exec.Code),
		zap.String("stop_reason", string(stopReason)))
	return result, nil
}

// resolveEntry picks the run's entry agent: the requested id if it
// exists, else the head, else the first manifest.
func (o *Orchestrator) resolveEntry(entryAgentID string) (*agent.Manifest, error) {
	if entryAgentID != "" {
		if m, err := o.directory.Get(entryAgentID); err == nil {
			return m, nil
		} else if !errors.Is(err, agent.ErrAgentNotFound) {
			return nil, err
		}
	}
	if m, err := o.directory.Head(); err == nil {
		return m, nil
	}
	manifests, err := o.directory.List()
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, agent.ErrAgentNotFound
	}
	return manifests[0], nil
}

func (o *Orchestrator) buildInvocation(req v1.RunRequest, message string, cfg *agent.Config, prep *session.PrepareResult, runID, providerID string, hooks *Hooks) provider.InvokeOptions {
	opts := provider.InvokeOptions{
		Message:        message,
		Model:          req.Model,
		Env:            o.invocationEnv(providerID, req.Env),
		IdempotencyKey: runID,
	}
	if opts.Model == "" {
		opts.Model = cfg.Runtime.Model
	}
	if hooks != nil {
		opts.OnStdout = hooks.OnStdout
		opts.OnStderr = hooks.OnStderr
	}

	switch cfg.Runtime.WorkspaceAccess {
	case agent.WorkspaceAccessAgentWorkspace:
		if prep.Enabled {
			opts.Cwd = prep.Info.WorkspacePath
		}
	case agent.WorkspaceAccessExternal:
		opts.Cwd = req.Cwd
	}

	if !prep.Enabled {
		return opts
	}
	if prep.Info.ProviderSessionID != "" {
		opts.ProviderSessionID = prep.Info.ProviderSessionID
	} else {
		opts.ProviderSessionID = prep.Info.SessionID
	}
	opts.SystemPrompt = o.systemPrompt(prep)
	return opts
}

// invocationEnv layers the provider's stored credentials under the
// request env; request values win on conflict.
func (o *Orchestrator) invocationEnv(providerID string, reqEnv map[string]string) map[string]string {
	stored, err := o.envStore.Get(providerID)
	if err != nil {
		o.logger.Warn("failed to read provider config", zap.String("provider_id", providerID), zap.Error(err))
		return reqEnv
	}
	if len(stored.Env) == 0 {
		return reqEnv
	}
	env := make(map[string]string, len(stored.Env)+len(reqEnv))
	for k, v := range stored.Env {
		env[k] = v
	}
	for k, v := range reqEnv {
		env[k] = v
	}
	return env
}

// systemPrompt layers the cold-start context replay and, when the run's
// project path differs from the agent workspace, path guidance.
func (o *Orchestrator) systemPrompt(prep *session.PrepareResult) string {
	var parts []string
	if prep.Info.IsNewSession && prep.ContextPrompt != "" {
		parts = append(parts, prep.ContextPrompt)
	}
	if prep.Info.ProjectPath != "" && prep.Info.ProjectPath != prep.Info.WorkspacePath {
		parts = append(parts, fmt.Sprintf(
			"Session project path: %s\nAgent workspace path: %s\nPrefer absolute paths. Do not pollute the agent workspace with project files.",
			prep.Info.ProjectPath, prep.Info.WorkspacePath))
	}
	return strings.Join(parts, "\n\n")
}

// retryMissingAgent handles providers that model agents remotely: when
// the execution failed because the provider-side agent does not exist,
// create it and retry the invocation once.
func (o *Orchestrator) retryMissingAgent(ctx context.Context, prov provider.Provider, target *agent.Manifest, exec *provider.Execution, opts provider.InvokeOptions) (*provider.Execution, error) {
	if exec.OK() {
		return exec, nil
	}
	detector, ok := prov.(agentNotFoundDetector)
	if !ok || !detector.AgentNotFound(exec) {
		return exec, nil
	}
	if !prov.Metadata().Capabilities.AgentCreate {
		return exec, nil
	}

	name := target.DisplayName
	if name == "" {
		name = target.ID
	}
	o.logger.Info("creating missing provider-side agent", zap.String("agent_id", target.ID))
	if _, err := prov.CreateExternalAgent(ctx, provider.ExternalAgentOptions{Name: name, Env: opts.Env}); err != nil {
		return exec, nil
	}
	retried, err := prov.Invoke(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("retry after agent create failed: %w", err)
	}
	return retried, nil
}

func (o *Orchestrator) finishCancelled(trace *v1.RunTrace, decision *v1.RoutingDecision, entryAgentID, providerID string, runSession *v1.RunSessionInfo, emit func(string, string, string, *int)) (*v1.RunResult, error) {
	trace.CompletedAt = o.clock.Now().UTC()
	trace.Routing = decision
	trace.Session = runSession
	code := 0
	emit(StageRunCompleted, entryAgentID, providerID, &code)
	tracePath, err := o.writeTrace(trace)
	if err != nil {
		o.logger.Error("failed to write run trace", zap.Error(err))
	}
	return &v1.RunResult{
		RunID:        trace.RunID,
		EntryAgentID: entryAgentID,
		ProviderID:   providerID,
		StopReason:   v1.StopReasonCancelled,
		TracePath:    tracePath,
		Routing:      decision,
		Session:      runSession,
		DurationMs:   trace.CompletedAt.Sub(trace.StartedAt).Milliseconds(),
	}, nil
}

func (o *Orchestrator) writeTrace(trace *v1.RunTrace) (string, error) {
	if err := o.fs.MkdirAll(o.layout.RunsDir(), 0o755); err != nil {
		return "", fmt.Errorf("failed to create runs directory: %w", err)
	}
	path := o.layout.RunTraceFile(trace.RunID)
	if err := fsutil.WriteJSON(o.fs, path, trace); err != nil {
		return "", fmt.Errorf("failed to write run trace: %w", err)
	}
	return path, nil
}

func (o *Orchestrator) publish(ctx context.Context, event v1.RunEvent) {
	if o.bus == nil {
		return
	}
	var busSubject string
	switch event.Stage {
	case StageRunStarted:
		busSubject = bus.SubjectRunStarted
	case StageRunCompleted:
		busSubject = bus.SubjectRunCompleted
	default:
		busSubject = bus.SubjectRunOutput
	}
	data := map[string]any{
		"stage":       event.Stage,
		"run_id":      event.RunID,
		"agent_id":    event.AgentID,
		"provider_id": event.ProviderID,
	}
	if event.Code != nil {
		data["code"] = *event.Code
	}
	if err := o.bus.Publish(ctx, busSubject, bus.NewEvent(busSubject, "orchestrator", data)); err != nil {
		o.logger.Warn("failed to publish run event", zap.Error(err))
	}
}
