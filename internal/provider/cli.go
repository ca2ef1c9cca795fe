package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/common/logger"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// killGracePeriod is how long a timed-out command gets between the
// interrupt and the hard kill.
const killGracePeriod = 5 * time.Second

// CLISpec describes a CLI-backed provider. Argument builders are plain
// functions so each tool's argv shape is compiled in, not templated.
type CLISpec struct {
	ID          string
	DisplayName string

	// Command is the default binary name; CommandEnvVar overrides it.
	Command       string
	CommandEnvVar string

	// RunArgs builds the argv (after the binary) for one invocation.
	RunArgs func(opts InvokeOptions) []string
	// AuthArgs builds the argv for the auth flow; nil means unsupported.
	AuthArgs func() []string
	// CreateAgentArgs / DeleteAgentArgs manage provider-side agents; nil
	// means unsupported.
	CreateAgentArgs func(name string) []string
	DeleteAgentArgs func(name string) []string

	// SessionIDJSONField, when set, is scanned for in JSON output lines to
	// capture the tool's own session id for the next turn.
	SessionIDJSONField string

	// AgentNotFoundMarker is the substring in stdio that signals the
	// provider-side agent is missing and should be created.
	AgentNotFoundMarker string

	EnvVars      []v1.ProviderEnvVar
	Capabilities v1.ProviderCapabilities
}

// CLIProvider spawns an external command and captures its stdio.
type CLIProvider struct {
	spec   CLISpec
	logger *logger.Logger
}

// NewCLIProvider creates a provider from a CLI spec.
func NewCLIProvider(spec CLISpec, log *logger.Logger) *CLIProvider {
	return &CLIProvider{
		spec:   spec,
		logger: log.WithFields(zap.String("component", "provider"), zap.String("provider_id", spec.ID)),
	}
}

func (p *CLIProvider) Metadata() v1.ProviderInfo {
	return v1.ProviderInfo{
		ID:           p.spec.ID,
		DisplayName:  p.spec.DisplayName,
		Kind:         v1.ProviderKindCLI,
		Capabilities: p.spec.Capabilities,
		EnvVars:      p.spec.EnvVars,
	}
}

// AgentNotFound reports whether the execution's stdio carries the
// provider's "agent missing" marker.
func (p *CLIProvider) AgentNotFound(exec *Execution) bool {
	if p.spec.AgentNotFoundMarker == "" || exec == nil {
		return false
	}
	marker := strings.ToLower(p.spec.AgentNotFoundMarker)
	return strings.Contains(strings.ToLower(exec.Stdout), marker) ||
		strings.Contains(strings.ToLower(exec.Stderr), marker)
}

func (p *CLIProvider) Invoke(ctx context.Context, opts InvokeOptions) (*Execution, error) {
	args := p.spec.RunArgs(opts)
	args = append(args, opts.PassthroughArgs...)
	execution, err := p.run(ctx, args, opts.Cwd, opts.Env, opts)
	if err != nil {
		return nil, err
	}
	if p.spec.SessionIDJSONField != "" {
		if sid := parseSessionID(execution.Stdout, p.spec.SessionIDJSONField); sid != "" {
			execution.ProviderSessionID = sid
		}
	}
	return execution, nil
}

func (p *CLIProvider) Authenticate(ctx context.Context, opts AuthOptions) (*Execution, error) {
	if p.spec.AuthArgs == nil {
		return nil, fmt.Errorf("%w: %s has no auth flow", ErrUnsupportedAction, p.spec.ID)
	}
	return p.run(ctx, p.spec.AuthArgs(), "", opts.Env, InvokeOptions{OnStdout: opts.OnStdout, OnStderr: opts.OnStderr})
}

func (p *CLIProvider) CreateExternalAgent(ctx context.Context, opts ExternalAgentOptions) (*Execution, error) {
	if p.spec.CreateAgentArgs == nil {
		return nil, fmt.Errorf("%w: %s cannot create agents", ErrUnsupportedAction, p.spec.ID)
	}
	return p.run(ctx, p.spec.CreateAgentArgs(opts.Name), "", opts.Env, InvokeOptions{})
}

func (p *CLIProvider) DeleteExternalAgent(ctx context.Context, opts ExternalAgentOptions) (*Execution, error) {
	if p.spec.DeleteAgentArgs == nil {
		return nil, fmt.Errorf("%w: %s cannot delete agents", ErrUnsupportedAction, p.spec.ID)
	}
	return p.run(ctx, p.spec.DeleteAgentArgs(opts.Name), "", opts.Env, InvokeOptions{})
}

func (p *CLIProvider) command(env map[string]string) string {
	if p.spec.CommandEnvVar != "" {
		if override := lookupEnv(env, p.spec.CommandEnvVar); override != "" {
			return override
		}
	}
	return p.spec.Command
}

func (p *CLIProvider) run(ctx context.Context, args []string, cwd string, env map[string]string, opts InvokeOptions) (*Execution, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	name := p.command(env)
	cmd := exec.CommandContext(ctx, name, args...)
	// Interrupt first so the tool can flush state; the kill comes after
	// the wait delay if it ignores the signal.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = killGracePeriod
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = mergeEnv(os.Environ(), env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = newTeeWriter(&stdout, opts.OnStdout)
	cmd.Stderr = newTeeWriter(&stderr, opts.OnStderr)

	p.logger.Debug("Spawning provider command",
		zap.String("command", name),
		zap.Strings("args", args),
		zap.String("cwd", cwd))

	err := cmd.Run()
	// A timed-out run is a timeout even when the tool caught the
	// interrupt and exited zero.
	if ctx.Err() == context.DeadlineExceeded {
		return &Execution{Code: 1, Stderr: "timeout"}, nil
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Execution{
				Code:   exitErr.ExitCode(),
				Stdout: stdout.String(),
				Stderr: stderr.String(),
			}, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return &Execution{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// parseSessionID scans JSON lines in output for the named string field.
// The last occurrence wins; CLI tools emit it on their result line.
func parseSessionID(output, field string) string {
	var sid string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err == nil && v != "" {
			sid = v
		}
	}
	return sid
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; !ok {
			out = append(out, kv)
		}
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// teeWriter copies writes into a buffer and forwards them to an optional
// streaming sink.
type teeWriter struct {
	mu   sync.Mutex
	buf  *bytes.Buffer
	sink Sink
}

func newTeeWriter(buf *bytes.Buffer, sink Sink) *teeWriter {
	return &teeWriter{buf: buf, sink: sink}
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	n, err := w.buf.Write(p)
	w.mu.Unlock()
	if err != nil {
		return n, err
	}
	if w.sink != nil {
		w.sink(string(p))
	}
	return n, nil
}
