// Package provider defines the uniform surface over external model
// backends. Two kinds exist: CLI providers that spawn a local tool and
// stream its stdio, and HTTP providers that POST to a chat or messages
// endpoint. A registry maps provider ids to compiled-in instances.
package provider

import (
	"context"
	"os"
	"time"

	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// Sink receives progressive output from a provider invocation.
type Sink func(chunk string)

// InvokeOptions is the full set of knobs for one provider invocation.
type InvokeOptions struct {
	// Message is the prompt text. Required.
	Message string
	// SystemPrompt is prepended or merged per protocol.
	SystemPrompt string
	// Model overrides the provider's default model.
	Model string
	// ProviderSessionID continues a prior provider-side conversation where
	// the backend supports it.
	ProviderSessionID string
	// Cwd is the working directory for CLI providers.
	Cwd string
	// Env overrides merged on top of the process environment.
	Env map[string]string
	// PassthroughArgs are raw extra arguments for CLI providers.
	PassthroughArgs []string
	// IdempotencyKey is the run id, echoed as metadata.
	IdempotencyKey string
	// Timeout is a wall-clock deadline; zero means no deadline.
	Timeout time.Duration

	OnStdout Sink
	OnStderr Sink
}

// AuthOptions configures an interactive or env-driven authentication flow.
type AuthOptions struct {
	Env      map[string]string
	OnStdout Sink
	OnStderr Sink
}

// ExternalAgentOptions names an agent on the provider's side.
type ExternalAgentOptions struct {
	Name string
	Env  map[string]string
}

// Execution is the outcome of any provider operation. Code 0 means
// success; everything the backend reported lives in Stdout/Stderr.
type Execution struct {
	Code              int
	Stdout            string
	Stderr            string
	ProviderSessionID string
}

// OK reports whether the execution succeeded.
func (e *Execution) OK() bool { return e != nil && e.Code == 0 }

// Provider is implemented by every backend adapter.
type Provider interface {
	// Metadata describes the provider and its capabilities.
	Metadata() v1.ProviderInfo
	// Invoke sends one prompt and returns the backend's reply.
	Invoke(ctx context.Context, opts InvokeOptions) (*Execution, error)
	// Authenticate runs the provider's auth flow.
	Authenticate(ctx context.Context, opts AuthOptions) (*Execution, error)
	// CreateExternalAgent registers an agent on the provider side, for
	// backends that model agents remotely.
	CreateExternalAgent(ctx context.Context, opts ExternalAgentOptions) (*Execution, error)
	// DeleteExternalAgent removes a provider-side agent.
	DeleteExternalAgent(ctx context.Context, opts ExternalAgentOptions) (*Execution, error)
}

// lookupEnv resolves a variable from the override map first, then the
// process environment.
func lookupEnv(overrides map[string]string, name string) string {
	if v, ok := overrides[name]; ok && v != "" {
		return v
	}
	return os.Getenv(name)
}

// firstEnv returns the first non-empty value among names, and the name it
// came from.
func firstEnv(overrides map[string]string, names []string) (string, string) {
	for _, name := range names {
		if v := lookupEnv(overrides, name); v != "" {
			return v, name
		}
	}
	return "", ""
}
