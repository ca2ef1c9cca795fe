package provider

import (
	"github.com/opengoat/opengoat/internal/common/logger"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// NewCatalog builds the registry of built-in providers.
func NewCatalog(log *logger.Logger) *Registry {
	r := NewRegistry()

	r.Register(NewHTTPProvider(HTTPSpec{
		ID:                "openai",
		DisplayName:       "OpenAI",
		Protocol:          ProtocolChat,
		BaseURL:           "https://api.openai.com/v1",
		EndpointPath:      "/chat/completions",
		EndpointEnv:       "OPENAI_ENDPOINT",
		BaseURLEnv:        "OPENAI_BASE_URL",
		AuthHeader:        "Authorization",
		AuthScheme:        "Bearer",
		CredentialEnvVars: []string{"OPENAI_API_KEY"},
		ModelEnv:          "OPENAI_MODEL",
		DefaultModel:      "gpt-4o-mini",
		EnvVars: []v1.ProviderEnvVar{
			{Name: "OPENAI_API_KEY", Required: true, Secret: true},
			{Name: "OPENAI_MODEL"},
			{Name: "OPENAI_BASE_URL"},
		},
		Capabilities: v1.ProviderCapabilities{Model: true, Auth: true},
	}, log))

	r.Register(NewHTTPProvider(HTTPSpec{
		ID:                "anthropic",
		DisplayName:       "Anthropic",
		Protocol:          ProtocolMessages,
		BaseURL:           "https://api.anthropic.com",
		EndpointPath:      "/v1/messages",
		EndpointEnv:       "ANTHROPIC_ENDPOINT",
		BaseURLEnv:        "ANTHROPIC_BASE_URL",
		AuthHeader:        "x-api-key",
		CredentialEnvVars: []string{"ANTHROPIC_API_KEY", "ANTHROPIC_OAUTH_TOKEN"},
		VersionHeader:     "anthropic-version",
		Version:           "2023-06-01",
		ModelEnv:          "ANTHROPIC_MODEL",
		DefaultModel:      "claude-sonnet-4-20250514",
		EnvVars: []v1.ProviderEnvVar{
			{Name: "ANTHROPIC_API_KEY", Required: true, Secret: true},
			{Name: "ANTHROPIC_OAUTH_TOKEN", Secret: true},
			{Name: "ANTHROPIC_MODEL"},
		},
		Capabilities: v1.ProviderCapabilities{Model: true, Auth: true},
	}, log))

	r.Register(NewCLIProvider(CLISpec{
		ID:            "claude",
		DisplayName:   "Claude Code",
		Command:       "claude",
		CommandEnvVar: "CLAUDE_COMMAND",
		RunArgs: func(opts InvokeOptions) []string {
			args := []string{"-p", "--output-format", "json"}
			if opts.ProviderSessionID != "" {
				args = append(args, "--resume", opts.ProviderSessionID)
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			if opts.SystemPrompt != "" {
				args = append(args, "--append-system-prompt", opts.SystemPrompt)
			}
			return append(args, opts.Message)
		},
		SessionIDJSONField: "session_id",
		EnvVars: []v1.ProviderEnvVar{
			{Name: "CLAUDE_COMMAND"},
		},
		Capabilities: v1.ProviderCapabilities{Agent: true, Model: true, Passthrough: true},
	}, log))

	r.Register(NewCLIProvider(CLISpec{
		ID:            "codex",
		DisplayName:   "Codex CLI",
		Command:       "codex",
		CommandEnvVar: "CODEX_COMMAND",
		RunArgs: func(opts InvokeOptions) []string {
			args := []string{"exec", "--json"}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return append(args, opts.Message)
		},
		SessionIDJSONField: "session_id",
		EnvVars: []v1.ProviderEnvVar{
			{Name: "CODEX_COMMAND"},
		},
		Capabilities: v1.ProviderCapabilities{Agent: true, Model: true, Passthrough: true},
	}, log))

	r.Register(NewCLIProvider(CLISpec{
		ID:            "opencode",
		DisplayName:   "OpenCode",
		Command:       "opencode",
		CommandEnvVar: "OPENCODE_COMMAND",
		RunArgs: func(opts InvokeOptions) []string {
			args := []string{"run"}
			if opts.ProviderSessionID != "" {
				args = append(args, "--session", opts.ProviderSessionID)
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return append(args, opts.Message)
		},
		AuthArgs: func() []string { return []string{"auth", "login"} },
		CreateAgentArgs: func(name string) []string {
			return []string{"agent", "create", name}
		},
		DeleteAgentArgs: func(name string) []string {
			return []string{"agent", "delete", name}
		},
		SessionIDJSONField:  "sessionID",
		AgentNotFoundMarker: "agent not found",
		EnvVars: []v1.ProviderEnvVar{
			{Name: "OPENCODE_COMMAND"},
		},
		Capabilities: v1.ProviderCapabilities{
			Agent:       true,
			Model:       true,
			Auth:        true,
			Passthrough: true,
			AgentCreate: true,
			AgentDelete: true,
		},
	}, log))

	return r
}
