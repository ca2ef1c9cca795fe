package v1

// ProviderKind distinguishes CLI tools from HTTP model endpoints
type ProviderKind string

const (
	ProviderKindCLI  ProviderKind = "cli"
	ProviderKindHTTP ProviderKind = "http"
)

// ProviderCapabilities advertises what a provider can do
type ProviderCapabilities struct {
	Agent       bool `json:"agent"`
	Model       bool `json:"model"`
	Auth        bool `json:"auth"`
	Passthrough bool `json:"passthrough"`
	AgentCreate bool `json:"agent_create"`
	AgentDelete bool `json:"agent_delete"`
}

// ProviderEnvVar describes one environment variable a provider reads
type ProviderEnvVar struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Secret   bool   `json:"secret"`
}

// ProviderInfo is the public description of a registered provider
type ProviderInfo struct {
	ID           string               `json:"id"`
	DisplayName  string               `json:"display_name"`
	Kind         ProviderKind         `json:"kind"`
	Capabilities ProviderCapabilities `json:"capabilities"`
	EnvVars      []ProviderEnvVar     `json:"env_vars,omitempty"`
}

// ProviderConfig is the persisted per-provider environment. Values of
// secret env vars are redacted when returned to clients.
type ProviderConfig struct {
	ProviderID string            `json:"provider_id"`
	Env        map[string]string `json:"env"`
}

// SetProviderConfigRequest replaces the stored provider env
type SetProviderConfigRequest struct {
	Env map[string]string `json:"env" binding:"required"`
}
