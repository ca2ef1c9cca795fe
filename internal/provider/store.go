package provider

import (
	"fmt"
	"os"
	"sync"

	"github.com/opengoat/opengoat/internal/common/fsutil"
	"github.com/opengoat/opengoat/internal/paths"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

const redactedValue = "********"

// Store persists per-provider env under providers/<id>/config.json.
type Store struct {
	fs     fsutil.FS
	layout *paths.Layout
	mu     sync.Mutex
}

// NewStore creates a Store rooted at layout.
func NewStore(fs fsutil.FS, layout *paths.Layout) *Store {
	return &Store{fs: fs, layout: layout}
}

// Get returns the stored config for a provider. A missing file yields an
// empty config, not an error.
func (s *Store) Get(providerID string) (*v1.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfg v1.ProviderConfig
	if err := fsutil.ReadJSON(s.fs, s.layout.ProviderConfigFile(providerID), &cfg); err != nil {
		if os.IsNotExist(err) {
			return &v1.ProviderConfig{ProviderID: providerID, Env: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("failed to read provider config: %w", err)
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	return &cfg, nil
}

// Set replaces the stored env for a provider.
func (s *Store) Set(providerID string, env map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := v1.ProviderConfig{ProviderID: providerID, Env: env}
	if err := fsutil.WriteJSON(s.fs, s.layout.ProviderConfigFile(providerID), &cfg); err != nil {
		return fmt.Errorf("failed to write provider config: %w", err)
	}
	return nil
}

// Redact masks env values flagged secret in the provider's catalog entry.
// Secrets never echo back to clients.
func Redact(cfg *v1.ProviderConfig, info v1.ProviderInfo) *v1.ProviderConfig {
	secret := make(map[string]bool, len(info.EnvVars))
	for _, ev := range info.EnvVars {
		if ev.Secret {
			secret[ev.Name] = true
		}
	}
	out := &v1.ProviderConfig{ProviderID: cfg.ProviderID, Env: make(map[string]string, len(cfg.Env))}
	for k, v := range cfg.Env {
		if secret[k] && v != "" {
			out.Env[k] = redactedValue
		} else {
			out.Env[k] = v
		}
	}
	return out
}
