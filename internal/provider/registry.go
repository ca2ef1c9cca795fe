package provider

import (
	"sort"
	"sync"

	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// Registry maps provider ids to compiled-in instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its metadata id. Later registrations
// replace earlier ones, so callers can override catalog defaults.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Metadata().ID] = p
}

// Get returns the provider for id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// List returns provider metadata sorted by id.
func (r *Registry) List() []v1.ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]v1.ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, p.Metadata())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
