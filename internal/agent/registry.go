// Package agent owns agent manifests and workspaces. All reads and writes
// of AGENTS.md, agents.json, and the per-agent config go through the
// Registry; the orchestrator and router only ever see read-only manifests.
package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/fsutil"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/common/stringutil"
	"github.com/opengoat/opengoat/internal/paths"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// HomeConfig is persisted at <home>/config.json.
type HomeConfig struct {
	SchemaVersion int       `json:"schema_version"`
	DefaultAgent  string    `json:"default_agent"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// agentsIndex is persisted at <home>/agents.json.
type agentsIndex struct {
	SchemaVersion int       `json:"schema_version"`
	Agents        []string  `json:"agents"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// workspaceMeta is persisted at <home>/workspaces/<id>/workspace.json.
type workspaceMeta struct {
	SchemaVersion int    `json:"schema_version"`
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Kind          string `json:"kind"`
}

// EnsureOptions controls agent creation.
type EnsureOptions struct {
	Type         v1.AgentType
	ReportsTo    *string // nil means "reports to the default head"
	Provider     string
	Skills       []string
	Tags         []string
	Description  string
	Priority     int
	Discoverable *bool
	Body         string
}

// Registry creates, lists, and mutates agent manifests.
type Registry struct {
	fs              fsutil.FS
	layout          *paths.Layout
	clock           clock.Clock
	logger          *logger.Logger
	defaultAgent    string
	defaultProvider string

	mu sync.Mutex // serializes index and manifest writes
}

// NewRegistry creates a Registry rooted at layout.
func NewRegistry(fs fsutil.FS, layout *paths.Layout, clk clock.Clock, log *logger.Logger, defaultAgent, defaultProvider string) *Registry {
	return &Registry{
		fs:              fs,
		layout:          layout,
		clock:           clk,
		logger:          log.WithFields(zap.String("component", "agent-registry")),
		defaultAgent:    defaultAgent,
		defaultProvider: defaultProvider,
	}
}

// Initialize creates the home layout and the organization head if they do
// not exist yet. Safe to call repeatedly.
func (r *Registry) Initialize() error {
	if err := r.fs.MkdirAll(r.layout.Home(), 0o755); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}

	var cfg HomeConfig
	if err := fsutil.ReadJSON(r.fs, r.layout.ConfigFile(), &cfg); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read home config: %w", err)
		}
		now := r.clock.Now()
		cfg = HomeConfig{SchemaVersion: 1, DefaultAgent: r.defaultAgent, CreatedAt: now, UpdatedAt: now}
		if err := fsutil.WriteJSON(r.fs, r.layout.ConfigFile(), &cfg); err != nil {
			return fmt.Errorf("failed to write home config: %w", err)
		}
	}

	// The head is a manager with no reports-to edge.
	if _, err := r.Get(cfg.DefaultAgent); err != nil {
		if err != ErrAgentNotFound {
			return err
		}
		_, err = r.ensure(cfg.DefaultAgent, EnsureOptions{
			Type:        v1.AgentTypeManager,
			Description: "Head of the organization. Receives all incoming prompts and delegates to specialists.",
		}, true)
		if err != nil {
			return err
		}
	}
	return nil
}

// DefaultAgentID returns the configured head agent id.
func (r *Registry) DefaultAgentID() string {
	var cfg HomeConfig
	if err := fsutil.ReadJSON(r.fs, r.layout.ConfigFile(), &cfg); err == nil && cfg.DefaultAgent != "" {
		return cfg.DefaultAgent
	}
	return r.defaultAgent
}

// EnsureAgent creates an agent if it does not exist and returns its
// manifest. Existing agents are returned unchanged.
func (r *Registry) EnsureAgent(name string, opts EnsureOptions) (*Manifest, error) {
	return r.ensure(name, opts, false)
}

func (r *Registry) ensure(name string, opts EnsureOptions, head bool) (*Manifest, error) {
	id, err := stringutil.Slugify(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, err := r.readManifest(id); err == nil {
		return m, nil
	} else if err != ErrAgentNotFound {
		return nil, err
	}
	agentType := opts.Type
	if agentType == "" {
		agentType = v1.AgentTypeIndividual
	}
	var reportsTo *string
	if !head {
		target := r.DefaultAgentID()
		if opts.ReportsTo != nil {
			target = *opts.ReportsTo
		}
		if _, err := r.readManifest(target); err != nil {
			if err == ErrAgentNotFound {
				return nil, ErrManagerNotFound
			}
			return nil, err
		}
		reportsTo = &target
	}
	provider := opts.Provider
	if provider == "" {
		provider = r.defaultProvider
	}
	priority := opts.Priority
	if priority == 0 {
		priority = 50
	}
	discoverable := !head
	if opts.Discoverable != nil {
		discoverable = *opts.Discoverable
	}

	now := r.clock.Now()
	m := &Manifest{
		ID:           id,
		DisplayName:  strings.TrimSpace(name),
		Description:  opts.Description,
		Type:         string(agentType),
		ReportsTo:    reportsTo,
		Provider:     provider,
		Discoverable: discoverable,
		Delegation: Delegation{
			CanReceive:  true,
			CanDelegate: agentType == v1.AgentTypeManager,
		},
		Tags:      opts.Tags,
		Skills:    opts.Skills,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
		Body:      opts.Body,
	}
	if m.Body == "" {
		m.Body = defaultBody(m)
	}

	if err := r.writeManifest(m); err != nil {
		return nil, err
	}
	meta := workspaceMeta{SchemaVersion: 1, ID: id, DisplayName: m.DisplayName, Kind: "workspace"}
	if err := fsutil.WriteJSON(r.fs, r.layout.WorkspaceMetaFile(id), &meta); err != nil {
		return nil, fmt.Errorf("failed to write workspace metadata: %w", err)
	}
	cfg := DefaultConfig(id, provider, opts.Skills)
	if err := fsutil.WriteJSON(r.fs, r.layout.AgentConfigFile(id), cfg); err != nil {
		return nil, fmt.Errorf("failed to write agent config: %w", err)
	}
	if err := r.addToIndex(id); err != nil {
		return nil, err
	}

	r.logger.Info("Created agent",
		zap.String("agent_id", id),
		zap.String("type", string(agentType)),
		zap.String("provider", provider))
	return m, nil
}

// Get returns the manifest for id.
func (r *Registry) Get(id string) (*Manifest, error) {
	return r.readManifest(id)
}

// List returns all manifests sorted by id.
func (r *Registry) List() ([]*Manifest, error) {
	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	manifests := make([]*Manifest, 0, len(idx.Agents))
	for _, id := range idx.Agents {
		m, err := r.readManifest(id)
		if err != nil {
			if err == ErrAgentNotFound {
				r.logger.Warn("Agent in index has no manifest", zap.String("agent_id", id))
				continue
			}
			return nil, err
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, nil
}

// Head returns the organization head manifest.
func (r *Registry) Head() (*Manifest, error) {
	manifests, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if m.IsHead() {
			return m, nil
		}
	}
	return nil, ErrAgentNotFound
}

// Delete removes an agent, its workspace, and its internal state. Direct
// reports of the removed agent are rewired to the removed agent's own
// manager so the reporting graph stays whole.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.readManifest(id)
	if err != nil {
		return err
	}
	if m.IsHead() {
		return ErrHeadAgentProtected
	}

	manifests, err := r.listLocked()
	if err != nil {
		return err
	}
	for _, other := range manifests {
		if other.ReportsTo != nil && *other.ReportsTo == id {
			other.ReportsTo = m.ReportsTo
			other.UpdatedAt = r.clock.Now()
			if err := r.writeManifest(other); err != nil {
				return err
			}
		}
	}

	if err := r.fs.RemoveAll(r.layout.WorkspaceDir(id)); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	if err := r.fs.RemoveAll(r.layout.AgentDir(id)); err != nil {
		return fmt.Errorf("failed to remove agent state: %w", err)
	}
	if err := r.removeFromIndex(id); err != nil {
		return err
	}

	r.logger.Info("Deleted agent", zap.String("agent_id", id))
	return nil
}

// SetAgentManager rewires the reports-to edge, rejecting cycles. The graph
// is rebuilt from disk on every call; no mutable graph is kept in memory.
func (r *Registry) SetAgentManager(id, reportsTo string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.readManifest(id)
	if err != nil {
		return err
	}
	if m.IsHead() {
		return ErrHeadAgentProtected
	}
	if _, err := r.readManifest(reportsTo); err != nil {
		if err == ErrAgentNotFound {
			return ErrManagerNotFound
		}
		return err
	}

	manifests, err := r.listLocked()
	if err != nil {
		return err
	}
	edges := make(map[string]string, len(manifests))
	for _, other := range manifests {
		if other.ReportsTo != nil {
			edges[other.ID] = *other.ReportsTo
		}
	}
	edges[id] = reportsTo
	seen := map[string]bool{}
	for cur := id; cur != ""; cur = edges[cur] {
		if seen[cur] {
			return ErrCyclicReports
		}
		seen[cur] = true
	}

	m.ReportsTo = &reportsTo
	m.UpdatedAt = r.clock.Now()
	return r.writeManifest(m)
}

// SetAgentProvider rebinds the agent's provider in both the manifest and
// the internal config.
func (r *Registry) SetAgentProvider(id, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.readManifest(id)
	if err != nil {
		return err
	}
	m.Provider = providerID
	m.UpdatedAt = r.clock.Now()
	if err := r.writeManifest(m); err != nil {
		return err
	}

	cfg, err := r.configLocked(id)
	if err != nil {
		return err
	}
	cfg.Provider = providerID
	return fsutil.WriteJSON(r.fs, r.layout.AgentConfigFile(id), cfg)
}

// Config returns the internal per-agent configuration.
func (r *Registry) Config(id string) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configLocked(id)
}

func (r *Registry) configLocked(id string) (*Config, error) {
	var cfg Config
	if err := fsutil.ReadJSON(r.fs, r.layout.AgentConfigFile(id), &cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}
	return &cfg, nil
}

func (r *Registry) listLocked() ([]*Manifest, error) {
	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	manifests := make([]*Manifest, 0, len(idx.Agents))
	for _, id := range idx.Agents {
		m, err := r.readManifest(id)
		if err != nil {
			if err == ErrAgentNotFound {
				continue
			}
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func (r *Registry) readManifest(id string) (*Manifest, error) {
	data, err := r.fs.ReadFile(r.layout.WorkspaceManifestFile(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return DecodeManifest(data)
}

func (r *Registry) writeManifest(m *Manifest) error {
	data, err := EncodeManifest(m)
	if err != nil {
		return err
	}
	if err := r.fs.WriteFileAtomic(r.layout.WorkspaceManifestFile(m.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (r *Registry) readIndex() (*agentsIndex, error) {
	var idx agentsIndex
	if err := fsutil.ReadJSON(r.fs, r.layout.AgentsIndexFile(), &idx); err != nil {
		if os.IsNotExist(err) {
			return &agentsIndex{SchemaVersion: 1}, nil
		}
		return nil, fmt.Errorf("failed to read agents index: %w", err)
	}
	return &idx, nil
}

func (r *Registry) addToIndex(id string) error {
	idx, err := r.readIndex()
	if err != nil {
		return err
	}
	for _, existing := range idx.Agents {
		if existing == id {
			return nil
		}
	}
	idx.Agents = append(idx.Agents, id)
	idx.UpdatedAt = r.clock.Now()
	return fsutil.WriteJSON(r.fs, r.layout.AgentsIndexFile(), idx)
}

func (r *Registry) removeFromIndex(id string) error {
	idx, err := r.readIndex()
	if err != nil {
		return err
	}
	out := idx.Agents[:0]
	for _, existing := range idx.Agents {
		if existing != id {
			out = append(out, existing)
		}
	}
	idx.Agents = out
	idx.UpdatedAt = r.clock.Now()
	return fsutil.WriteJSON(r.fs, r.layout.AgentsIndexFile(), idx)
}

func defaultBody(m *Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", m.DisplayName)
	if m.Description != "" {
		b.WriteString(m.Description)
		b.WriteString("\n\n")
	}
	if len(m.Skills) > 0 {
		b.WriteString("## Skills\n\n")
		for _, s := range m.Skills {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	return b.String()
}
