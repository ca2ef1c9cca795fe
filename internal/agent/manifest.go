package agent

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

const frontMatterDelim = "---"

// Delegation mirrors the manifest front-matter delegation block.
type Delegation struct {
	CanReceive  bool `yaml:"can_receive" json:"can_receive"`
	CanDelegate bool `yaml:"can_delegate" json:"can_delegate"`
}

// Manifest is the per-agent record persisted as YAML front matter in the
// workspace AGENTS.md file. The markdown body below the front matter holds
// the agent's free-form role description and feeds routing.
type Manifest struct {
	ID           string     `yaml:"id"`
	DisplayName  string     `yaml:"display_name"`
	Description  string     `yaml:"description,omitempty"`
	Type         string     `yaml:"type"`
	ReportsTo    *string    `yaml:"reports_to"`
	Provider     string     `yaml:"provider"`
	Discoverable bool       `yaml:"discoverable"`
	Delegation   Delegation `yaml:"delegation"`
	Tags         []string   `yaml:"tags,omitempty"`
	Skills       []string   `yaml:"skills,omitempty"`
	Priority     int        `yaml:"priority"`
	CreatedAt    time.Time  `yaml:"created_at"`
	UpdatedAt    time.Time  `yaml:"updated_at"`

	// Body is the markdown below the front matter. Not serialized as YAML.
	Body string `yaml:"-"`
}

// IsHead reports whether the manifest is the organization head.
func (m *Manifest) IsHead() bool { return m.ReportsTo == nil }

// IsManager reports whether the agent can own boards and delegate work.
func (m *Manifest) IsManager() bool { return m.Type == string(v1.AgentTypeManager) }

// ToAPI converts the manifest to its API representation.
func (m *Manifest) ToAPI() *v1.Agent {
	return &v1.Agent{
		ID:           m.ID,
		DisplayName:  m.DisplayName,
		Description:  m.Description,
		Type:         v1.AgentType(m.Type),
		ReportsTo:    m.ReportsTo,
		Provider:     m.Provider,
		Discoverable: m.Discoverable,
		Delegation: v1.Delegation{
			CanReceive:  m.Delegation.CanReceive,
			CanDelegate: m.Delegation.CanDelegate,
		},
		Tags:      m.Tags,
		Skills:    m.Skills,
		Priority:  m.Priority,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// EncodeManifest renders the manifest as front matter plus body.
func EncodeManifest(m *Manifest) ([]byte, error) {
	meta, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest front matter: %w", err)
	}
	var b strings.Builder
	b.WriteString(frontMatterDelim)
	b.WriteByte('\n')
	b.Write(meta)
	b.WriteString(frontMatterDelim)
	b.WriteByte('\n')
	body := strings.TrimLeft(m.Body, "\n")
	if body != "" {
		b.WriteByte('\n')
		b.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			b.WriteByte('\n')
		}
	}
	return []byte(b.String()), nil
}

// DecodeManifest parses an AGENTS.md document into a manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, frontMatterDelim+"\n") {
		return nil, fmt.Errorf("manifest is missing front matter")
	}
	rest := text[len(frontMatterDelim)+1:]
	idx := strings.Index(rest, "\n"+frontMatterDelim)
	if idx < 0 {
		return nil, fmt.Errorf("manifest front matter is not terminated")
	}
	meta := rest[:idx+1]
	body := rest[idx+1+len(frontMatterDelim):]
	body = strings.TrimPrefix(body, "\n")

	var m Manifest
	if err := yaml.Unmarshal([]byte(meta), &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest front matter: %w", err)
	}
	m.Body = strings.TrimLeft(body, "\n")
	return &m, nil
}
