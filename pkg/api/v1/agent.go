package v1

import "time"

// AgentType represents the role kind of an agent
type AgentType string

const (
	AgentTypeManager    AgentType = "manager"
	AgentTypeIndividual AgentType = "individual"
)

// Delegation describes whether an agent can receive or hand off work
type Delegation struct {
	CanReceive  bool `json:"can_receive"`
	CanDelegate bool `json:"can_delegate"`
}

// Agent represents a registered agent manifest
type Agent struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"display_name"`
	Description  string     `json:"description,omitempty"`
	Type         AgentType  `json:"type"`
	ReportsTo    *string    `json:"reports_to"` // nil marks the organization head
	Provider     string     `json:"provider"`
	Discoverable bool       `json:"discoverable"`
	Delegation   Delegation `json:"delegation"`
	Tags         []string   `json:"tags,omitempty"`
	Skills       []string   `json:"skills,omitempty"`
	Priority     int        `json:"priority"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsHead reports whether the agent is the organization head.
func (a *Agent) IsHead() bool { return a.ReportsTo == nil }

// CreateAgentRequest for registering a new agent
type CreateAgentRequest struct {
	Name      string    `json:"name" binding:"required,max=255"`
	Type      AgentType `json:"type,omitempty"`
	ReportsTo *string   `json:"reports_to,omitempty"`
	Skills    []string  `json:"skills,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Provider  *string   `json:"provider,omitempty"`
}

// SetAgentManagerRequest for rewiring the reports-to edge
type SetAgentManagerRequest struct {
	ReportsTo string `json:"reports_to" binding:"required"`
}

// SetAgentProviderRequest for rebinding the agent's provider
type SetAgentProviderRequest struct {
	Provider string `json:"provider" binding:"required"`
}
