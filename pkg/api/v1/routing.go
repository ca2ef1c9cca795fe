package v1

// RouteCandidate is one scored agent considered during routing
type RouteCandidate struct {
	AgentID   string  `json:"agent_id"`
	Score     float64 `json:"score"`
	NameMatch bool    `json:"name_match"`
	Priority  int     `json:"priority"`
}

// RoutingDecision is the outcome of routeMessage
type RoutingDecision struct {
	EntryAgentID     string           `json:"entry_agent_id"`
	TargetAgentID    string           `json:"target_agent_id"`
	Confidence       float64          `json:"confidence"`
	Reason           string           `json:"reason"`
	RewrittenMessage string           `json:"rewritten_message"`
	Candidates       []RouteCandidate `json:"candidates,omitempty"`
}

// RouteRequest for the routing endpoint
type RouteRequest struct {
	Message string `json:"message" binding:"required"`
}
