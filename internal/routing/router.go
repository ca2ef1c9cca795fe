// Package routing decides which agent should handle an incoming prompt.
// The decision is a pure function over the agent manifests: same
// manifests and message in, same target and candidate order out.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/common/stringutil"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

const (
	minTokenLen    = 2
	bodyTokenLimit = 80

	tokenMatchWeight = 2.0
	nameMatchWeight  = 4.0
	maxPriorityBoost = 3.0

	fallbackConfidence = 0.35
	maxConfidence      = 0.99
)

// Route scores every discoverable non-head manifest against the message
// and returns the delegation decision. When the entry agent is not the
// head, the message stays with the entry agent.
func Route(entryAgentID, message string, manifests []*agent.Manifest, headID string) *v1.RoutingDecision {
	if entryAgentID != headID {
		return &v1.RoutingDecision{
			EntryAgentID:     entryAgentID,
			TargetAgentID:    entryAgentID,
			Confidence:       1,
			Reason:           "message addressed directly to the agent",
			RewrittenMessage: message,
		}
	}

	tokens := stringutil.Tokenize(message, minTokenLen)
	lowerMessage := strings.ToLower(message)

	var candidates []v1.RouteCandidate
	for _, m := range manifests {
		if !m.Discoverable || m.ID == headID {
			continue
		}
		matched := matchedTokens(tokens, m)
		nameMatch := strings.Contains(lowerMessage, strings.ToLower(m.ID)) ||
			strings.Contains(lowerMessage, strings.ToLower(m.DisplayName))

		score := tokenMatchWeight * float64(matched)
		if nameMatch {
			score += nameMatchWeight
		}
		// Priority only breaks ties between real matches; it must not
		// lift a zero-match agent above the head fallback.
		if score > 0 {
			score += clamp(float64(m.Priority)/50, 0, maxPriorityBoost)
		}

		candidates = append(candidates, v1.RouteCandidate{
			AgentID:   m.ID,
			Score:     score,
			NameMatch: nameMatch,
			Priority:  m.Priority,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.NameMatch != b.NameMatch {
			return a.NameMatch
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.AgentID < b.AgentID
	})

	if len(candidates) == 0 || candidates[0].Score <= 0 {
		return &v1.RoutingDecision{
			EntryAgentID:     entryAgentID,
			TargetAgentID:    headID,
			Confidence:       fallbackConfidence,
			Reason:           "no specialist matched; handled by the organization head",
			RewrittenMessage: message,
			Candidates:       candidates,
		}
	}

	top := candidates[0]
	confidence := top.Score / max(4, float64(len(tokens)+1))
	if confidence > maxConfidence {
		confidence = maxConfidence
	}
	reason := fmt.Sprintf("best match on skills and tags (score %.1f)", top.Score)
	if top.NameMatch {
		reason = "agent named explicitly in the message"
	}

	return &v1.RoutingDecision{
		EntryAgentID:     entryAgentID,
		TargetAgentID:    top.AgentID,
		Confidence:       confidence,
		Reason:           reason,
		RewrittenMessage: rewrite(message, top.AgentID, reason),
		Candidates:       candidates,
	}
}

// matchedTokens counts how many message tokens occur in the agent's
// id, name, description, tags, and the head of its manifest body.
func matchedTokens(tokens []string, m *agent.Manifest) int {
	set := make(map[string]bool)
	add := func(s string) {
		for _, tok := range stringutil.Tokenize(s, minTokenLen) {
			set[tok] = true
		}
	}
	add(m.ID)
	add(m.DisplayName)
	add(m.Description)
	for _, tag := range m.Tags {
		add(tag)
	}
	for _, skill := range m.Skills {
		add(skill)
	}
	bodyTokens := stringutil.Tokenize(m.Body, minTokenLen)
	if len(bodyTokens) > bodyTokenLimit {
		bodyTokens = bodyTokens[:bodyTokenLimit]
	}
	for _, tok := range bodyTokens {
		set[tok] = true
	}

	matched := 0
	for _, tok := range tokens {
		if set[tok] {
			matched++
		}
	}
	return matched
}

// rewrite wraps the original message with the delegation preamble the
// target agent sees.
func rewrite(message, targetAgentID, reason string) string {
	return fmt.Sprintf(
		"You are %s. This request was delegated to you (%s). Handle it yourself.\n\n%s",
		targetAgentID, reason, message)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
