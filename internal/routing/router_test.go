package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengoat/opengoat/internal/agent"
)

func manifests() []*agent.Manifest {
	head := &agent.Manifest{
		ID:          "goat",
		DisplayName: "Goat",
		Type:        "manager",
	}
	writer := &agent.Manifest{
		ID:           "writer",
		DisplayName:  "Writer",
		Description:  "Writes and edits documentation",
		Discoverable: true,
		Tags:         []string{"docs", "markdown"},
		Priority:     50,
	}
	engineer := &agent.Manifest{
		ID:           "engineer",
		DisplayName:  "Engineer",
		Description:  "Implements backend services",
		Discoverable: true,
		Tags:         []string{"go", "backend"},
		Priority:     50,
	}
	hidden := &agent.Manifest{
		ID:           "secret-ops",
		DisplayName:  "Secret Ops",
		Discoverable: false,
		Tags:         []string{"docs"},
	}
	return []*agent.Manifest{head, writer, engineer, hidden}
}

func TestRouteToSpecialist(t *testing.T) {
	d := Route("goat", "Please create ABOUT.md with proper markdown docs", manifests(), "goat")
	assert.Equal(t, "writer", d.TargetAgentID)
	assert.Greater(t, d.Confidence, 0.0)
	assert.Contains(t, d.RewrittenMessage, "writer")
	assert.Contains(t, d.RewrittenMessage, "Please create ABOUT.md")
}

func TestRouteNonHeadEntryStays(t *testing.T) {
	d := Route("engineer", "write some docs", manifests(), "goat")
	assert.Equal(t, "engineer", d.TargetAgentID)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, "write some docs", d.RewrittenMessage)
	assert.Empty(t, d.Candidates)
}

func TestRouteFallbackToHead(t *testing.T) {
	d := Route("goat", "zzqy xkcd", manifests(), "goat")
	assert.Equal(t, "goat", d.TargetAgentID)
	assert.Equal(t, 0.35, d.Confidence)
	assert.Equal(t, "zzqy xkcd", d.RewrittenMessage, "fallback keeps the original message")
}

func TestRouteFallbackIgnoresPriorityOnlyAgents(t *testing.T) {
	vip := &agent.Manifest{ID: "vip", DisplayName: "VIP", Discoverable: true, Tags: []string{"sales"}, Priority: 500}
	head := &agent.Manifest{ID: "goat"}

	d := Route("goat", "zzqy xkcd", []*agent.Manifest{head, vip}, "goat")
	assert.Equal(t, "goat", d.TargetAgentID)
	assert.Equal(t, 0.35, d.Confidence)
	require.NotEmpty(t, d.Candidates)
	assert.Equal(t, 0.0, d.Candidates[0].Score, "priority alone does not score")
}

func TestRouteExplicitNameWins(t *testing.T) {
	d := Route("goat", "ask engineer to review the markdown docs", manifests(), "goat")
	assert.Equal(t, "engineer", d.TargetAgentID)
	require.NotEmpty(t, d.Candidates)
	assert.True(t, d.Candidates[0].NameMatch)
}

func TestRouteIgnoresUndiscoverable(t *testing.T) {
	d := Route("goat", "docs please", manifests(), "goat")
	for _, c := range d.Candidates {
		assert.NotEqual(t, "secret-ops", c.AgentID)
		assert.NotEqual(t, "goat", c.AgentID)
	}
}

func TestRouteIdempotent(t *testing.T) {
	msg := "Please create ABOUT.md with proper markdown docs"
	first := Route("goat", msg, manifests(), "goat")
	second := Route("goat", msg, manifests(), "goat")
	assert.Equal(t, first.TargetAgentID, second.TargetAgentID)
	assert.Equal(t, first.Candidates, second.Candidates)
}

func TestRouteTieBreaks(t *testing.T) {
	a := &agent.Manifest{ID: "alpha", DisplayName: "Alpha", Discoverable: true, Tags: []string{"infra"}, Priority: 50}
	b := &agent.Manifest{ID: "beta", DisplayName: "Beta", Discoverable: true, Tags: []string{"infra"}, Priority: 50}
	head := &agent.Manifest{ID: "goat"}

	d := Route("goat", "infra work", []*agent.Manifest{head, b, a}, "goat")
	assert.Equal(t, "alpha", d.TargetAgentID, "equal scores break lexicographically")

	// Higher priority beats lexicographic order.
	b.Priority = 90
	d = Route("goat", "infra work", []*agent.Manifest{head, b, a}, "goat")
	assert.Equal(t, "beta", d.TargetAgentID)
}

func TestPriorityBoostClamped(t *testing.T) {
	boosted := &agent.Manifest{ID: "boosted", Discoverable: true, Tags: []string{"infra"}, Priority: 100_000}
	plain := &agent.Manifest{ID: "plain", Discoverable: true, Tags: []string{"infra"}, Priority: 150}
	head := &agent.Manifest{ID: "goat"}

	d := Route("goat", "infra work", []*agent.Manifest{head, boosted, plain}, "goat")
	require.Len(t, d.Candidates, 2)
	// Both priorities clamp to the same capped boost; scores tie.
	assert.Equal(t, d.Candidates[0].Score, d.Candidates[1].Score)
}
