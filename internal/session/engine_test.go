package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/fsutil"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/paths"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

type stubRules struct {
	rules agent.SessionRules
}

func (s *stubRules) Config(agentID string) (*agent.Config, error) {
	return &agent.Config{SchemaVersion: 1, ID: agentID, Session: s.rules}, nil
}

func newTestEngine(t *testing.T, rules agent.SessionRules) (*Engine, *clock.Fake) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	e := NewEngine(fsutil.NewMemFS(), paths.New("/home/opengoat"), clk, log, &stubRules{rules: rules})
	return e, clk
}

func defaultRules() agent.SessionRules {
	return agent.DefaultSessionRules()
}

// runTurn drives one prepare/record pair.
func runTurn(t *testing.T, e *Engine, agentID, userMsg, reply string) *Info {
	t.Helper()
	res, err := e.PrepareRunSession(agentID, PrepareOptions{UserMessage: userMsg, RunID: "run-" + userMsg})
	require.NoError(t, err)
	require.True(t, res.Enabled)
	require.False(t, res.Cancelled)
	_, err = e.RecordAssistantReply(res.Info, reply, "")
	require.NoError(t, err)
	return res.Info
}

func TestRecordReplyRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, defaultRules())

	runTurn(t, e, "ceo", "hello", "hi there")

	history, err := e.GetSessionHistory("ceo", HistoryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "agent:ceo:main", history.SessionKey)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, v1.TranscriptKindUserMessage, history.Messages[0].Kind)
	assert.Equal(t, "hello", history.Messages[0].Content)
	last := history.Messages[len(history.Messages)-1]
	assert.Equal(t, v1.TranscriptKindAssistantMessage, last.Kind)
	assert.Equal(t, "hi there", last.Content)
}

func TestActiveRunClaimExclusive(t *testing.T) {
	e, _ := newTestEngine(t, defaultRules())

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "hi", RunID: "r"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, busy := 0, 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrSessionBusy)
			busy++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one prepare wins the claim")
	assert.Equal(t, workers-1, busy)
}

func TestClaimReleasedAfterRecord(t *testing.T) {
	e, _ := newTestEngine(t, defaultRules())

	runTurn(t, e, "ceo", "first", "ok")

	// Claim was released; a second run proceeds.
	res, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "second", RunID: "r2"})
	require.NoError(t, err)
	assert.False(t, res.Info.IsNewSession)
}

func TestIdleReset(t *testing.T) {
	rules := defaultRules()
	rules.Reset = agent.ResetPolicy{Mode: agent.ResetModeIdle, IdleMinutes: 1}
	e, clk := newTestEngine(t, rules)

	info1 := runTurn(t, e, "ceo", "hello", "hi")

	clk.Advance(61 * time.Second)

	res, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "again", RunID: "r2"})
	require.NoError(t, err)
	assert.True(t, res.Info.IsNewSession)
	assert.NotEqual(t, info1.SessionID, res.Info.SessionID)
	assert.Equal(t, info1.SessionKey, res.Info.SessionKey)
}

func TestIdleResetNotDueWithinWindow(t *testing.T) {
	rules := defaultRules()
	rules.Reset = agent.ResetPolicy{Mode: agent.ResetModeIdle, IdleMinutes: 30}
	e, clk := newTestEngine(t, rules)

	info1 := runTurn(t, e, "ceo", "hello", "hi")
	clk.Advance(10 * time.Minute)

	res, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "again", RunID: "r2"})
	require.NoError(t, err)
	assert.False(t, res.Info.IsNewSession)
	assert.Equal(t, info1.SessionID, res.Info.SessionID)
}

func TestDailyReset(t *testing.T) {
	rules := defaultRules()
	rules.Reset = agent.ResetPolicy{Mode: agent.ResetModeDaily, AtHour: 4}
	e, clk := newTestEngine(t, rules)

	// 23:00 on the 10th.
	clk.Set(time.Date(2026, 1, 10, 23, 0, 0, 0, time.UTC))
	info1 := runTurn(t, e, "ceo", "late night", "ok")

	// 05:00 the next morning crosses the 04:00 boundary.
	clk.Set(time.Date(2026, 1, 11, 5, 0, 0, 0, time.UTC))
	res, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "morning", RunID: "r2"})
	require.NoError(t, err)
	assert.True(t, res.Info.IsNewSession)
	assert.NotEqual(t, info1.SessionID, res.Info.SessionID)
}

func TestForceNewMintsSession(t *testing.T) {
	e, _ := newTestEngine(t, defaultRules())

	info1 := runTurn(t, e, "ceo", "hello", "hi")

	res, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "fresh", ForceNew: true, RunID: "r2"})
	require.NoError(t, err)
	assert.True(t, res.Info.IsNewSession)
	assert.NotEqual(t, info1.SessionID, res.Info.SessionID)
}

func TestDisableSession(t *testing.T) {
	e, _ := newTestEngine(t, defaultRules())

	res, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "hi", Disable: true})
	require.NoError(t, err)
	assert.False(t, res.Enabled)
	assert.Nil(t, res.Info)
}

func TestPruningInvariant(t *testing.T) {
	rules := defaultRules()
	rules.Pruning = agent.PruningPolicy{MaxMessages: 6, MaxChars: 10_000, KeepRecentMessages: 2}
	rules.Compaction = agent.CompactionPolicy{} // disabled
	e, _ := newTestEngine(t, rules)

	for i := 0; i < 10; i++ {
		runTurn(t, e, "ceo", "question", "answer")
	}

	history, err := e.GetSessionHistory("ceo", HistoryOptions{IncludeCompaction: true})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(history.Messages), 7, "one entry of slack after append")
}

func TestCompactionInvariant(t *testing.T) {
	rules := defaultRules()
	rules.Pruning = agent.PruningPolicy{}
	rules.Compaction = agent.CompactionPolicy{
		TriggerMessageCount: 4,
		KeepRecentMessages:  2,
		SummaryMaxChars:     240,
	}
	e, _ := newTestEngine(t, rules)

	runTurn(t, e, "ceo", "one", "reply one")
	runTurn(t, e, "ceo", "two", "reply two")
	runTurn(t, e, "ceo", "three", "reply three")

	history, err := e.GetSessionHistory("ceo", HistoryOptions{IncludeCompaction: true})
	require.NoError(t, err)

	summaries := 0
	for _, m := range history.Messages {
		if m.Kind == v1.TranscriptKindCompactionSummary {
			summaries++
		}
	}
	assert.Equal(t, 1, summaries, "summaries accumulate into a single entry")
	assert.Equal(t, v1.TranscriptKindCompactionSummary, history.Messages[0].Kind)
	assert.LessOrEqual(t, len(history.Messages[0].Content), 240)

	// Recent tail intact.
	tail := history.Messages[len(history.Messages)-2:]
	assert.Equal(t, "three", tail[0].Content)
	assert.Equal(t, "reply three", tail[1].Content)
}

func TestCancelDuringRunSkipsRecording(t *testing.T) {
	e, _ := newTestEngine(t, defaultRules())

	res, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "hi", RunID: "r1"})
	require.NoError(t, err)

	e.Cancel("ceo", "")
	assert.True(t, e.Cancelled(res.Info.SessionKey))

	_, err = e.RecordAssistantReply(res.Info, "should not land", "")
	assert.ErrorIs(t, err, ErrRunCancelled)

	history, err := e.GetSessionHistory("ceo", HistoryOptions{})
	require.NoError(t, err)
	for _, m := range history.Messages {
		assert.NotEqual(t, "should not land", m.Content)
	}

	// Claim is released by the failed record.
	_, err = e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "next", RunID: "r2"})
	require.NoError(t, err)
}

func TestBufferedCancelConsumesNextPrepare(t *testing.T) {
	e, _ := newTestEngine(t, defaultRules())

	// No active run: the cancel is buffered.
	e.Cancel("ceo", "")

	res, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "hi", RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)

	// The buffer is consumed; the next prepare proceeds normally.
	res, err = e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "hi", RunID: "r2"})
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
}

func TestProviderSessionIDPersists(t *testing.T) {
	e, _ := newTestEngine(t, defaultRules())

	res, err := e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "hi", RunID: "r1"})
	require.NoError(t, err)
	assert.Empty(t, res.Info.ProviderSessionID)
	_, err = e.RecordAssistantReply(res.Info, "ok", "prov-123")
	require.NoError(t, err)

	res, err = e.PrepareRunSession("ceo", PrepareOptions{UserMessage: "again", RunID: "r2"})
	require.NoError(t, err)
	assert.Equal(t, "prov-123", res.Info.ProviderSessionID)
	e.Release(res.Info.SessionKey)
}

func TestListResetRemoveRename(t *testing.T) {
	e, clk := newTestEngine(t, defaultRules())

	runTurn(t, e, "ceo", "hello", "hi")
	runTurn(t, e, "writer", "draft", "done")

	all, err := e.ListSessions("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ceoOnly, err := e.ListSessions("ceo")
	require.NoError(t, err)
	require.Len(t, ceoOnly, 1)
	assert.Equal(t, "agent:ceo:main", ceoOnly[0].SessionKey)

	require.NoError(t, e.RenameSession("ceo", "standup"))
	ceoOnly, err = e.ListSessions("ceo")
	require.NoError(t, err)
	assert.Equal(t, "standup", ceoOnly[0].Title)

	before := ceoOnly[0].SessionID
	clk.Advance(time.Minute)
	require.NoError(t, e.ResetSession("ceo", ""))
	ceoOnly, err = e.ListSessions("ceo")
	require.NoError(t, err)
	assert.NotEqual(t, before, ceoOnly[0].SessionID)
	assert.Equal(t, 1, ceoOnly[0].Rotations)

	require.NoError(t, e.RemoveSession("writer", ""))
	_, err = e.GetSessionHistory("writer", HistoryOptions{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHistoryLimitAndCompactionFilter(t *testing.T) {
	rules := defaultRules()
	rules.Compaction = agent.CompactionPolicy{TriggerMessageCount: 4, KeepRecentMessages: 2, SummaryMaxChars: 240}
	e, _ := newTestEngine(t, rules)

	for i := 0; i < 4; i++ {
		runTurn(t, e, "ceo", "q", "a")
	}

	withSummary, err := e.GetSessionHistory("ceo", HistoryOptions{IncludeCompaction: true})
	require.NoError(t, err)
	withoutSummary, err := e.GetSessionHistory("ceo", HistoryOptions{})
	require.NoError(t, err)
	assert.Less(t, len(withoutSummary.Messages), len(withSummary.Messages))

	limited, err := e.GetSessionHistory("ceo", HistoryOptions{Limit: 1, IncludeCompaction: true})
	require.NoError(t, err)
	assert.Len(t, limited.Messages, 1)
}

func TestResolveKey(t *testing.T) {
	assert.Equal(t, "agent:ceo:main", ResolveKey("ceo", ""))
	assert.Equal(t, "agent:ceo:standup", ResolveKey("ceo", "standup"))
	assert.Equal(t, "acp:abc:main", ResolveKey("ceo", "acp:abc:main"))
}
