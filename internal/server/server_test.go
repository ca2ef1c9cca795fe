package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opengoat/opengoat/internal/board"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/config"
	"github.com/opengoat/opengoat/internal/common/fsutil"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/events/bus"
	"github.com/opengoat/opengoat/internal/runtime"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
		Home:   "/home/opengoat",
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 4488},
		Orchestrator: config.OrchestratorConfig{
			DefaultAgent:     "goat",
			MaxParallelFlows: 2,
		},
		Scanner: config.ScannerConfig{IntervalMinutes: 5, InactiveMinutes: 30, Policy: "ceo-only"},
	}

	clk := clock.NewFake(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	rt := runtime.New(cfg, fsutil.NewMemFS(), clk, board.NewMemoryRepository(), bus.NewMemoryEventBus(log), log)
	require.NoError(t, rt.Initialize())

	return New(&cfg.Server, rt, log)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInitializeCreatesHead(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[struct {
		Agents []v1.Agent `json:"agents"`
	}](t, rec)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "goat", resp.Agents[0].ID)
	assert.Nil(t, resp.Agents[0].ReportsTo)
}

func TestAgentLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{
		Name: "Chief Writer", Type: v1.AgentTypeManager,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[v1.Agent](t, rec)
	assert.Equal(t, "chief-writer", created.ID)
	require.NotNil(t, created.ReportsTo)
	assert.Equal(t, "goat", *created.ReportsTo)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/agents/chief-writer", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/agents/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// head deletion is protected
	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/agents/goat", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/v1/agents/chief-writer", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBoardAndTaskFlow(t *testing.T) {
	srv := newTestServer(t)

	reportsTo := "cto"
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{Name: "CTO", Type: v1.AgentTypeManager})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{Name: "Engineer", ReportsTo: &reportsTo})
	require.Equal(t, http.StatusCreated, rec.Code)

	// individuals cannot own boards
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/boards", map[string]string{"actor": "engineer", "title": "Shadow"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/boards", map[string]string{"actor": "cto", "title": "Delivery"})
	require.Equal(t, http.StatusCreated, rec.Code)
	createdBoard := decode[v1.Board](t, rec)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/tasks", map[string]any{
		"actor":       "cto",
		"board_id":    createdBoard.ID,
		"title":       "API draft",
		"assigned_to": "engineer",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[v1.Task](t, rec)
	assert.Equal(t, v1.TaskStatusTodo, task.Status)

	// blocked without reason rejected
	rec = doJSON(t, srv, http.MethodPut, "/api/v1/tasks/"+task.ID+"/status", map[string]string{
		"actor": "engineer", "status": "blocked",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// only the assignee may move the task
	rec = doJSON(t, srv, http.MethodPut, "/api/v1/tasks/"+task.ID+"/status", map[string]string{
		"actor": "cto", "status": "doing",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/tasks/"+task.ID+"/status", map[string]string{
		"actor": "engineer", "status": "blocked", "reason": "need staging keys",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[v1.Task](t, rec)
	assert.Equal(t, v1.TaskStatusBlocked, updated.Status)
	assert.Equal(t, "need staging keys", updated.StatusReason)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/tasks/"+task.ID+"/worklog", map[string]string{
		"actor": "engineer", "content": "requested keys from ops",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/tasks?assignee=engineer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Tasks []v1.Task `json:"tasks"`
	}](t, rec)
	require.Len(t, listed.Tasks, 1)
}

func TestRouteMessage(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{
		Name: "Writer", Tags: []string{"docs", "markdown"}, Skills: []string{"writing"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/route", map[string]string{
		"message": "Please draft the markdown docs for the release",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decision := decode[v1.RoutingDecision](t, rec)
	assert.Equal(t, "goat", decision.EntryAgentID)
	assert.Equal(t, "writer", decision.TargetAgentID)
}

func TestListProviders(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Providers []v1.ProviderInfo `json:"providers"`
	}](t, rec)
	assert.NotEmpty(t, resp.Providers)
}
