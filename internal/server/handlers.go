package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opengoat/opengoat/internal/agent"
	"github.com/opengoat/opengoat/internal/board"
	"github.com/opengoat/opengoat/internal/provider"
	"github.com/opengoat/opengoat/internal/scanner"
	"github.com/opengoat/opengoat/internal/session"
	v1 "github.com/opengoat/opengoat/pkg/api/v1"
)

// respondError maps domain errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, agent.ErrAgentNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, provider.ErrProviderNotFound),
		errors.Is(err, board.ErrBoardNotFound),
		errors.Is(err, board.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agent.ErrHeadAgentProtected),
		errors.Is(err, agent.ErrCyclicReports),
		errors.Is(err, board.ErrNotManager),
		errors.Is(err, board.ErrNotBoardOwner),
		errors.Is(err, board.ErrNotAssignee),
		errors.Is(err, board.ErrNotDirectReport),
		errors.Is(err, session.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, board.ErrReasonRequired),
		errors.Is(err, board.ErrInvalidStatus),
		errors.Is(err, board.ErrBoardRequired):
		status = http.StatusBadRequest
	case errors.Is(err, provider.ErrUnsupportedAction):
		status = http.StatusNotImplemented
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Agents

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.runtime.ListAgents()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgent(c *gin.Context) {
	a, err := s.runtime.GetAgent(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) createAgent(c *gin.Context) {
	var req v1.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts := agent.EnsureOptions{
		Type:      req.Type,
		ReportsTo: req.ReportsTo,
		Skills:    req.Skills,
		Tags:      req.Tags,
	}
	if req.Provider != nil {
		opts.Provider = *req.Provider
	}
	a, err := s.runtime.CreateAgent(req.Name, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.runtime.DeleteAgent(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setAgentProvider(c *gin.Context) {
	var req v1.SetAgentProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.runtime.SetAgentProvider(c.Param("id"), req.Provider); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setAgentManager(c *gin.Context) {
	var req v1.SetAgentManagerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.runtime.SetAgentManager(c.Param("id"), req.ReportsTo); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Runs

func (s *Server) runAgent(c *gin.Context) {
	s.handleRun(c, c.Param("id"))
}

func (s *Server) runDefault(c *gin.Context) {
	s.handleRun(c, "")
}

func (s *Server) handleRun(c *gin.Context, entryAgentID string) {
	var req v1.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.runtime.RunAgent(c.Request.Context(), entryAgentID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) routeMessage(c *gin.Context) {
	var req struct {
		EntryAgentID string `json:"entry_agent_id,omitempty"`
		Message      string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decision, err := s.runtime.RouteMessage(req.EntryAgentID, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// Providers

func (s *Server) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.runtime.ListProviders()})
}

func (s *Server) getProviderConfig(c *gin.Context) {
	cfg, err := s.runtime.GetProviderConfig(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) setProviderConfig(c *gin.Context) {
	var req v1.SetProviderConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.runtime.SetProviderConfig(c.Param("id"), req.Env); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) authenticateProvider(c *gin.Context) {
	var req struct {
		Env map[string]string `json:"env,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	exec, err := s.runtime.AuthenticateProvider(c.Request.Context(), c.Param("id"), provider.AuthOptions{Env: req.Env})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":   exec.Code,
		"stdout": exec.Stdout,
		"stderr": exec.Stderr,
	})
}

// Sessions

func (s *Server) listAllSessions(c *gin.Context) {
	sessions, err := s.runtime.ListSessions("")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.runtime.ListSessions(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSessionHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	history, err := s.runtime.GetSessionHistory(c.Param("id"), session.HistoryOptions{
		SessionRef:        c.Query("session_ref"),
		Limit:             limit,
		IncludeCompaction: c.Query("include_compaction") == "true",
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) resetSession(c *gin.Context) {
	if err := s.runtime.ResetSession(c.Param("id"), c.Query("session_ref")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) compactSession(c *gin.Context) {
	result, err := s.runtime.CompactSession(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"applied":            result.Applied,
		"compacted_messages": result.CompactedMessages,
	})
}

func (s *Server) removeSession(c *gin.Context) {
	if err := s.runtime.RemoveSession(c.Param("id"), c.Query("session_ref")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) renameSession(c *gin.Context) {
	var req v1.RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.runtime.RenameSession(c.Param("id"), req.Title); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cancelSession(c *gin.Context) {
	s.runtime.CancelSession(c.Param("id"), c.Query("session_ref"))
	c.Status(http.StatusAccepted)
}

// Boards

func (s *Server) listBoards(c *gin.Context) {
	boards, err := s.runtime.ListBoards(c.Request.Context(), c.Query("owner"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"boards": boards})
}

func (s *Server) createBoard(c *gin.Context) {
	var req struct {
		Actor string `json:"actor" binding:"required"`
		Title string `json:"title" binding:"required,max=255"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, err := s.runtime.CreateBoard(c.Request.Context(), req.Actor, req.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) getBoard(c *gin.Context) {
	b, err := s.runtime.GetBoard(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) updateBoard(c *gin.Context) {
	var req struct {
		Actor string `json:"actor" binding:"required"`
		Title string `json:"title" binding:"required,max=255"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, err := s.runtime.UpdateBoard(c.Request.Context(), req.Actor, c.Param("id"), req.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Tasks

func (s *Server) listTasks(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	tasks, err := s.runtime.ListTasks(c.Request.Context(), board.TaskFilter{
		BoardID:  c.Query("board_id"),
		Assignee: c.Query("assignee"),
		Status:   v1.TaskStatus(c.Query("status")),
		Limit:    limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) createTask(c *gin.Context) {
	var req struct {
		Actor string `json:"actor" binding:"required"`
		v1.CreateTaskRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := s.runtime.CreateTask(c.Request.Context(), req.Actor, req.CreateTaskRequest)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.runtime.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) updateTaskStatus(c *gin.Context) {
	var req struct {
		Actor string `json:"actor" binding:"required"`
		v1.UpdateTaskStatusRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := s.runtime.UpdateTaskStatus(c.Request.Context(), req.Actor, c.Param("id"), req.UpdateTaskStatusRequest)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type taskNoteRequest struct {
	Actor   string `json:"actor" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (s *Server) addTaskBlocker(c *gin.Context) {
	s.addTaskNote(c, s.runtime.AddTaskBlocker)
}

func (s *Server) addTaskArtifact(c *gin.Context) {
	s.addTaskNote(c, s.runtime.AddTaskArtifact)
}

func (s *Server) addTaskWorklog(c *gin.Context) {
	s.addTaskNote(c, s.runtime.AddTaskWorklog)
}

func (s *Server) addTaskNote(c *gin.Context, add func(ctx context.Context, actor, taskID, content string) error) {
	var req taskNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := add(c.Request.Context(), req.Actor, c.Param("id"), req.Content); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Scanner

func (s *Server) runScannerCycle(c *gin.Context) {
	var req struct {
		InactiveMinutes int    `json:"inactive_minutes,omitempty"`
		Policy          string `json:"policy,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := s.runtime.RunTaskCronCycle(c.Request.Context(), scanner.Options{
		InactiveMinutes: req.InactiveMinutes,
		Policy:          scanner.Policy(req.Policy),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
