// Package server exposes the runtime facade over HTTP. Thin gin handlers
// over the public operations plus a WebSocket stream of run events.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/common/config"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/runtime"
)

// Server hosts the HTTP API.
type Server struct {
	cfg     *config.ServerConfig
	runtime *runtime.Runtime
	logger  *logger.Logger
	router  *gin.Engine
	http    *http.Server
}

func New(cfg *config.ServerConfig, rt *runtime.Runtime, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		runtime: rt,
		logger:  log.WithFields(zap.String("component", "http-server")),
		router:  router,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api/v1")

	api.GET("/agents", s.listAgents)
	api.POST("/agents", s.createAgent)
	api.GET("/agents/:id", s.getAgent)
	api.DELETE("/agents/:id", s.deleteAgent)
	api.PUT("/agents/:id/provider", s.setAgentProvider)
	api.PUT("/agents/:id/manager", s.setAgentManager)

	api.POST("/agents/:id/run", s.runAgent)
	api.POST("/run", s.runDefault)
	api.POST("/route", s.routeMessage)

	api.GET("/providers", s.listProviders)
	api.GET("/providers/:id/config", s.getProviderConfig)
	api.PUT("/providers/:id/config", s.setProviderConfig)
	api.POST("/providers/:id/authenticate", s.authenticateProvider)

	api.GET("/sessions", s.listAllSessions)
	api.GET("/agents/:id/sessions", s.listSessions)
	api.GET("/agents/:id/sessions/history", s.getSessionHistory)
	api.POST("/agents/:id/sessions/reset", s.resetSession)
	api.POST("/agents/:id/sessions/compact", s.compactSession)
	api.DELETE("/agents/:id/sessions", s.removeSession)
	api.PUT("/agents/:id/sessions/title", s.renameSession)
	api.POST("/agents/:id/sessions/cancel", s.cancelSession)

	api.GET("/boards", s.listBoards)
	api.POST("/boards", s.createBoard)
	api.GET("/boards/:id", s.getBoard)
	api.PATCH("/boards/:id", s.updateBoard)

	api.GET("/tasks", s.listTasks)
	api.POST("/tasks", s.createTask)
	api.GET("/tasks/:id", s.getTask)
	api.PUT("/tasks/:id/status", s.updateTaskStatus)
	api.POST("/tasks/:id/blockers", s.addTaskBlocker)
	api.POST("/tasks/:id/artifacts", s.addTaskArtifact)
	api.POST("/tasks/:id/worklog", s.addTaskWorklog)

	api.POST("/scanner/cycle", s.runScannerCycle)

	api.GET("/runs/stream", s.streamRuns)
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}
	s.logger.Info("http server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }
