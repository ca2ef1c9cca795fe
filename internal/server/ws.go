package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamRuns upgrades to a WebSocket and forwards run lifecycle and
// scanner cycle events from the bus until the client disconnects.
func (s *Server) streamRuns(c *gin.Context) {
	eventBus := s.runtime.Bus()
	if eventBus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Serialize writes: run.> and scanner.cycle deliver concurrently.
	var mu sync.Mutex
	send := func(event *bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := conn.WriteJSON(event); err != nil {
			s.logger.Debug("websocket write failed", zap.Error(err))
		}
	}

	runSub, err := eventBus.Subscribe("run.>", func(_ context.Context, event *bus.Event) error {
		send(event)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to subscribe to run events", zap.Error(err))
		return
	}
	defer func() { _ = runSub.Unsubscribe() }()

	cycleSub, err := eventBus.Subscribe(bus.SubjectScannerCycle, func(_ context.Context, event *bus.Event) error {
		send(event)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to subscribe to scanner events", zap.Error(err))
		return
	}
	defer func() { _ = cycleSub.Unsubscribe() }()

	// Block until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
