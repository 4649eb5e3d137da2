// Package debug exposes a read-only HTTP inspector over a running router:
// the message log, agent registry, channels, and recent lifecycle events.
package debug

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/config"
	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/internal/events/bus"
	"github.com/troupelabs/troupe/internal/router"
)

// eventBufferSize bounds the in-memory event history served by /events.
const eventBufferSize = 256

// Server is the debug inspector HTTP server. It holds no state of its own
// beyond a ring buffer of recent bus events; everything else is read from
// the router on demand.
type Server struct {
	cfg    config.DebugConfig
	rt     *router.Router
	events bus.EventBus
	logger *logger.Logger

	server *http.Server
	sub    bus.Subscription

	mu     sync.Mutex
	recent []*bus.Event
}

// NewServer creates the inspector for the given router and event bus.
func NewServer(cfg config.DebugConfig, rt *router.Router, events bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		rt:     rt,
		events: events,
		logger: log.WithFields(zap.String("component", "debug")),
	}
}

// Start subscribes to the event bus and serves HTTP on the configured port.
func (s *Server) Start() error {
	sub, err := s.events.Subscribe("troupe.>", func(ctx context.Context, event *bus.Event) error {
		s.record(event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	s.sub = sub

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := NewHandler(s.rt, s.logger)
	v1 := engine.Group("/api/v1")
	SetupRoutes(v1, handler, s)
	engine.GET("/health", handler.HealthCheck)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Debug inspector listening", zap.Int("port", s.cfg.Port))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Debug inspector failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the HTTP server and drops the event subscription.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe from events", zap.Error(err))
		}
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// record appends the event to the ring buffer, evicting the oldest entry
// when full.
func (s *Server) record(event *bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, event)
	if len(s.recent) > eventBufferSize {
		s.recent = s.recent[len(s.recent)-eventBufferSize:]
	}
}

// recentEvents returns a copy of the buffered events, oldest first.
func (s *Server) recentEvents() []*bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*bus.Event, len(s.recent))
	copy(out, s.recent)
	return out
}
