// Package api serves the grove control plane over HTTP: health, message
// and run submission, run inspection and abort, session and engine
// listings. Handlers translate between the wire types in pkg/api/v1 and
// the core packages and hold no state of their own.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/common/config"
	"github.com/grovehq/grove/internal/common/httpmw"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/orchestrator"
	"github.com/grovehq/grove/internal/router"
	"github.com/grovehq/grove/internal/run"
	"github.com/grovehq/grove/internal/scheduler"
	"github.com/grovehq/grove/internal/session"
)

// Sender is the slice of the router the API uses: agent-addressed
// submission and run cancellation.
type Sender interface {
	SendToAgent(ctx context.Context, agentID, text string, opts router.SendOpts) (*orchestrator.Submission, error)
	Abort(sessionKeyOrRunID, reason string) error
}

// Submitter resolves and enqueues a session-addressed request.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.Request) (*orchestrator.Submission, error)
}

// Deps wires the API to the core.
type Deps struct {
	Sender     Sender
	Submitter  Submitter
	Runs       *run.Registry
	Supervisor *run.Supervisor
	Scheduler  *scheduler.Scheduler
	Engines    *engine.Registry
	Meta       *session.MetaStore

	// WS, when set, serves websocket upgrades for the webchat gateway
	// on /ws.
	WS gin.HandlerFunc
}

// Server hosts the HTTP API.
type Server struct {
	logger     *logger.Logger
	config     config.HTTPConfig
	engine     *gin.Engine
	httpServer *http.Server

	mu      sync.Mutex
	running bool
}

// NewServer builds the gin engine with all middleware and routes.
func NewServer(deps Deps, log *logger.Logger, cfg config.HTTPConfig) *Server {
	s := &Server{
		logger: log.WithFields(zap.String("component", "api")),
		config: cfg,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.logger, "api"))
	r.Use(httpmw.OtelTracing("api"))

	h := NewHandler(deps, s.logger)
	r.GET("/healthz", h.Health)
	if deps.WS != nil {
		r.GET("/ws", deps.WS)
	}
	h.SetupRoutes(r.Group("/api/v1"))

	s.engine = r
	return s
}

// Handler exposes the routed engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("api server already running")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeoutDuration(),
		WriteTimeout: s.config.WriteTimeoutDuration(),
	}
	s.running = true

	go func() {
		s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down, draining in-flight requests until the
// context expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.httpServer.Shutdown(ctx)
}
