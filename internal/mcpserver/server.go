// Package mcpserver exposes the grove control surface to MCP clients:
// message submission, run inspection and abort, session and engine
// listings as tools, served over SSE and Streamable HTTP transports.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/common/config"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/orchestrator"
	"github.com/grovehq/grove/internal/router"
	"github.com/grovehq/grove/internal/run"
	"github.com/grovehq/grove/internal/session"
)

const (
	serverName    = "grove-control"
	serverVersion = "1.0.0"
)

// Sender is the slice of the router the control tools use.
type Sender interface {
	SendToAgent(ctx context.Context, agentID, text string, opts router.SendOpts) (*orchestrator.Submission, error)
	Abort(sessionKeyOrRunID, reason string) error
}

// Deps wires the tools to the core.
type Deps struct {
	Sender  Sender
	Runs    *run.Registry
	Engines *engine.Registry
	Meta    *session.MetaStore
}

// Server hosts both MCP transports on one port for compatibility with
// different clients: SSE on /sse (Claude Desktop, Cursor), Streamable
// HTTP on /mcp (Codex).
type Server struct {
	cfg  config.MCPConfig
	deps Deps

	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server

	mu      sync.Mutex
	running bool
	logger  *logger.Logger
}

// New creates the MCP control server.
func New(deps Deps, cfg config.MCPConfig, log *logger.Logger) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithFields(zap.String("component", "mcp")),
	}
}

// Start starts both transports in a goroutine and returns once the
// listener is up.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, s.deps, s.logger)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("mcp server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mcp server failed", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts down the HTTP server and both transport sessions.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown mcp http server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown sse transport", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable http transport", zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the SSE URL for clients that use that transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://localhost:%d/mcp", s.cfg.Port)
}
