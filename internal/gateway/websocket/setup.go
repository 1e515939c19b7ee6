package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/grovehq/grove/internal/common/logger"
)

// Gateway bundles the webchat hub with its upgrade handler.
type Gateway struct {
	Hub     *Hub
	Handler *Handler
	logger  *logger.Logger
}

// NewGateway wires a hub and its upgrade handler around the given
// intake. The caller starts the hub with Hub.Run and mounts Endpoint
// on the HTTP server.
func NewGateway(intake Intake, log *logger.Logger) *Gateway {
	hub := NewHub(intake, log)
	return &Gateway{
		Hub:     hub,
		Handler: NewHandler(hub, log),
		logger:  log,
	}
}

// Endpoint returns the gin handler serving websocket upgrades.
func (g *Gateway) Endpoint() gin.HandlerFunc {
	return g.Handler.HandleConnection
}
