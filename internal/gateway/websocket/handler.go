package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/session"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy belongs to the deployment's edge proxy.
		return true
	},
}

// Handler upgrades webchat connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates the upgrade handler for the given hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request and pumps frames until the
// peer disconnects. Query params pin the peer identity: account
// (default "default"), peer_id (defaults to the connection id) and
// peer_kind (dm or group).
func (h *Handler) HandleConnection(c *gin.Context) {
	account := c.DefaultQuery("account", "default")

	kind := session.PeerKind(c.DefaultQuery("peer_kind", string(session.PeerDM)))
	if kind != session.PeerDM && kind != session.PeerGroup {
		c.JSON(http.StatusBadRequest, gin.H{"error": "peer_kind must be dm or group"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	peerID := c.Query("peer_id")
	if peerID == "" {
		peerID = clientID
	}

	client := NewClient(clientID, account, peerID, kind, conn, h.hub, h.logger)
	h.hub.Register(client)

	h.logger.Info("webchat client connected",
		zap.String("client_id", clientID),
		zap.String("account", account),
		zap.String("peer_id", peerID))

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
