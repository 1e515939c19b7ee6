package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/channels"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/router"
	"github.com/grovehq/grove/internal/session"
	ws "github.com/grovehq/grove/pkg/websocket"
)

const (
	// writeWait bounds one write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the connection may stay silent.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps one inbound frame.
	maxMessageSize = 512 * 1024
)

// Client is one webchat connection, bound to the peer it speaks for.
type Client struct {
	ID       string
	account  string
	peerID   string
	peerKind session.PeerKind

	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id, account, peerID string, peerKind session.PeerKind, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		account:  account,
		peerID:   peerID,
		peerKind: peerKind,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// userMessagePayload is the body of user.message frames.
type userMessagePayload struct {
	Text      string            `json:"text"`
	MessageID string            `json:"message_id,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// pressPayload is the body of action.press frames. SessionKey comes
// from the meta the button's message carried.
type pressPayload struct {
	Action     string `json:"action"`
	SessionKey string `json:"session_key,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// ReadPump reads frames until the connection dies, then unregisters.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read failed", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid frame", nil)
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

// handleMessage routes one inbound frame. Turn and press frames need
// the client's peer identity, so they are handled here; everything else
// goes through the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("frame received",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionUserMessage:
		c.handleUserMessage(ctx, msg)
		return
	case ws.ActionPress:
		c.handlePress(ctx, msg)
		return
	}

	resp, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("frame handler failed",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if resp != nil {
		c.sendMessage(resp)
	}
}

// handleUserMessage feeds one user turn into the router and answers
// with the routing result.
func (c *Client) handleUserMessage(ctx context.Context, msg *ws.Message) {
	var p userMessagePayload
	if err := msg.ParsePayload(&p); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if p.Text == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "text is required", nil)
		return
	}

	res, err := c.hub.intake.HandleInbound(ctx, &router.InboundMessage{
		Channel:       ChannelID,
		Account:       c.account,
		PeerKind:      c.peerKind,
		PeerID:        c.peerID,
		ThreadID:      p.ThreadID,
		Text:          p.Text,
		UserMessageID: p.MessageID,
		Meta:          p.Meta,
	})
	if err != nil {
		c.sendError(msg.ID, msg.Action, frameErrorCode(err), err.Error(), nil)
		return
	}
	c.respond(msg, res)
}

// handlePress turns a button press into the matching control verb.
func (c *Client) handlePress(ctx context.Context, msg *ws.Message) {
	var p pressPayload
	if err := msg.ParsePayload(&p); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}

	inbound := &router.InboundMessage{
		Channel:            ChannelID,
		Account:            c.account,
		PeerKind:           c.peerKind,
		PeerID:             c.peerID,
		SessionKeyOverride: p.SessionKey,
	}
	switch p.Action {
	case channels.ActionAbort:
		inbound.Control = router.ControlAbort
	case channels.ActionKeepaliveWait:
		inbound.Control = router.ControlKeepalive
		inbound.ControlArg = router.KeepaliveWait
	case channels.ActionKeepaliveStop:
		inbound.Control = router.ControlKeepalive
		inbound.ControlArg = router.KeepaliveStop
	default:
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "unknown button action: "+p.Action, nil)
		return
	}

	res, err := c.hub.intake.HandleInbound(ctx, inbound)
	if err != nil {
		c.sendError(msg.ID, msg.Action, frameErrorCode(err), err.Error(), nil)
		return
	}
	c.respond(msg, res)
}

func (c *Client) respond(msg *ws.Message, payload interface{}) {
	resp, err := ws.NewResponse(msg.ID, msg.Action, payload)
	if err != nil {
		c.logger.Error("failed to build response frame", zap.Error(err))
		return
	}
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	c.offer(data)
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("failed to build error frame", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// offer queues a frame without blocking. A full buffer drops the frame.
func (c *Client) offer(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame")
	}
}

// WritePump writes queued frames and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			// Flush whatever else is queued into the same write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// frameErrorCode maps router errors onto frame error codes.
func frameErrorCode(err error) string {
	switch {
	case errors.Is(err, router.ErrUnknownAgent), errors.Is(err, router.ErrNoActiveRun):
		return ws.ErrorCodeNotFound
	case errors.Is(err, router.ErrBadSessionKey):
		return ws.ErrorCodeBadRequest
	default:
		return ws.ErrorCodeInternalError
	}
}
