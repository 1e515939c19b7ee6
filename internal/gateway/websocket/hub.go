// Package websocket is the webchat transport: a gorilla/websocket hub
// that renders agent output as created-then-edited chat messages and
// feeds user turns and button presses into the router. It implements
// channels.EditTransport, so the edit-in-place adapter drives it like
// any other channel.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/channels"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/router"
	ws "github.com/grovehq/grove/pkg/websocket"
)

// ChannelID is the channel this gateway serves.
const ChannelID = "webchat"

// Intake is the slice of the router the gateway feeds.
type Intake interface {
	HandleInbound(ctx context.Context, msg *router.InboundMessage) (*router.Result, error)
}

// messagePayload is the body of message.create frames.
type messagePayload struct {
	MessageID string                `json:"message_id"`
	Account   string                `json:"account,omitempty"`
	Peer      channels.Peer         `json:"peer"`
	Text      string                `json:"text,omitempty"`
	Buttons   []channels.Button     `json:"buttons,omitempty"`
	Media     []channels.Attachment `json:"media,omitempty"`
	Meta      map[string]string     `json:"meta,omitempty"`
}

// editPayload is the body of message.edit frames.
type editPayload struct {
	MessageID string            `json:"message_id"`
	Text      string            `json:"text"`
	Buttons   []channels.Button `json:"buttons,omitempty"`
}

// Hub owns every webchat connection. Clients index by the peer they
// speak for; outbound messages go to that peer's connections, or to
// every connection when the peer is not connected (operator consoles
// watching control-plane sessions).
type Hub struct {
	intake     Intake
	dispatcher *ws.Dispatcher
	logger     *logger.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
	// peers[account/peerID] → that peer's connections.
	peers map[string]map[*Client]bool
}

// NewHub creates the hub and registers the built-in frame handlers.
func NewHub(intake Intake, log *logger.Logger) *Hub {
	h := &Hub{
		intake:     intake,
		dispatcher: ws.NewDispatcher(),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		peers:      make(map[string]map[*Client]bool),
	}
	h.dispatcher.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"channel": ChannelID,
		})
	})
	return h
}

// Run processes client registration until ctx is cancelled, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("webchat hub started")
	defer h.logger.Info("webchat hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendMessage implements channels.Transport. The gateway assigns the
// message id; the frontend materializes the message under it so later
// edits can address it.
func (h *Hub) SendMessage(ctx context.Context, msg channels.OutboundMessage) (string, error) {
	id := "wm-" + uuid.NewString()[:12]
	frame, err := ws.NewNotification(ws.ActionMessageCreate, messagePayload{
		MessageID: id,
		Account:   msg.Account,
		Peer:      msg.Peer,
		Text:      msg.Text,
		Buttons:   msg.Buttons,
		Media:     msg.Media,
		Meta:      msg.Meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build message frame: %w", err)
	}
	if err := h.deliver(msg.Account, msg.Peer.ID, frame); err != nil {
		return "", err
	}
	return id, nil
}

// EditMessage implements channels.EditTransport.
func (h *Hub) EditMessage(ctx context.Context, account string, peer channels.Peer, messageID, text string, buttons []channels.Button) error {
	frame, err := ws.NewNotification(ws.ActionMessageEdit, editPayload{
		MessageID: messageID,
		Text:      text,
		Buttons:   buttons,
	})
	if err != nil {
		return fmt.Errorf("failed to build edit frame: %w", err)
	}
	return h.deliver(account, peer.ID, frame)
}

// Notify pushes a frame to a peer's connections, or to everyone when
// the peer has none. Used by the run event bridge.
func (h *Hub) Notify(account, peerID string, frame *ws.Message) {
	_ = h.deliver(account, peerID, frame)
}

// deliver marshals once and fans out. Full client buffers drop the
// frame; the write pump cleans up dead connections.
func (h *Hub) deliver(account, peerID string, frame *ws.Message) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.peers[peerKey(account, peerID)]
	if len(targets) == 0 {
		for client := range h.clients {
			client.offer(data)
		}
		return nil
	}
	for client := range targets {
		client.offer(data)
	}
	return nil
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	key := peerKey(client.account, client.peerID)
	if h.peers[key] == nil {
		h.peers[key] = make(map[*Client]bool)
	}
	h.peers[key][client] = true
	h.mu.Unlock()

	h.logger.Debug("client registered",
		zap.String("client_id", client.ID),
		zap.String("account", client.account),
		zap.String("peer_id", client.peerID))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		key := peerKey(client.account, client.peerID)
		if peers, ok := h.peers[key]; ok {
			delete(peers, client)
			if len(peers) == 0 {
				delete(h.peers, key)
			}
		}
	}
	h.mu.Unlock()

	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.peers = make(map[string]map[*Client]bool)
}

func peerKey(account, peerID string) string {
	return account + "/" + peerID
}
