package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	ws "github.com/grovehq/grove/pkg/websocket"
)

// wsClient is a test WebSocket connection speaking for one webchat peer.
type wsClient struct {
	conn          *websocket.Conn
	t             *testing.T
	notifications chan *ws.Message
	done          chan struct{}
	send          chan []byte

	mu      sync.Mutex
	pending map[string]chan *ws.Message
}

// dialPeer connects to the test server's /ws endpoint as the given peer.
func dialPeer(t *testing.T, serverURL, account, peerID string) *wsClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") +
		"/ws?account=" + account + "&peer_id=" + peerID

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	c := &wsClient{
		conn:          conn,
		t:             t,
		notifications: make(chan *ws.Message, 100),
		done:          make(chan struct{}),
		send:          make(chan []byte, 64),
		pending:       make(map[string]chan *ws.Message),
	}
	go c.readPump()
	go c.writePump()
	t.Cleanup(c.Close)
	return c
}

// readPump routes notifications to the shared channel and responses to
// the request that is waiting for them.
func (c *wsClient) readPump() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == ws.MessageTypeNotification {
			select {
			case c.notifications <- &msg:
			default:
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- &msg:
			default:
			}
		}
	}
}

func (c *wsClient) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (c *wsClient) Close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.send)
	_ = c.conn.Close()
	<-c.done
}

// SendRequest sends one request frame and waits for its response or
// error frame.
func (c *wsClient) SendRequest(id, action string, payload interface{}) (*ws.Message, error) {
	msg, err := ws.NewRequest(id, action, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *ws.Message, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.send <- data:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("send buffer full")
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(10 * time.Second):
		return nil, context.DeadlineExceeded
	}
}

// WaitForNotification returns the next notification whose action has the
// given prefix, buffering nothing else it sees.
func (c *wsClient) WaitForNotification(actionPrefix string, timeout time.Duration) (*ws.Message, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.notifications:
			if strings.HasPrefix(msg.Action, actionPrefix) {
				return msg, nil
			}
		case <-deadline:
			return nil, context.DeadlineExceeded
		}
	}
}

// CollectNotifications drains notifications for the duration.
func (c *wsClient) CollectNotifications(duration time.Duration) []*ws.Message {
	var msgs []*ws.Message
	deadline := time.After(duration)
	for {
		select {
		case msg := <-c.notifications:
			msgs = append(msgs, msg)
		case <-deadline:
			return msgs
		}
	}
}

// messageTexts extracts the text of every message.create and
// message.edit frame in msgs.
func messageTexts(t *testing.T, msgs []*ws.Message) []string {
	t.Helper()
	var texts []string
	for _, msg := range msgs {
		switch msg.Action {
		case ws.ActionMessageCreate, ws.ActionMessageEdit:
			var p struct {
				Text string `json:"text"`
			}
			require.NoError(t, msg.ParsePayload(&p))
			texts = append(texts, p.Text)
		}
	}
	return texts
}

// containsText reports whether any collected frame text contains want.
func containsText(texts []string, want string) bool {
	for _, text := range texts {
		if strings.Contains(text, want) {
			return true
		}
	}
	return false
}
