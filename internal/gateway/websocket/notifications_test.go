package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovehq/grove/internal/events"
	"github.com/grovehq/grove/internal/events/bus"
	ws "github.com/grovehq/grove/pkg/websocket"
)

func TestAddressOf(t *testing.T) {
	tests := []struct {
		name        string
		data        map[string]any
		wantAccount string
		wantPeer    string
	}{
		{
			name:        "webchat session targets its peer",
			data:        map[string]any{"session_key": "agent:ops:webchat:default:dm:alice"},
			wantAccount: "default",
			wantPeer:    "alice",
		},
		{
			name: "control-plane session broadcasts",
			data: map[string]any{"session_key": "agent:ops:main"},
		},
		{
			name: "other channel broadcasts",
			data: map[string]any{"session_key": "agent:ops:telegram:work:dm:42"},
		},
		{
			name: "garbage key broadcasts",
			data: map[string]any{"session_key": "not a key"},
		},
		{
			name: "missing key broadcasts",
			data: map[string]any{"run_id": "run-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, peerID := addressOf(tt.data)
			assert.Equal(t, tt.wantAccount, account)
			assert.Equal(t, tt.wantPeer, peerID)
		})
	}
}

func TestRunEventBroadcasterDeliversToPeer(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	hub := NewHub(&fakeIntake{}, log)
	alice := newTestClient(t, hub, "default", "alice")
	bob := newTestClient(t, hub, "default", "bob")
	hub.addClient(alice)
	hub.addClient(bob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := RegisterRunEventNotifications(ctx, eventBus, hub, log)
	defer b.Close()
	require.NotEmpty(t, b.subscriptions)

	event := bus.NewEvent(events.RunStarted, "run", map[string]any{
		"run_id":      "run-1",
		"session_key": "agent:ops:webchat:default:dm:alice",
	})
	require.NoError(t, eventBus.Publish(ctx,
		events.BuildRunEventSubject(events.RunStarted, "run-1"), event))

	frame := recvFrame(t, alice)
	assert.Equal(t, ws.MessageTypeNotification, frame.Type)
	assert.Equal(t, events.RunStarted, frame.Action)

	var data map[string]any
	require.NoError(t, frame.ParsePayload(&data))
	assert.Equal(t, "run-1", data["run_id"])

	assertNoFrame(t, bob)
}

func TestRunEventBroadcasterBroadcastsControlPlaneRuns(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	hub := NewHub(&fakeIntake{}, log)
	watcher := newTestClient(t, hub, "default", "console")
	hub.addClient(watcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := RegisterRunEventNotifications(ctx, eventBus, hub, log)
	defer b.Close()

	event := bus.NewEvent(events.RunCompleted, "run", map[string]any{
		"run_id":      "run-9",
		"session_key": "agent:ops:main",
		"ok":          true,
	})
	require.NoError(t, eventBus.Publish(ctx,
		events.BuildRunEventSubject(events.RunCompleted, "run-9"), event))

	frame := recvFrame(t, watcher)
	assert.Equal(t, events.RunCompleted, frame.Action)
}

func TestRunEventBroadcasterNilBus(t *testing.T) {
	hub := NewHub(&fakeIntake{}, testLogger(t))
	b := RegisterRunEventNotifications(context.Background(), nil, hub, testLogger(t))
	require.NotNil(t, b)
	assert.Empty(t, b.subscriptions)
	b.Close()
}

func TestRunEventBroadcasterCloseStopsDelivery(t *testing.T) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	hub := NewHub(&fakeIntake{}, log)
	watcher := newTestClient(t, hub, "default", "console")
	hub.addClient(watcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := RegisterRunEventNotifications(ctx, eventBus, hub, log)
	b.Close()

	event := bus.NewEvent(events.RunStarted, "run", map[string]any{
		"run_id":      "run-2",
		"session_key": "agent:ops:main",
	})
	require.NoError(t, eventBus.Publish(ctx,
		events.BuildRunEventSubject(events.RunStarted, "run-2"), event))

	time.Sleep(100 * time.Millisecond)
	assertNoFrame(t, watcher)
}
