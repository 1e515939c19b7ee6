package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/events"
	"github.com/grovehq/grove/internal/events/bus"
	"github.com/grovehq/grove/internal/session"
	ws "github.com/grovehq/grove/pkg/websocket"
)

// RunEventBroadcaster forwards run lifecycle events from the bus to
// connected webchat clients as notification frames.
type RunEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterRunEventNotifications subscribes to run and session events and
// mirrors them onto the hub. A nil bus yields an inert broadcaster.
func RegisterRunEventNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *RunEventBroadcaster {
	b := &RunEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_run_events")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildRunWildcardSubject(events.RunStarted), events.RunStarted)
	b.subscribe(eventBus, events.BuildRunWildcardSubject(events.RunCompleted), events.RunCompleted)
	b.subscribe(eventBus, events.BuildRunWildcardSubject(events.RunCancelled), events.RunCancelled)
	b.subscribe(eventBus, events.BuildRunWildcardSubject(events.RunRetried), events.RunRetried)
	b.subscribe(eventBus, events.BuildRunWildcardSubject(events.CompactionScheduled), events.CompactionScheduled)
	b.subscribe(eventBus, events.BuildSessionWildcardSubject(events.SessionCreated), events.SessionCreated)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close drops every live subscription.
func (b *RunEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *RunEventBroadcaster) subscribe(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build notification frame",
				zap.String("action", action), zap.Error(err))
			return nil
		}
		account, peerID := addressOf(event.Data)
		b.hub.Notify(account, peerID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// addressOf resolves the event's session key to a webchat peer. Events
// for other channels and control-plane sessions broadcast to everyone.
func addressOf(data map[string]any) (account, peerID string) {
	key, _ := data["session_key"].(string)
	if key == "" {
		return "", ""
	}
	parsed, err := session.Parse(key)
	if err != nil || parsed.Main || parsed.Channel != ChannelID {
		return "", ""
	}
	return parsed.Account, parsed.PeerID
}
