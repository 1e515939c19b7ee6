package channels

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grovehq/grove/internal/coalesce"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/session"
)

const (
	// maxFailureLen bounds user-visible error messages.
	maxFailureLen = 1000
	// mediaBatchSize caps attachments per outbound call.
	mediaBatchSize = 10
	sendTimeout    = 10 * time.Second
)

// Generic delivers snapshots as plain messages: no edits, no controls.
// Only the most recent undelivered snapshot per session is kept; older
// ones are dropped to respect transport rate limits.
type Generic struct {
	channel   string
	transport Transport
	limiter   *rate.Limiter
	log       *logger.Logger
	failures  atomic.Uint64

	mu    sync.Mutex
	slots map[string]*sendSlot
}

type sendSlot struct {
	pending     *OutboundMessage
	lastVersion uint64
	draining    bool
}

// NewGeneric creates a plain-enqueue adapter. limiter may be nil for
// transports without rate constraints.
func NewGeneric(channel string, transport Transport, limiter *rate.Limiter, log *logger.Logger) *Generic {
	return &Generic{
		channel:   channel,
		transport: transport,
		limiter:   limiter,
		log:       log,
		slots:     make(map[string]*sendSlot),
	}
}

func (g *Generic) Channel() string { return g.channel }

// DeliveryFailures reports how many outbound calls the transport has
// refused since construction.
func (g *Generic) DeliveryFailures() uint64 { return g.failures.Load() }

// Interactive is false: plain channels cannot confirm keepalives or
// render cancel controls.
func (g *Generic) Interactive() bool { return false }

// OnStarted resets per-session delivery state so a new run's version
// numbering starts fresh.
func (g *Generic) OnStarted(sessionKey string, meta StartMeta) {
	g.mu.Lock()
	delete(g.slots, "stream:"+sessionKey)
	delete(g.slots, "status:"+sessionKey)
	g.mu.Unlock()
}

// EmitStreamOutput enqueues the snapshot, replacing any undelivered one.
func (g *Generic) EmitStreamOutput(snap coalesce.StreamSnapshot) {
	if snap.Text == "" {
		return
	}
	msg := g.addressFor(snap.SessionKey)
	msg.Text = snap.Text
	g.offer("stream:"+snap.SessionKey, snap.Version, msg)
}

// EmitToolStatus enqueues the rendered block, replacing any undelivered
// one.
func (g *Generic) EmitToolStatus(snap coalesce.StatusSnapshot) {
	msg := g.addressFor(snap.SessionKey)
	msg.Text = snap.Block
	g.offer("status:"+snap.SessionKey, snap.Version, msg)
}

// OnCompleted sends the failure text or any answer content the stream
// path did not carry: media attachments, or the whole answer when no
// snapshot was ever emitted.
func (g *Generic) OnCompleted(sessionKey string, outcome Outcome) {
	if !outcome.OK {
		msg := g.addressFor(sessionKey)
		msg.Text = outcome.FailureText(maxFailureLen)
		g.send(msg)
		return
	}

	text, media := SplitMedia(outcome.Answer)

	g.mu.Lock()
	slot := g.slots["stream:"+sessionKey]
	streamed := slot != nil && slot.lastVersion > 0
	g.mu.Unlock()

	if !streamed && text != "" {
		msg := g.addressFor(sessionKey)
		msg.Text = text
		g.send(msg)
	}
	for _, batch := range BatchMedia(media, mediaBatchSize) {
		msg := g.addressFor(sessionKey)
		msg.Media = batch
		g.send(msg)
	}
}

// offer stores the newest snapshot for the slot and starts a drain if
// none is running.
func (g *Generic) offer(key string, version uint64, msg OutboundMessage) {
	g.mu.Lock()
	slot, ok := g.slots[key]
	if !ok {
		slot = &sendSlot{}
		g.slots[key] = slot
	}
	if version <= slot.lastVersion {
		g.mu.Unlock()
		return
	}
	slot.lastVersion = version
	slot.pending = &msg
	if slot.draining {
		g.mu.Unlock()
		return
	}
	slot.draining = true
	g.mu.Unlock()

	go g.drain(slot)
}

func (g *Generic) drain(slot *sendSlot) {
	for {
		g.mu.Lock()
		msg := slot.pending
		slot.pending = nil
		if msg == nil {
			slot.draining = false
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()

		g.send(*msg)
	}
}

// send pushes one message through the limiter and transport. Delivery
// failures are logged, never propagated to the run.
func (g *Generic) send(msg OutboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.log.Warn("outbound rate wait aborted",
				zap.String("channel", g.channel),
				zap.Error(err))
			return
		}
	}
	if _, err := g.transport.SendMessage(ctx, msg); err != nil {
		g.failures.Add(1)
		g.log.Error("outbound send failed",
			zap.String("channel", g.channel),
			zap.String("session_key", msg.Meta["session_key"]),
			zap.Error(err))
	}
}

// addressFor derives the outbound address from the session key. Channel
// sessions carry their peer in the key; other sessions are addressed by
// key alone and routed by the transport via meta.
func (g *Generic) addressFor(sessionKey string) OutboundMessage {
	msg := OutboundMessage{
		Channel: g.channel,
		Meta:    map[string]string{"session_key": sessionKey},
	}
	parsed, err := session.Parse(sessionKey)
	if err != nil || parsed.Main {
		msg.Peer = Peer{Kind: PeerDM, ID: sessionKey}
		return msg
	}
	msg.Account = parsed.Account
	msg.Peer = Peer{Kind: string(parsed.PeerKind), ID: parsed.PeerID, ThreadID: parsed.ThreadID}
	return msg
}
