package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grovehq/grove/internal/coalesce"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/session"
)

// recentActionLines caps how many action lines the progress message
// shows; older ones collapse into a count.
const recentActionLines = 5

// Editable delivers through two in-place-edited messages per run: a
// progress message holding the tool-status block (with a cancel button)
// and an answer message holding the streamed text. Edits are throttled;
// a newer snapshot replaces a pending one.
type Editable struct {
	channel   string
	transport EditTransport
	limiter   *rate.Limiter
	log       *logger.Logger
	failures  atomic.Uint64

	mu         sync.Mutex
	runs       map[string]*editState
	keepalives map[string]chan bool
}

type editState struct {
	account string
	peer    Peer

	answer messageSlot
	status messageSlot
}

// messageSlot tracks one editable message and its newest pending text.
type messageSlot struct {
	messageID   string
	pending     *string
	buttons     []Button
	lastVersion uint64
	draining    bool
}

// NewEditable creates an edit-in-place adapter. limiter paces message
// edits per the channel's tolerance.
func NewEditable(channel string, transport EditTransport, limiter *rate.Limiter, log *logger.Logger) *Editable {
	return &Editable{
		channel:    channel,
		transport:  transport,
		limiter:    limiter,
		log:        log,
		runs:       make(map[string]*editState),
		keepalives: make(map[string]chan bool),
	}
}

func (e *Editable) Channel() string { return e.channel }

// Interactive is true: this adapter renders buttons and can ask
// keepalive questions.
func (e *Editable) Interactive() bool { return true }

// DeliveryFailures reports how many outbound calls the transport has
// refused since construction.
func (e *Editable) DeliveryFailures() uint64 { return e.failures.Load() }

// OnStarted creates fresh message state for the session's new run.
func (e *Editable) OnStarted(sessionKey string, meta StartMeta) {
	account, peer := e.addressFor(sessionKey)
	e.mu.Lock()
	e.runs[sessionKey] = &editState{account: account, peer: peer}
	e.mu.Unlock()
}

// EmitStreamOutput creates or edits the answer message.
func (e *Editable) EmitStreamOutput(snap coalesce.StreamSnapshot) {
	if snap.Text == "" {
		return
	}
	e.offer(snap.SessionKey, slotAnswer, snap.Version, snap.Text, nil)
}

// EmitToolStatus creates or edits the progress message, keeping the
// cancel control attached while the run is live.
func (e *Editable) EmitToolStatus(snap coalesce.StatusSnapshot) {
	text := CompactStatus(snap.Block, recentActionLines)
	var buttons []Button
	if !snap.Final {
		buttons = []Button{{Label: "Cancel", Action: ActionAbort}}
	}
	e.offer(snap.SessionKey, slotStatus, snap.Version, text, buttons)
}

// OnCompleted writes the final answer (or failure) into the answer
// message, strips the cancel control, sends media, and retires the run
// state once pending edits drain.
func (e *Editable) OnCompleted(sessionKey string, outcome Outcome) {
	e.resolveKeepalive(sessionKey, false, true)

	e.mu.Lock()
	st := e.runs[sessionKey]
	var hasStatus bool
	if st != nil {
		hasStatus = st.status.messageID != "" || st.status.pending != nil || st.status.draining
	}
	e.mu.Unlock()
	if st == nil {
		return
	}

	text := outcome.Answer
	var media []Attachment
	if outcome.OK {
		text, media = SplitMedia(outcome.Answer)
	} else {
		text = outcome.FailureText(maxFailureLen)
	}

	// Final edits flow through the slots so they serialize behind any
	// in-flight create or edit. The max version wins over every snapshot.
	if hasStatus {
		e.offer(sessionKey, slotStatus, ^uint64(0), finalStatusText(outcome), nil)
	}
	if text != "" {
		e.offer(sessionKey, slotAnswer, ^uint64(0), text, nil)
	}
	for _, batch := range BatchMedia(media, mediaBatchSize) {
		e.sendMedia(sessionKey, st.account, st.peer, batch)
	}

	go e.retire(sessionKey, st)
}

// retire waits for the session's drains to go idle, then drops the run
// state. A new run registered meanwhile is left untouched.
func (e *Editable) retire(sessionKey string, st *editState) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		busy := st.answer.draining || st.status.draining
		e.mu.Unlock()
		if !busy {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	e.mu.Lock()
	if e.runs[sessionKey] == st {
		delete(e.runs, sessionKey)
	}
	e.mu.Unlock()
}

// ConfirmKeepalive posts a keep-waiting prompt and blocks for the answer.
// Returns true to keep waiting; false on "stop", timeout, or ctx done.
func (e *Editable) ConfirmKeepalive(ctx context.Context, sessionKey string, timeout time.Duration) (bool, error) {
	account, peer := e.addressFor(sessionKey)

	answer := make(chan bool, 1)
	e.mu.Lock()
	if prev, ok := e.keepalives[sessionKey]; ok {
		close(prev)
	}
	e.keepalives[sessionKey] = answer
	e.mu.Unlock()
	defer e.resolveKeepalive(sessionKey, false, true)

	prompt := OutboundMessage{
		Channel: e.channel,
		Account: account,
		Peer:    peer,
		Text:    "Still working. Keep waiting?",
		Buttons: []Button{
			{Label: "Keep waiting", Action: ActionKeepaliveWait},
			{Label: "Stop run", Action: ActionKeepaliveStop},
		},
		Meta: map[string]string{"session_key": sessionKey},
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := e.transport.SendMessage(sendCtx, prompt); err != nil {
		return false, fmt.Errorf("keepalive prompt failed: %w", err)
	}

	select {
	case keep, ok := <-answer:
		return keep && ok, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ResolveKeepalive delivers the user's button answer. Unknown sessions
// are ignored.
func (e *Editable) ResolveKeepalive(sessionKey string, keepWaiting bool) {
	e.resolveKeepalive(sessionKey, keepWaiting, false)
}

func (e *Editable) resolveKeepalive(sessionKey string, keepWaiting, drop bool) {
	e.mu.Lock()
	ch, ok := e.keepalives[sessionKey]
	if ok {
		delete(e.keepalives, sessionKey)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if drop {
		close(ch)
		return
	}
	ch <- keepWaiting
}

type slotKind int

const (
	slotAnswer slotKind = iota
	slotStatus
)

func (e *Editable) offer(sessionKey string, kind slotKind, version uint64, text string, buttons []Button) {
	e.mu.Lock()
	st := e.runs[sessionKey]
	if st == nil {
		// Run already completed; late snapshots are dropped.
		e.mu.Unlock()
		return
	}
	slot := st.slot(kind)
	if version <= slot.lastVersion {
		e.mu.Unlock()
		return
	}
	slot.lastVersion = version
	slot.pending = &text
	slot.buttons = buttons
	if slot.draining {
		e.mu.Unlock()
		return
	}
	slot.draining = true
	account, peer := st.account, st.peer
	e.mu.Unlock()

	go e.drain(sessionKey, st, slot, account, peer)
}

func (st *editState) slot(kind slotKind) *messageSlot {
	if kind == slotAnswer {
		return &st.answer
	}
	return &st.status
}

func (e *Editable) drain(sessionKey string, st *editState, slot *messageSlot, account string, peer Peer) {
	for {
		e.mu.Lock()
		text := slot.pending
		buttons := slot.buttons
		msgID := slot.messageID
		slot.pending = nil
		if text == nil {
			slot.draining = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		if msgID == "" {
			id := e.create(sessionKey, account, peer, *text, buttons)
			if id != "" {
				e.mu.Lock()
				slot.messageID = id
				e.mu.Unlock()
			}
		} else {
			e.edit(account, peer, msgID, *text, buttons)
		}
	}
}

func (e *Editable) create(sessionKey, account string, peer Peer, text string, buttons []Button) string {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := e.wait(ctx); err != nil {
		return ""
	}
	id, err := e.transport.SendMessage(ctx, OutboundMessage{
		Channel: e.channel,
		Account: account,
		Peer:    peer,
		Text:    text,
		Buttons: buttons,
		Meta:    map[string]string{"session_key": sessionKey},
	})
	if err != nil {
		e.failures.Add(1)
		e.log.Error("outbound create failed",
			zap.String("channel", e.channel),
			zap.String("session_key", sessionKey),
			zap.Error(err))
		return ""
	}
	return id
}

func (e *Editable) edit(account string, peer Peer, messageID, text string, buttons []Button) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := e.wait(ctx); err != nil {
		return
	}
	if err := e.transport.EditMessage(ctx, account, peer, messageID, text, buttons); err != nil {
		e.failures.Add(1)
		e.log.Error("outbound edit failed",
			zap.String("channel", e.channel),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

func (e *Editable) sendMedia(sessionKey, account string, peer Peer, media []Attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := e.wait(ctx); err != nil {
		return
	}
	if _, err := e.transport.SendMessage(ctx, OutboundMessage{
		Channel: e.channel,
		Account: account,
		Peer:    peer,
		Media:   media,
		Meta:    map[string]string{"session_key": sessionKey},
	}); err != nil {
		e.failures.Add(1)
		e.log.Error("outbound media failed",
			zap.String("channel", e.channel),
			zap.String("session_key", sessionKey),
			zap.Error(err))
	}
}

func (e *Editable) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		e.log.Warn("edit rate wait aborted", zap.String("channel", e.channel), zap.Error(err))
		return err
	}
	return nil
}

func (e *Editable) addressFor(sessionKey string) (string, Peer) {
	parsed, err := session.Parse(sessionKey)
	if err != nil || parsed.Main {
		return "", Peer{Kind: PeerDM, ID: sessionKey}
	}
	return parsed.Account, Peer{Kind: string(parsed.PeerKind), ID: parsed.PeerID, ThreadID: parsed.ThreadID}
}

func finalStatusText(outcome Outcome) string {
	switch {
	case outcome.Cancelled:
		return "Run cancelled."
	case outcome.OK:
		return "Done."
	default:
		return "Run failed."
	}
}

// CompactStatus trims a tool-status block to the newest max action
// lines, summarizing the rest as a count after the header.
func CompactStatus(block string, max int) string {
	lines := strings.Split(block, "\n")
	if len(lines) <= 1 || len(lines)-1 <= max {
		return block
	}
	header := lines[0]
	actions := lines[1:]
	hidden := len(actions) - max
	out := make([]string, 0, max+2)
	out = append(out, header, fmt.Sprintf("(+%d earlier)", hidden))
	out = append(out, actions[hidden:]...)
	return strings.Join(out, "\n")
}
