package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovehq/grove/internal/coalesce"
	"github.com/grovehq/grove/internal/common/logger"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// fakeTransport records sends. When block is set, each SendMessage first
// signals arrived and then waits for one token, so tests can hold a
// delivery in flight while more snapshots queue up.
type fakeTransport struct {
	mu      sync.Mutex
	sends   []OutboundMessage
	nextID  int
	sendErr error

	block   chan struct{}
	arrived chan struct{}
}

func (f *fakeTransport) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	if f.block != nil {
		f.arrived <- struct{}{}
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sends = append(f.sends, msg)
	return fmt.Sprintf("m%d", f.nextID), nil
}

func (f *fakeTransport) sent() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboundMessage, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

const genericKey = "agent:main:telegram:acct:dm:u1"

func streamSnap(key, text string, version uint64) coalesce.StreamSnapshot {
	return coalesce.StreamSnapshot{SessionKey: key, Channel: "telegram", Text: text, Version: version}
}

func TestGeneric_DeliversLatestSnapshotOnly(t *testing.T) {
	tr := &fakeTransport{block: make(chan struct{}), arrived: make(chan struct{}, 10)}
	g := NewGeneric("telegram", tr, nil, testLogger())
	g.OnStarted(genericKey, StartMeta{})

	g.EmitStreamOutput(streamSnap(genericKey, "one", 1))
	<-tr.arrived // first delivery is parked in the transport

	g.EmitStreamOutput(streamSnap(genericKey, "two", 2))
	g.EmitStreamOutput(streamSnap(genericKey, "three", 3))

	tr.block <- struct{}{}
	<-tr.arrived // drain moved on to the coalesced snapshot
	tr.block <- struct{}{}

	require.Eventually(t, func() bool { return tr.sendCount() == 2 }, time.Second, 5*time.Millisecond)
	sends := tr.sent()
	assert.Equal(t, "one", sends[0].Text)
	assert.Equal(t, "three", sends[1].Text)
}

func TestGeneric_DropsStaleVersions(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGeneric("telegram", tr, nil, testLogger())

	g.EmitStreamOutput(streamSnap(genericKey, "two", 2))
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	g.EmitStreamOutput(streamSnap(genericKey, "one", 1))
	g.EmitStreamOutput(streamSnap(genericKey, "three", 3))

	require.Eventually(t, func() bool { return tr.sendCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "three", tr.sent()[1].Text)
}

func TestGeneric_OnStartedResetsVersions(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGeneric("telegram", tr, nil, testLogger())

	g.EmitStreamOutput(streamSnap(genericKey, "old run", 5))
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	g.OnStarted(genericKey, StartMeta{})
	g.EmitStreamOutput(streamSnap(genericKey, "new run", 1))

	require.Eventually(t, func() bool { return tr.sendCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "new run", tr.sent()[1].Text)
}

func TestGeneric_AddressesFromSessionKey(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGeneric("telegram", tr, nil, testLogger())

	g.EmitStreamOutput(streamSnap("agent:main:telegram:work:group:g7:thread:t2", "hi", 1))
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	msg := tr.sent()[0]
	assert.Equal(t, "work", msg.Account)
	assert.Equal(t, Peer{Kind: PeerGroup, ID: "g7", ThreadID: "t2"}, msg.Peer)
	assert.Equal(t, "agent:main:telegram:work:group:g7:thread:t2", msg.Meta["session_key"])
}

func TestGeneric_MainKeyFallsBackToMeta(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGeneric("webchat", tr, nil, testLogger())

	g.EmitStreamOutput(streamSnap("agent:ops:main", "hi", 1))
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	msg := tr.sent()[0]
	assert.Empty(t, msg.Account)
	assert.Equal(t, Peer{Kind: PeerDM, ID: "agent:ops:main"}, msg.Peer)
	assert.Equal(t, "agent:ops:main", msg.Meta["session_key"])
}

func TestGeneric_ToolStatusUsesOwnSlot(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGeneric("telegram", tr, nil, testLogger())

	g.EmitStreamOutput(streamSnap(genericKey, "answer text", 1))
	g.EmitToolStatus(coalesce.StatusSnapshot{SessionKey: genericKey, Block: "Tool calls:\ncommand(ls) [running]", Version: 1})

	require.Eventually(t, func() bool { return tr.sendCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestGeneric_CompletedFailure(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGeneric("telegram", tr, nil, testLogger())

	g.OnCompleted(genericKey, Outcome{
		OK:           false,
		ErrorText:    "engine died",
		ResumeSuffix: "reply with mock:7 to continue",
	})

	require.Equal(t, 1, tr.sendCount())
	msg := tr.sent()[0]
	assert.Equal(t, "engine died\nreply with mock:7 to continue", msg.Text)
	assert.Equal(t, "acct", msg.Account)
}

func TestGeneric_CompletedSendsAnswerWhenNotStreamed(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGeneric("telegram", tr, nil, testLogger())

	g.OnCompleted(genericKey, Outcome{OK: true, Answer: "text answer\nMEDIA: /tmp/a.png"})

	require.Equal(t, 2, tr.sendCount())
	sends := tr.sent()
	assert.Equal(t, "text answer", sends[0].Text)
	require.Len(t, sends[1].Media, 1)
	assert.Equal(t, "/tmp/a.png", sends[1].Media[0].URL)
}

func TestGeneric_CompletedSkipsAnswerWhenStreamed(t *testing.T) {
	tr := &fakeTransport{}
	g := NewGeneric("telegram", tr, nil, testLogger())

	g.EmitStreamOutput(streamSnap(genericKey, "full answer", 1))
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	g.OnCompleted(genericKey, Outcome{OK: true, Answer: "full answer\nMEDIA: /tmp/a.png"})

	require.Equal(t, 2, tr.sendCount())
	sends := tr.sent()
	assert.Empty(t, sends[1].Text)
	assert.Len(t, sends[1].Media, 1)
}

func TestGeneric_CountsDeliveryFailures(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("gateway refused")}
	g := NewGeneric("telegram", tr, nil, testLogger())

	g.OnCompleted(genericKey, Outcome{OK: false, ErrorText: "boom"})

	assert.Equal(t, uint64(1), g.DeliveryFailures())
	assert.Zero(t, tr.sendCount())
}
