package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovehq/grove/internal/coalesce"
)

type editCall struct {
	account   string
	peer      Peer
	messageID string
	text      string
	buttons   []Button
}

type fakeEditTransport struct {
	fakeTransport
	editMu sync.Mutex
	edits  []editCall
}

func (f *fakeEditTransport) EditMessage(ctx context.Context, account string, peer Peer, messageID, text string, buttons []Button) error {
	f.editMu.Lock()
	defer f.editMu.Unlock()
	f.edits = append(f.edits, editCall{account, peer, messageID, text, buttons})
	return nil
}

func (f *fakeEditTransport) edited() []editCall {
	f.editMu.Lock()
	defer f.editMu.Unlock()
	out := make([]editCall, len(f.edits))
	copy(out, f.edits)
	return out
}

func (f *fakeEditTransport) editCount() int {
	f.editMu.Lock()
	defer f.editMu.Unlock()
	return len(f.edits)
}

const editKey = "agent:main:webchat:web:dm:u1"

func statusSnap(key, block string, version uint64, final bool) coalesce.StatusSnapshot {
	return coalesce.StatusSnapshot{SessionKey: key, Channel: "webchat", Block: block, Version: version, Final: final}
}

func TestEditable_CreateThenEdit(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())
	e.OnStarted(editKey, StartMeta{})

	e.EmitStreamOutput(streamSnap(editKey, "partial one", 1))
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)
	first := tr.sent()[0]
	assert.Equal(t, "partial one", first.Text)
	assert.Empty(t, first.Buttons)

	e.EmitStreamOutput(streamSnap(editKey, "partial one two", 2))
	require.Eventually(t, func() bool { return tr.editCount() == 1 }, time.Second, 5*time.Millisecond)
	edit := tr.edited()[0]
	assert.Equal(t, "m1", edit.messageID)
	assert.Equal(t, "partial one two", edit.text)

	assert.Equal(t, 1, tr.sendCount())
}

func TestEditable_StatusCarriesCancelButton(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())
	e.OnStarted(editKey, StartMeta{})

	e.EmitToolStatus(statusSnap(editKey, "Tool calls:\ncommand(ls) [running]", 1, false))
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)
	first := tr.sent()[0]
	require.Len(t, first.Buttons, 1)
	assert.Equal(t, "Cancel", first.Buttons[0].Label)
	assert.Equal(t, ActionAbort, first.Buttons[0].Action)

	e.EmitToolStatus(statusSnap(editKey, "Tool calls:\ncommand(ls) [ok]", 2, true))
	require.Eventually(t, func() bool { return tr.editCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.edited()[0].buttons)
}

func TestEditable_CompletedEditsFinalTexts(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())
	e.OnStarted(editKey, StartMeta{})

	e.EmitToolStatus(statusSnap(editKey, "Tool calls:\ncommand(go test) [running]", 1, false))
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)
	e.EmitStreamOutput(streamSnap(editKey, "partial", 1))
	require.Eventually(t, func() bool { return tr.sendCount() == 2 }, time.Second, 5*time.Millisecond)

	e.OnCompleted(editKey, Outcome{RunID: "r1", OK: true, Answer: "final answer"})

	require.Eventually(t, func() bool { return tr.editCount() == 2 }, time.Second, 5*time.Millisecond)
	byID := map[string]editCall{}
	for _, ec := range tr.edited() {
		byID[ec.messageID] = ec
	}
	require.Contains(t, byID, "m1")
	require.Contains(t, byID, "m2")
	assert.Equal(t, "Done.", byID["m1"].text)
	assert.Empty(t, byID["m1"].buttons)
	assert.Equal(t, "final answer", byID["m2"].text)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, ok := e.runs[editKey]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEditable_CompletedWithoutStatusSkipsDone(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())
	e.OnStarted(editKey, StartMeta{})

	e.EmitStreamOutput(streamSnap(editKey, "partial", 1))
	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)

	e.OnCompleted(editKey, Outcome{OK: true, Answer: "final"})

	require.Eventually(t, func() bool { return tr.editCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "final", tr.edited()[0].text)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, tr.sendCount())
}

func TestEditable_FailureCreatesAnswerMessage(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())
	e.OnStarted(editKey, StartMeta{})

	e.OnCompleted(editKey, Outcome{OK: false, ErrorText: "engine died", ResumeSuffix: "reply with mock:3 to continue"})

	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "engine died\nreply with mock:3 to continue", tr.sent()[0].Text)
	assert.Zero(t, tr.editCount())
}

func TestEditable_CompletedUnknownSessionIgnored(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())

	e.OnCompleted(editKey, Outcome{OK: true, Answer: "final"})

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, tr.sendCount())
	assert.Zero(t, tr.editCount())
}

func TestEditable_MediaBatches(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())
	e.OnStarted(editKey, StartMeta{})

	var b strings.Builder
	b.WriteString("see attached")
	for i := 0; i < 12; i++ {
		b.WriteString("\nMEDIA: /tmp/img.png")
	}
	e.OnCompleted(editKey, Outcome{OK: true, Answer: b.String()})

	require.Eventually(t, func() bool { return tr.sendCount() == 3 }, time.Second, 5*time.Millisecond)
	var mediaLens []int
	var sawText bool
	for _, msg := range tr.sent() {
		if len(msg.Media) > 0 {
			mediaLens = append(mediaLens, len(msg.Media))
		}
		if msg.Text == "see attached" {
			sawText = true
		}
	}
	assert.True(t, sawText)
	assert.ElementsMatch(t, []int{10, 2}, mediaLens)
}

type confirmResult struct {
	keep bool
	err  error
}

func TestEditable_ConfirmKeepaliveWait(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())

	resCh := make(chan confirmResult, 1)
	go func() {
		keep, err := e.ConfirmKeepalive(context.Background(), editKey, 2*time.Second)
		resCh <- confirmResult{keep, err}
	}()

	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)
	prompt := tr.sent()[0]
	require.Len(t, prompt.Buttons, 2)
	assert.Equal(t, ActionKeepaliveWait, prompt.Buttons[0].Action)
	assert.Equal(t, ActionKeepaliveStop, prompt.Buttons[1].Action)

	e.ResolveKeepalive(editKey, true)

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.True(t, res.keep)
	case <-time.After(time.Second):
		t.Fatal("confirm did not return")
	}
}

func TestEditable_ConfirmKeepaliveStop(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())

	resCh := make(chan confirmResult, 1)
	go func() {
		keep, err := e.ConfirmKeepalive(context.Background(), editKey, 2*time.Second)
		resCh <- confirmResult{keep, err}
	}()

	require.Eventually(t, func() bool { return tr.sendCount() == 1 }, time.Second, 5*time.Millisecond)
	e.ResolveKeepalive(editKey, false)

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.False(t, res.keep)
	case <-time.After(time.Second):
		t.Fatal("confirm did not return")
	}
}

func TestEditable_ConfirmKeepaliveTimeout(t *testing.T) {
	tr := &fakeEditTransport{}
	e := NewEditable("webchat", tr, nil, testLogger())

	keep, err := e.ConfirmKeepalive(context.Background(), editKey, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, keep)
}

func TestCompactStatus(t *testing.T) {
	block := "Tool calls:\na1\na2\na3\na4\na5\na6\na7\na8"
	out := CompactStatus(block, 5)

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "Tool calls:", lines[0])
	assert.Equal(t, "(+3 earlier)", lines[1])
	assert.Equal(t, "a4", lines[2])
	assert.Equal(t, "a8", lines[6])

	short := "Tool calls:\na1\na2"
	assert.Equal(t, short, CompactStatus(short, 5))
	assert.Equal(t, "Tool calls:", CompactStatus("Tool calls:", 5))
}

func TestEditable_CountsDeliveryFailures(t *testing.T) {
	tr := &fakeEditTransport{fakeTransport: fakeTransport{sendErr: errors.New("gateway refused")}}
	e := NewEditable("webchat", tr, nil, testLogger())
	e.OnStarted(editKey, StartMeta{})

	e.EmitStreamOutput(streamSnap(editKey, "partial", 1))

	require.Eventually(t, func() bool { return e.DeliveryFailures() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, tr.sendCount())
}
