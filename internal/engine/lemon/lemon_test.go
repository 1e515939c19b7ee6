package lemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovehq/grove/internal/engine"
)

// fakeDecoder replays fixed events. With gate set it keeps the exchange
// open after the events until released or the context dies.
type fakeDecoder struct {
	ctx    context.Context
	events []ssestream.Event
	i      int
	gate   chan struct{}
}

func (d *fakeDecoder) Next() bool {
	if d.i < len(d.events) {
		d.i++
		return true
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-d.ctx.Done():
		}
	}
	return false
}

func (d *fakeDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *fakeDecoder) Close() error { return nil }

func (d *fakeDecoder) Err() error { return nil }

type fakeMessages struct {
	mu    sync.Mutex
	calls []sdk.MessageNewParams
	legs  [][]ssestream.Event
	gates []chan struct{}
}

func (f *fakeMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, body)
	var events []ssestream.Event
	if idx < len(f.legs) {
		events = f.legs[idx]
	}
	var gate chan struct{}
	if idx < len(f.gates) {
		gate = f.gates[idx]
	}
	f.mu.Unlock()
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&fakeDecoder{ctx: ctx, events: events, gate: gate}, nil)
}

func (f *fakeMessages) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeMessages) call(i int) sdk.MessageNewParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func sseEvent(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func textEvent(text string) ssestream.Event {
	return sseEvent("content_block_delta",
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text))
}

func closeEvents(inTok, outTok int) []ssestream.Event {
	return []ssestream.Event{
		sseEvent("message_delta",
			fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":%d,"output_tokens":%d}}`, inTok, outTok)),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	}
}

func textLeg(inTok, outTok int, texts ...string) []ssestream.Event {
	events := []ssestream.Event{sseEvent("message_start", `{"type":"message_start"}`)}
	for _, text := range texts {
		events = append(events, textEvent(text))
	}
	return append(events, closeEvents(inTok, outTok)...)
}

type capture struct {
	mu     sync.Mutex
	events []engine.Event
	done   chan struct{}
}

func newCapture() *capture { return &capture{done: make(chan struct{})} }

func (c *capture) sink(ev engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if _, ok := ev.(engine.Completed); ok {
		close(c.done)
	}
}

func (c *capture) all() []engine.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *capture) deltaCount() int {
	n := 0
	for _, ev := range c.all() {
		if _, ok := ev.(engine.Delta); ok {
			n++
		}
	}
	return n
}

func (c *capture) waitDone(t *testing.T) engine.Completed {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete")
	}
	for _, ev := range c.all() {
		if done, ok := ev.(engine.Completed); ok {
			return done
		}
	}
	t.Fatal("no completed event")
	return engine.Completed{}
}

func newTestEngine(t *testing.T, fm *fakeMessages) *Engine {
	t.Helper()
	eng, err := New(fm, Config{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)
	return eng
}

func marshalMessages(t *testing.T, params sdk.MessageNewParams) string {
	t.Helper()
	b, err := json.Marshal(params.Messages)
	require.NoError(t, err)
	return string(b)
}

func TestRunStreamsAndCompletes(t *testing.T) {
	fm := &fakeMessages{legs: [][]ssestream.Event{textLeg(10, 5, "Hello, ", "world")}}
	eng := newTestEngine(t, fm)

	c := newCapture()
	_, id, err := eng.StartRun(context.Background(), &engine.Job{Text: "hi"}, engine.StartOpts{SystemPrompt: "be brief"}, c.sink)
	require.NoError(t, err)
	assert.Equal(t, "lemon-1", id)

	done := c.waitDone(t)
	assert.True(t, done.OK)
	assert.Equal(t, "Hello, world", done.Answer)
	assert.Equal(t, int64(10), done.Usage.InputTokens)
	assert.Equal(t, int64(5), done.Usage.OutputTokens)
	assert.Equal(t, int64(15), done.Usage.ContextUsed)
	assert.Equal(t, int64(defaultContextLimit), done.Usage.ContextLimit)
	require.NotNil(t, done.Resume)
	assert.Equal(t, "lemon", done.Resume.Engine)
	assert.NotEmpty(t, done.Resume.Value)

	events := c.all()
	started, ok := events[0].(engine.Started)
	require.True(t, ok)
	assert.Equal(t, "lemon", started.Engine)

	var seqs []uint64
	for _, ev := range events {
		if d, ok := ev.(engine.Delta); ok {
			seqs = append(seqs, d.Seq)
		}
	}
	assert.Equal(t, []uint64{1, 2}, seqs)

	require.Equal(t, 1, fm.callCount())
	params := fm.call(0)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), params.Model)
	assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)
	require.Len(t, params.Messages, 1)
	assert.Contains(t, marshalMessages(t, params), "hi")
}

func TestModelOverride(t *testing.T) {
	fm := &fakeMessages{legs: [][]ssestream.Event{textLeg(1, 1, "ok")}}
	eng := newTestEngine(t, fm)

	c := newCapture()
	_, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "hi", Model: "claude-opus-4-1"}, engine.StartOpts{}, c.sink)
	require.NoError(t, err)
	c.waitDone(t)

	assert.Equal(t, sdk.Model("claude-opus-4-1"), fm.call(0).Model)
}

func TestResumeContinuesConversation(t *testing.T) {
	fm := &fakeMessages{legs: [][]ssestream.Event{
		textLeg(10, 5, "first answer"),
		textLeg(20, 5, "second answer"),
	}}
	eng := newTestEngine(t, fm)

	c1 := newCapture()
	_, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "question one"}, engine.StartOpts{}, c1.sink)
	require.NoError(t, err)
	done := c1.waitDone(t)
	require.NotNil(t, done.Resume)

	c2 := newCapture()
	_, _, err = eng.StartRun(context.Background(), &engine.Job{Text: "question two", Resume: done.Resume}, engine.StartOpts{}, c2.sink)
	require.NoError(t, err)
	done2 := c2.waitDone(t)
	assert.Equal(t, done.Resume.Value, done2.Resume.Value)

	require.Equal(t, 2, fm.callCount())
	params := fm.call(1)
	require.Len(t, params.Messages, 3)
	assert.Equal(t, "user", string(params.Messages[0].Role))
	assert.Equal(t, "assistant", string(params.Messages[1].Role))
	assert.Equal(t, "user", string(params.Messages[2].Role))
	raw := marshalMessages(t, params)
	assert.Contains(t, raw, "question one")
	assert.Contains(t, raw, "first answer")
	assert.Contains(t, raw, "question two")
}

func TestSteerOpensSecondExchange(t *testing.T) {
	gate := make(chan struct{})
	fm := &fakeMessages{
		legs: [][]ssestream.Event{
			textLeg(10, 5, "part one "),
			textLeg(20, 6, "part two"),
		},
		gates: []chan struct{}{gate},
	}
	eng := newTestEngine(t, fm)

	c := newCapture()
	h, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "go"}, engine.StartOpts{}, c.sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.deltaCount() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, eng.Steer(context.Background(), h, "also check the logs"))
	close(gate)

	done := c.waitDone(t)
	assert.True(t, done.OK)
	assert.Equal(t, "part one part two", done.Answer)

	require.Equal(t, 2, fm.callCount())
	params := fm.call(1)
	require.Len(t, params.Messages, 3)
	assert.Equal(t, "assistant", string(params.Messages[1].Role))
	assert.Equal(t, "user", string(params.Messages[2].Role))
	assert.Contains(t, marshalMessages(t, params), "also check the logs")

	var seqs []uint64
	for _, ev := range c.all() {
		if d, ok := ev.(engine.Delta); ok {
			seqs = append(seqs, d.Seq)
		}
	}
	assert.Equal(t, []uint64{1, 2}, seqs)
}

func TestCancelMidExchange(t *testing.T) {
	fm := &fakeMessages{
		legs:  [][]ssestream.Event{textLeg(0, 0, "partial")},
		gates: []chan struct{}{make(chan struct{})},
	}
	eng := newTestEngine(t, fm)

	c := newCapture()
	h, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "go"}, engine.StartOpts{}, c.sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.deltaCount() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, eng.Cancel(context.Background(), h, "user abort"))

	done := c.waitDone(t)
	assert.False(t, done.OK)
	assert.Equal(t, "cancelled: user abort", done.ErrorText)
	assert.Equal(t, engine.FailureCancelled, engine.ClassifyFailure(done.ErrorText))
}

func TestSteerAfterCancelRejected(t *testing.T) {
	fm := &fakeMessages{
		legs:  [][]ssestream.Event{textLeg(0, 0, "partial")},
		gates: []chan struct{}{make(chan struct{})},
	}
	eng := newTestEngine(t, fm)

	c := newCapture()
	h, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "go"}, engine.StartOpts{}, c.sink)
	require.NoError(t, err)
	require.NoError(t, eng.Cancel(context.Background(), h, ""))
	c.waitDone(t)

	assert.Error(t, eng.Steer(context.Background(), h, "too late"))
}

func TestEmptyJobTextRejected(t *testing.T) {
	eng := newTestEngine(t, &fakeMessages{})
	_, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "   "}, engine.StartOpts{}, func(engine.Event) {})
	require.Error(t, err)
}

func TestBadHandle(t *testing.T) {
	eng := newTestEngine(t, &fakeMessages{})
	assert.ErrorIs(t, eng.Cancel(context.Background(), "nope", ""), engine.ErrBadHandle)
	assert.ErrorIs(t, eng.Steer(context.Background(), 1, "x"), engine.ErrBadHandle)
}

func TestResumeTokenRoundTrip(t *testing.T) {
	eng := newTestEngine(t, &fakeMessages{})
	tok := engine.ResumeToken{Engine: "lemon", Value: "3f8a2c1e-0000-4000-8000-000000000000"}

	got := eng.ExtractResume("continue from " + eng.FormatResume(tok))
	require.NotNil(t, got)
	assert.Equal(t, tok, *got)
}

func TestTranscriptStoreEvictsOldest(t *testing.T) {
	store := newTranscriptStore(2)
	turn := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("x"))}

	store.commit("a", turn)
	store.commit("b", turn)
	store.commit("c", turn)

	assert.Empty(t, store.snapshot("a"))
	assert.Len(t, store.snapshot("b"), 1)
	assert.Len(t, store.snapshot("c"), 1)
}

func TestTranscriptSnapshotIsCopy(t *testing.T) {
	store := newTranscriptStore(8)
	store.commit("a", []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("one"))})

	snap := store.snapshot("a")
	_ = append(snap, sdk.NewUserMessage(sdk.NewTextBlock("two")))

	assert.Len(t, store.snapshot("a"), 1)
}
