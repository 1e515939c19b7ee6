package openaieng

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
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

type fakeChat struct {
	mu    sync.Mutex
	calls []openai.ChatCompletionNewParams
	legs  [][]ssestream.Event
	errs  []error
	gates []chan struct{}
}

func (f *fakeChat) NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk] {
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
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	f.mu.Unlock()
	return ssestream.NewStream[openai.ChatCompletionChunk](&fakeDecoder{ctx: ctx, events: events, gate: gate}, err)
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChat) call(i int) openai.ChatCompletionNewParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// Chat Completions events are data-only, so Type stays empty.
func dataChunk(body string) ssestream.Event {
	return ssestream.Event{Data: []byte(body)}
}

func contentChunk(text string) ssestream.Event {
	return dataChunk(fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`, text))
}

func refusalChunk(text string) ssestream.Event {
	return dataChunk(fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"refusal":%q}}]}`, text))
}

func closeChunks(inTok, outTok int) []ssestream.Event {
	return []ssestream.Event{
		dataChunk(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
		dataChunk(fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d,"total_tokens":%d}}`, inTok, outTok, inTok+outTok)),
	}
}

func textLeg(inTok, outTok int, texts ...string) []ssestream.Event {
	var events []ssestream.Event
	for _, text := range texts {
		events = append(events, contentChunk(text))
	}
	return append(events, closeChunks(inTok, outTok)...)
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

func newTestEngine(t *testing.T, fc *fakeChat) *Engine {
	t.Helper()
	eng, err := New(fc, Config{DefaultModel: "gpt-4.1"})
	require.NoError(t, err)
	return eng
}

func marshalMessages(t *testing.T, params openai.ChatCompletionNewParams) string {
	t.Helper()
	b, err := json.Marshal(params.Messages)
	require.NoError(t, err)
	return string(b)
}

func TestEngineValidation(t *testing.T) {
	_, err := New(nil, Config{DefaultModel: "gpt-4.1"})
	require.Error(t, err)
	_, err = New(&fakeChat{}, Config{})
	require.Error(t, err)
}

func TestEngineIdentity(t *testing.T) {
	eng := newTestEngine(t, &fakeChat{})
	assert.Equal(t, "openai", eng.ID())
	assert.False(t, eng.SupportsSteer())
	_, ok := any(eng).(engine.Steerer)
	assert.False(t, ok)
}

func TestRunStreamsAndCompletes(t *testing.T) {
	fc := &fakeChat{legs: [][]ssestream.Event{textLeg(10, 5, "Hello, ", "world")}}
	eng := newTestEngine(t, fc)

	c := newCapture()
	_, id, err := eng.StartRun(context.Background(), &engine.Job{Text: "hi"}, engine.StartOpts{SystemPrompt: "be brief"}, c.sink)
	require.NoError(t, err)
	assert.Equal(t, "openai-1", id)

	done := c.waitDone(t)
	assert.True(t, done.OK)
	assert.Equal(t, "Hello, world", done.Answer)
	assert.Equal(t, int64(10), done.Usage.InputTokens)
	assert.Equal(t, int64(5), done.Usage.OutputTokens)
	assert.Equal(t, int64(15), done.Usage.ContextUsed)
	assert.Equal(t, int64(defaultContextLimit), done.Usage.ContextLimit)
	require.NotNil(t, done.Resume)
	assert.Equal(t, "openai", done.Resume.Engine)
	assert.NotEmpty(t, done.Resume.Value)

	events := c.all()
	started, ok := events[0].(engine.Started)
	require.True(t, ok)
	assert.Equal(t, "openai", started.Engine)

	var seqs []uint64
	for _, ev := range events {
		if d, ok := ev.(engine.Delta); ok {
			seqs = append(seqs, d.Seq)
		}
	}
	assert.Equal(t, []uint64{1, 2}, seqs)

	require.Equal(t, 1, fc.callCount())
	call := fc.call(0)
	assert.Equal(t, "gpt-4.1", string(call.Model))
	assert.Equal(t, int64(defaultMaxTokens), call.MaxCompletionTokens.Value)
	msgs := marshalMessages(t, call)
	assert.Contains(t, msgs, "be brief")
	assert.Contains(t, msgs, `"hi"`)
	assert.Contains(t, msgs, "system")
}

func TestModelOverride(t *testing.T) {
	fc := &fakeChat{legs: [][]ssestream.Event{textLeg(1, 1, "ok")}}
	eng := newTestEngine(t, fc)

	c := newCapture()
	_, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "hi", Model: "gpt-4.1-mini"}, engine.StartOpts{}, c.sink)
	require.NoError(t, err)
	c.waitDone(t)

	assert.Equal(t, "gpt-4.1-mini", string(fc.call(0).Model))
}

func TestResumeContinuesConversation(t *testing.T) {
	fc := &fakeChat{legs: [][]ssestream.Event{
		textLeg(10, 5, "Hello, world"),
		textLeg(20, 6, "Again"),
	}}
	eng := newTestEngine(t, fc)

	c1 := newCapture()
	_, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "first prompt"}, engine.StartOpts{}, c1.sink)
	require.NoError(t, err)
	first := c1.waitDone(t)
	require.NotNil(t, first.Resume)

	c2 := newCapture()
	_, _, err = eng.StartRun(context.Background(), &engine.Job{Text: "second prompt", Resume: first.Resume}, engine.StartOpts{}, c2.sink)
	require.NoError(t, err)
	second := c2.waitDone(t)
	assert.Equal(t, first.Resume.Value, second.Resume.Value)

	require.Equal(t, 2, fc.callCount())
	msgs := marshalMessages(t, fc.call(1))
	assert.Contains(t, msgs, "first prompt")
	assert.Contains(t, msgs, "Hello, world")
	assert.Contains(t, msgs, "second prompt")
}

func TestForeignResumeStartsFresh(t *testing.T) {
	fc := &fakeChat{legs: [][]ssestream.Event{textLeg(1, 1, "ok")}}
	eng := newTestEngine(t, fc)

	c := newCapture()
	tok := &engine.ResumeToken{Engine: "claude", Value: "sess-1"}
	_, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "hi", Resume: tok}, engine.StartOpts{}, c.sink)
	require.NoError(t, err)
	done := c.waitDone(t)

	require.NotNil(t, done.Resume)
	assert.Equal(t, "openai", done.Resume.Engine)
	assert.NotEqual(t, "sess-1", done.Resume.Value)
}

func TestCancelMidStream(t *testing.T) {
	gate := make(chan struct{})
	fc := &fakeChat{
		legs:  [][]ssestream.Event{{contentChunk("Working")}},
		gates: []chan struct{}{gate},
	}
	eng := newTestEngine(t, fc)

	c := newCapture()
	h, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "hi"}, engine.StartOpts{}, c.sink)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.deltaCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, c.deltaCount())

	require.NoError(t, eng.Cancel(context.Background(), h, "user abort"))
	done := c.waitDone(t)
	assert.False(t, done.OK)
	assert.Equal(t, "cancelled: user abort", done.ErrorText)
}

func TestStreamErrorFailsRun(t *testing.T) {
	fc := &fakeChat{errs: []error{errors.New("429 rate limited")}}
	eng := newTestEngine(t, fc)

	c := newCapture()
	_, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "hi"}, engine.StartOpts{}, c.sink)
	require.NoError(t, err)

	done := c.waitDone(t)
	assert.False(t, done.OK)
	assert.Contains(t, done.ErrorText, "rate limited")
	require.NotNil(t, done.Resume)
}

func TestRefusalFailsRun(t *testing.T) {
	leg := append([]ssestream.Event{refusalChunk("I cannot do that")}, closeChunks(5, 1)...)
	fc := &fakeChat{legs: [][]ssestream.Event{leg}}
	eng := newTestEngine(t, fc)

	c := newCapture()
	_, _, err := eng.StartRun(context.Background(), &engine.Job{Text: "hi"}, engine.StartOpts{}, c.sink)
	require.NoError(t, err)

	done := c.waitDone(t)
	assert.False(t, done.OK)
	assert.Equal(t, "I cannot do that", done.ErrorText)
}

func TestStartRunRejectsEmptyText(t *testing.T) {
	eng := newTestEngine(t, &fakeChat{})
	_, _, err := eng.StartRun(context.Background(), &engine.Job{Text: " "}, engine.StartOpts{}, func(engine.Event) {})
	require.Error(t, err)
}

func TestCancelBadHandle(t *testing.T) {
	eng := newTestEngine(t, &fakeChat{})
	assert.ErrorIs(t, eng.Cancel(context.Background(), "nope", "reason"), engine.ErrBadHandle)
}

func TestResumeRoundTrip(t *testing.T) {
	eng := newTestEngine(t, &fakeChat{})
	tok := engine.ResumeToken{Engine: "openai", Value: "3f2a9c2e-1b7d-4f6a-9e2b-5c8d7a6b4f21"}

	text := "Done.\n\n" + eng.FormatResume(tok)
	got := eng.ExtractResume(text)
	require.NotNil(t, got)
	assert.Equal(t, tok, *got)
}
