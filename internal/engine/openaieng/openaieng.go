// Package openaieng implements the remote OpenAI engine: Chat
// Completions streaming with conversation transcripts kept client-side
// and keyed by the resume token value.
//
// The Chat Completions API has no way to inject input into a running
// exchange, so the engine does not steer.
package openaieng

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/grovehq/grove/internal/engine"
)

const (
	engineID = "openai"

	defaultMaxTokens    = 8192
	defaultContextLimit = 128_000

	// maxTranscripts bounds the in-process conversation store; the
	// oldest conversation is dropped beyond it.
	maxTranscripts = 512
)

// ChatClient is the subset of the OpenAI SDK the engine calls.
// *openai.ChatCompletionService satisfies it; tests pass a fake.
type ChatClient interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Config tunes the engine.
type Config struct {
	DefaultModel string
	MaxTokens    int64
	ContextLimit int64
}

// Engine streams OpenAI Chat Completions exchanges.
type Engine struct {
	client      ChatClient
	cfg         Config
	transcripts *transcriptStore

	mu     sync.Mutex
	nextID int
}

var _ engine.Engine = (*Engine)(nil)

// New creates the engine over an injected chat client.
func New(client ChatClient, cfg Config) (*Engine, error) {
	if client == nil {
		return nil, errors.New("openai chat client is required")
	}
	if cfg.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = defaultContextLimit
	}
	return &Engine{client: client, cfg: cfg, transcripts: newTranscriptStore(maxTranscripts)}, nil
}

// NewFromAPIKey creates the engine with the default OpenAI client. An
// empty baseURL uses the public API.
func NewFromAPIKey(apiKey, baseURL string, cfg Config) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := openai.NewClient(opts...)
	return New(&oc.Chat.Completions, cfg)
}

func (e *Engine) ID() string { return engineID }

func (e *Engine) SupportsSteer() bool { return false }

func (e *Engine) ExtractResume(text string) *engine.ResumeToken {
	return engine.ExtractPrefixedToken(engineID, text)
}

func (e *Engine) FormatResume(t engine.ResumeToken) string { return t.String() }

type run struct {
	id     string
	conv   string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	reason    string

	complete sync.Once
}

// StartRun opens (or resumes) a conversation and streams the exchange on
// a new goroutine.
func (e *Engine) StartRun(ctx context.Context, job *engine.Job, opts engine.StartOpts, sink engine.Sink) (engine.Handle, string, error) {
	if strings.TrimSpace(job.Text) == "" {
		return nil, "", errors.New("job text is empty")
	}
	conv := uuid.NewString()
	if job.Resume != nil && job.Resume.Engine == engineID && job.Resume.Value != "" {
		conv = job.Resume.Value
	}

	e.mu.Lock()
	e.nextID++
	id := fmt.Sprintf("openai-%d", e.nextID)
	e.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	r := &run{id: id, conv: conv, ctx: cctx, cancel: cancel}
	go e.play(r, job, opts, sink)
	return r, id, nil
}

// Cancel aborts the live exchange; the run completes with a cancelled
// error.
func (e *Engine) Cancel(ctx context.Context, h engine.Handle, reason string) error {
	r, ok := h.(*run)
	if !ok {
		return engine.ErrBadHandle
	}
	r.mu.Lock()
	r.cancelled = true
	r.reason = reason
	r.mu.Unlock()
	r.cancel()
	return nil
}

func (e *Engine) play(r *run, job *engine.Job, opts engine.StartOpts, sink engine.Sink) {
	defer r.cancel()

	tok := &engine.ResumeToken{Engine: engineID, Value: r.conv}
	sink(engine.Started{Engine: engineID, Resume: tok})

	model := e.cfg.DefaultModel
	if job.Model != "" {
		model = job.Model
	}

	// The system prompt is prepended per request, not stored, so a
	// profile change applies to resumed conversations too.
	turns := e.transcripts.snapshot(r.conv)
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+2)
	if opts.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(opts.SystemPrompt))
	}
	msgs = append(msgs, turns...)
	msgs = append(msgs, openai.UserMessage(job.Text))

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(e.cfg.MaxTokens),
		StreamOptions:       openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}

	stream := e.client.NewStreaming(r.ctx, params)
	defer stream.Close()

	var (
		seq     uint64
		answer  strings.Builder
		refusal strings.Builder
		acc     openai.ChatCompletionAccumulator
	)
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			seq++
			answer.WriteString(delta.Content)
			sink(engine.Delta{Seq: seq, Text: delta.Content})
		}
		if delta.Refusal != "" {
			refusal.WriteString(delta.Refusal)
		}
	}

	usage := engine.Usage{
		InputTokens:  acc.Usage.PromptTokens,
		OutputTokens: acc.Usage.CompletionTokens,
		ContextUsed:  acc.Usage.TotalTokens,
		ContextLimit: e.cfg.ContextLimit,
	}
	if usage.ContextUsed == 0 {
		usage.ContextUsed = usage.InputTokens + usage.OutputTokens
	}

	if err := stream.Err(); err != nil {
		r.finish(sink, failure(r, err, usage, tok))
		return
	}
	if err := r.ctx.Err(); err != nil {
		r.finish(sink, failure(r, err, usage, tok))
		return
	}
	if refusal.Len() > 0 {
		r.finish(sink, engine.Completed{OK: false, ErrorText: refusal.String(), Usage: usage, Resume: tok})
		return
	}

	text := answer.String()
	if text == "" && len(acc.Choices) > 0 {
		text = acc.Choices[0].Message.Content
	}
	reply := text
	if reply == "" {
		reply = "(no answer)"
	}
	e.transcripts.commit(r.conv, append(append(turns, openai.UserMessage(job.Text)), openai.AssistantMessage(reply)))
	r.finish(sink, engine.Completed{OK: true, Answer: text, Usage: usage, Resume: tok})
}

func (r *run) finish(sink engine.Sink, c engine.Completed) {
	r.complete.Do(func() { sink(c) })
}

func failure(r *run, err error, usage engine.Usage, tok *engine.ResumeToken) engine.Completed {
	r.mu.Lock()
	cancelled, reason := r.cancelled, r.reason
	r.mu.Unlock()

	text := err.Error()
	if cancelled || errors.Is(err, context.Canceled) {
		text = "cancelled"
		if reason != "" {
			text += ": " + reason
		}
	}
	return engine.Completed{OK: false, ErrorText: text, Usage: usage, Resume: tok}
}

// transcriptStore keeps conversation turns in memory, bounded by
// dropping the oldest conversation.
type transcriptStore struct {
	mu    sync.Mutex
	limit int
	turns map[string][]openai.ChatCompletionMessageParamUnion
	order []string
}

func newTranscriptStore(limit int) *transcriptStore {
	return &transcriptStore{limit: limit, turns: make(map[string][]openai.ChatCompletionMessageParamUnion)}
}

func (s *transcriptStore) snapshot(id string) []openai.ChatCompletionMessageParamUnion {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.turns[id]
	out := make([]openai.ChatCompletionMessageParamUnion, len(stored), len(stored)+2)
	copy(out, stored)
	return out
}

func (s *transcriptStore) commit(id string, turns []openai.ChatCompletionMessageParamUnion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.turns[id]; !ok {
		s.order = append(s.order, id)
		for len(s.order) > s.limit {
			delete(s.turns, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.turns[id] = turns
}
