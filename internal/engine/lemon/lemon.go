// Package lemon implements the native default engine: Anthropic
// Messages streaming in-process, with conversation transcripts kept
// client-side and keyed by the resume token value.
//
// Steering appends a user turn at the next exchange boundary: when a
// streamed exchange finishes and steer text is queued, the engine opens
// another exchange on the same conversation instead of completing.
package lemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/grovehq/grove/internal/engine"
)

const (
	engineID = "lemon"

	defaultMaxTokens    = 8192
	defaultContextLimit = 200_000

	// maxTranscripts bounds the in-process conversation store; the
	// oldest conversation is dropped beyond it.
	maxTranscripts = 512
)

// MessagesClient is the subset of the Anthropic SDK the engine calls.
// *sdk.MessageService satisfies it; tests pass a fake.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Config tunes the engine.
type Config struct {
	DefaultModel string
	MaxTokens    int64
	ContextLimit int64
}

// Engine streams Anthropic Messages exchanges.
type Engine struct {
	client      MessagesClient
	cfg         Config
	transcripts *transcriptStore

	mu     sync.Mutex
	nextID int
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Steerer = (*Engine)(nil)
)

// New creates the engine over an injected messages client.
func New(client MessagesClient, cfg Config) (*Engine, error) {
	if client == nil {
		return nil, errors.New("anthropic messages client is required")
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

// NewFromAPIKey creates the engine with the default Anthropic client.
func NewFromAPIKey(apiKey string, cfg Config) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, cfg)
}

func (e *Engine) ID() string { return engineID }

func (e *Engine) SupportsSteer() bool { return true }

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
	steers    []string
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
	id := fmt.Sprintf("lemon-%d", e.nextID)
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

// Steer queues text for the next exchange boundary.
func (e *Engine) Steer(ctx context.Context, h engine.Handle, text string) error {
	r, ok := h.(*run)
	if !ok {
		return engine.ErrBadHandle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return fmt.Errorf("run %s already cancelled", r.id)
	}
	r.steers = append(r.steers, text)
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

	turns := e.transcripts.snapshot(r.conv)
	turns = append(turns, sdk.NewUserMessage(sdk.NewTextBlock(job.Text)))

	var (
		seq    uint64
		answer strings.Builder
		usage  = engine.Usage{ContextLimit: e.cfg.ContextLimit}
	)
	for {
		params := sdk.MessageNewParams{
			Model:     sdk.Model(model),
			MaxTokens: e.cfg.MaxTokens,
			Messages:  turns,
		}
		if opts.SystemPrompt != "" {
			params.System = []sdk.TextBlockParam{{Text: opts.SystemPrompt}}
		}

		proc := newProcessor(sink, &seq, &answer, &usage)
		if err := e.streamExchange(r.ctx, params, proc); err != nil {
			r.finish(sink, failure(r, err, usage, tok))
			return
		}
		proc.foldUsage()

		legText := proc.takeLeg()
		if legText == "" {
			legText = "(no answer)"
		}
		steers := r.takeSteers()
		if len(steers) == 0 {
			e.transcripts.commit(r.conv, append(turns, sdk.NewAssistantMessage(sdk.NewTextBlock(legText))))
			r.finish(sink, engine.Completed{OK: true, Answer: answer.String(), Usage: usage, Resume: tok})
			return
		}
		turns = append(turns,
			sdk.NewAssistantMessage(sdk.NewTextBlock(legText)),
			sdk.NewUserMessage(sdk.NewTextBlock(strings.Join(steers, "\n"))),
		)
	}
}

func (e *Engine) streamExchange(ctx context.Context, params sdk.MessageNewParams, proc *processor) error {
	stream := e.client.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		proc.handle(stream.Current())
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *run) takeSteers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.steers
	r.steers = nil
	return out
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
	turns map[string][]sdk.MessageParam
	order []string
}

func newTranscriptStore(limit int) *transcriptStore {
	return &transcriptStore{limit: limit, turns: make(map[string][]sdk.MessageParam)}
}

func (s *transcriptStore) snapshot(id string) []sdk.MessageParam {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.turns[id]
	out := make([]sdk.MessageParam, len(stored), len(stored)+2)
	copy(out, stored)
	return out
}

func (s *transcriptStore) commit(id string, turns []sdk.MessageParam) {
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
