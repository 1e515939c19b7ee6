// Package mock provides a scripted engine for tests and local
// development. A job whose text starts with "scenario:<name>" plays the
// registered script of that name; any other text echoes back.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grovehq/grove/internal/engine"
)

const engineID = "mock"

// Step is one scripted event. Text emits a Delta, Action emits an
// Action. Delay runs before the event fires.
type Step struct {
	Delay  time.Duration
	Text   string
	Action *engine.Action

	// Seq overrides the auto-incremented delta sequence when non-zero,
	// so scripts can replay duplicate or out-of-order sequences.
	Seq uint64
}

// Script describes one run's behavior.
type Script struct {
	Title      string
	StartDelay time.Duration
	Steps      []Step
	FinalDelay time.Duration

	OK          bool
	Answer      string
	ErrorText   string
	Usage       engine.Usage
	ResumeValue string

	// Hang keeps the run open until cancelled. IgnoreCancel additionally
	// swallows Cancel requests so the caller's kill timeout has to fire.
	Hang         bool
	IgnoreCancel bool

	// Then serves the job's next attempt, so retry paths can script a
	// failure followed by a success.
	Then *Script
}

// Engine is the scripted engine.
type Engine struct {
	mu      sync.Mutex
	scripts map[string]*Script
	nextID  int
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Steerer = (*Engine)(nil)
)

// New creates a mock engine with only the echo behavior.
func New() *Engine {
	return &Engine{scripts: make(map[string]*Script)}
}

// SetScript registers (or replaces) the script played for
// "scenario:<name>" jobs.
func (e *Engine) SetScript(name string, sc *Script) {
	e.mu.Lock()
	e.scripts[name] = sc
	e.mu.Unlock()
}

func (e *Engine) ID() string { return engineID }

func (e *Engine) SupportsSteer() bool { return true }

func (e *Engine) ExtractResume(text string) *engine.ResumeToken {
	return engine.ExtractPrefixedToken(engineID, text)
}

func (e *Engine) FormatResume(t engine.ResumeToken) string { return t.String() }

type run struct {
	id     string
	script *Script

	cancel   chan string
	steers   chan string
	complete sync.Once
}

// StartRun plays the job's script on a new goroutine.
func (e *Engine) StartRun(ctx context.Context, job *engine.Job, opts engine.StartOpts, sink engine.Sink) (engine.Handle, string, error) {
	sc := e.scriptFor(job)

	e.mu.Lock()
	e.nextID++
	id := fmt.Sprintf("mock-%d", e.nextID)
	e.mu.Unlock()

	r := &run{
		id:     id,
		script: sc,
		cancel: make(chan string, 1),
		steers: make(chan string, 16),
	}
	go r.play(ctx, sink)
	return r, id, nil
}

// Cancel requests termination. Scripts with IgnoreCancel swallow it.
func (e *Engine) Cancel(ctx context.Context, h engine.Handle, reason string) error {
	r, ok := h.(*run)
	if !ok {
		return engine.ErrBadHandle
	}
	if r.script.IgnoreCancel {
		return nil
	}
	select {
	case r.cancel <- reason:
	default:
	}
	return nil
}

// Steer injects text into the live run; it surfaces as a Delta at the
// next step boundary.
func (e *Engine) Steer(ctx context.Context, h engine.Handle, text string) error {
	r, ok := h.(*run)
	if !ok {
		return engine.ErrBadHandle
	}
	select {
	case r.steers <- text:
		return nil
	default:
		return fmt.Errorf("steer queue full for %s", r.id)
	}
}

// scriptFor resolves the script the job plays: a registered scenario, a
// chained attempt of it, or the echo default.
func (e *Engine) scriptFor(job *engine.Job) *Script {
	text := strings.TrimSpace(job.Text)
	if name, ok := strings.CutPrefix(text, "scenario:"); ok {
		name, _, _ = strings.Cut(name, " ")
		e.mu.Lock()
		sc := e.scripts[name]
		e.mu.Unlock()
		if sc == nil {
			return &Script{OK: true, Answer: "unknown scenario: " + name}
		}
		for i := 0; i < job.Attempt && sc.Then != nil; i++ {
			sc = sc.Then
		}
		return sc
	}
	answer := "echo: " + text
	return &Script{
		OK:     true,
		Steps:  []Step{{Text: answer}},
		Answer: answer,
	}
}

func (r *run) play(ctx context.Context, sink engine.Sink) {
	sc := r.script
	resume := &engine.ResumeToken{Engine: engineID, Value: r.id}
	if sc.ResumeValue != "" {
		resume = &engine.ResumeToken{Engine: engineID, Value: sc.ResumeValue}
	}

	sink(engine.Started{Engine: engineID, Resume: resume, Title: sc.Title})
	if !r.wait(ctx, sc.StartDelay, sink, resume) {
		return
	}

	var seq uint64
	for _, step := range sc.Steps {
		if !r.wait(ctx, step.Delay, sink, resume) {
			return
		}
		r.drainSteers(sink, &seq)
		switch {
		case step.Action != nil:
			sink(*step.Action)
		case step.Text != "":
			s := step.Seq
			if s == 0 {
				seq++
				s = seq
			} else if s > seq {
				seq = s
			}
			sink(engine.Delta{Seq: s, Text: step.Text})
		}
	}

	if sc.Hang {
		for {
			select {
			case reason := <-r.cancel:
				r.finish(sink, cancelled(sc, resume, reason))
				return
			case text := <-r.steers:
				seq++
				sink(engine.Delta{Seq: seq, Text: "noted: " + text})
			case <-ctx.Done():
				if !sc.IgnoreCancel {
					r.finish(sink, cancelled(sc, resume, "context cancelled"))
				}
				return
			}
		}
	}

	if !r.wait(ctx, sc.FinalDelay, sink, resume) {
		return
	}
	r.drainSteers(sink, &seq)
	r.finish(sink, engine.Completed{
		OK:        sc.OK,
		Answer:    sc.Answer,
		ErrorText: sc.ErrorText,
		Usage:     sc.Usage,
		Resume:    resume,
	})
}

// wait sleeps for d, reacting to cancel and ctx. Returns false when the
// run terminated during the wait.
func (r *run) wait(ctx context.Context, d time.Duration, sink engine.Sink, resume *engine.ResumeToken) bool {
	if d <= 0 {
		select {
		case reason := <-r.cancel:
			r.finish(sink, cancelled(r.script, resume, reason))
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case reason := <-r.cancel:
		r.finish(sink, cancelled(r.script, resume, reason))
		return false
	case <-ctx.Done():
		if !r.script.IgnoreCancel {
			r.finish(sink, cancelled(r.script, resume, "context cancelled"))
		}
		return false
	}
}

func (r *run) drainSteers(sink engine.Sink, seq *uint64) {
	for {
		select {
		case text := <-r.steers:
			*seq++
			sink(engine.Delta{Seq: *seq, Text: "noted: " + text})
		default:
			return
		}
	}
}

func (r *run) finish(sink engine.Sink, c engine.Completed) {
	r.complete.Do(func() { sink(c) })
}

func cancelled(sc *Script, resume *engine.ResumeToken, reason string) engine.Completed {
	text := "cancelled"
	if reason != "" {
		text += ": " + reason
	}
	return engine.Completed{OK: false, ErrorText: text, Usage: sc.Usage, Resume: resume}
}
