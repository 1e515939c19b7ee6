// Package engine defines the contract between the run core and the
// pluggable AI engines, plus the event and job types that cross it.
//
// Every engine delivers exactly one Started, zero or more Delta events
// with strictly increasing sequence numbers, zero or more Action events,
// and exactly one terminal Completed. Cancel must eventually cause a
// Completed with OK=false; the run core synthesizes one itself if an
// engine stays silent past the kill timeout.
package engine

import (
	"context"
	"errors"
)

// ErrNotSupported is returned for operations an engine does not implement.
var ErrNotSupported = errors.New("not supported by this engine")

// ErrBadHandle is returned when a handle belongs to a different engine.
var ErrBadHandle = errors.New("handle does not belong to this engine")

// ErrUnknownEngine is returned when an engine id is not registered.
var ErrUnknownEngine = errors.New("unknown engine")

// Handle identifies one live run to the engine that started it.
// Opaque to callers; engines assert their own concrete type.
type Handle interface{}

// Sink receives engine events. Implementations must be safe to call from
// the engine's own goroutines and must not block for long.
type Sink func(Event)

// StartOpts carries per-run settings that come from the agent profile
// rather than the job itself.
type StartOpts struct {
	SystemPrompt string
	AgentName    string
	// Env entries are appended to the environment of subprocess engines.
	Env []string
}

// Engine is implemented once per backend (native, CLI subprocess, remote
// API). Implementations must be safe for concurrent StartRun calls.
type Engine interface {
	// ID is the stable engine identifier used in resume tokens and
	// engine hints ("lemon", "claude", ...).
	ID() string

	// SupportsSteer reports whether Steer can inject text into a live run.
	SupportsSteer() bool

	// ExtractResume scans free text for a resume token this engine
	// understands. Nil when the text carries none.
	ExtractResume(text string) *ResumeToken

	// FormatResume renders a token the way this engine embeds it in
	// outgoing messages. ExtractResume(FormatResume(t)) == t.
	FormatResume(t ResumeToken) string

	// StartRun begins asynchronous work for the job and streams events
	// to sink until a terminal Completed. The returned run id is unique
	// per engine instance.
	StartRun(ctx context.Context, job *Job, opts StartOpts, sink Sink) (Handle, string, error)

	// Cancel requests best-effort termination of a live run.
	Cancel(ctx context.Context, h Handle, reason string) error
}

// Steerer is the optional steering capability. Only meaningful when
// SupportsSteer reports true.
type Steerer interface {
	Steer(ctx context.Context, h Handle, text string) error
}
