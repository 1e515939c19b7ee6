package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grovehq/grove/internal/coalesce"
	"github.com/grovehq/grove/internal/engine"
)

// StartMeta is what a run announces when it begins.
type StartMeta struct {
	RunID  string
	Engine string
	Title  string
}

// Outcome is what a run delivers when it terminates.
type Outcome struct {
	RunID     string
	OK        bool
	Cancelled bool
	Answer    string
	ErrorText string
	// ResumeSuffix, when non-empty, is appended to failure messages so
	// the user can continue the engine session by replying.
	ResumeSuffix string
}

// FailureText renders the bounded user-visible failure message.
func (o Outcome) FailureText(maxLen int) string {
	text := o.ErrorText
	if text == "" {
		text = "run failed"
	}
	if o.Cancelled {
		text = "run cancelled"
		if o.ErrorText != "" {
			text += ": " + o.ErrorText
		}
	}
	text = coalesce.Truncate(text, maxLen)
	if o.ResumeSuffix != "" {
		text += "\n" + o.ResumeSuffix
	}
	return text
}

// Adapter is the per-channel delivery strategy the run core talks to.
// Emit methods must not block on network I/O; they hand off to the
// transport asynchronously.
type Adapter interface {
	Channel() string

	// Interactive reports whether the channel can ask the user questions
	// (keepalive confirmation, cancel buttons).
	Interactive() bool

	EmitStreamOutput(snap coalesce.StreamSnapshot)
	EmitToolStatus(snap coalesce.StatusSnapshot)

	OnStarted(sessionKey string, meta StartMeta)
	OnCompleted(sessionKey string, outcome Outcome)
}

// KeepaliveConfirmer is implemented by interactive adapters: ask the user
// whether to keep waiting on an idle run. Returns true to keep waiting.
// Blocks until an answer arrives, timeout passes, or ctx is cancelled.
type KeepaliveConfirmer interface {
	ConfirmKeepalive(ctx context.Context, sessionKey string, timeout time.Duration) (bool, error)
}

// KeepaliveResolver accepts the out-of-band answer to a pending keepalive
// question. Sessions without a pending question are ignored.
type KeepaliveResolver interface {
	ResolveKeepalive(sessionKey string, keepWaiting bool)
}

// Registry holds the adapter for each channel id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter for its channel id.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := a.Channel()
	if ch == "" {
		return fmt.Errorf("adapter channel must not be empty")
	}
	if _, exists := r.adapters[ch]; exists {
		return fmt.Errorf("channel %q already registered", ch)
	}
	r.adapters[ch] = a
	return nil
}

// Get returns the adapter for a channel id.
func (r *Registry) Get(channel string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
	return a, nil
}

// Channels returns registered channel ids in sorted order.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// ResumeSuffixFor renders the retry hint appended to failure messages.
func ResumeSuffixFor(e engine.Engine, tok *engine.ResumeToken) string {
	if e == nil || tok == nil {
		return ""
	}
	return "reply with " + e.FormatResume(*tok) + " to continue"
}
