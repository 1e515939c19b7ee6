// Package coalesce turns fine-grained engine events into the small number
// of cumulative snapshots a channel can actually deliver: a stream
// coalescer for assistant text and a tool-status coalescer for action
// lifecycle lines. One instance of each exists per run.
package coalesce

import (
	"sync"
	"time"
)

// truncationMarker replaces the middle of an over-cap transcript.
const truncationMarker = "\n…[truncated]…\n"

// StreamParams tune the stream coalescer's flush behavior.
type StreamParams struct {
	MinChars    int
	Idle        time.Duration
	MaxLatency  time.Duration
	MaxFullText int
}

// DefaultStreamParams match the platform defaults.
func DefaultStreamParams() StreamParams {
	return StreamParams{
		MinChars:    48,
		Idle:        400 * time.Millisecond,
		MaxLatency:  1200 * time.Millisecond,
		MaxFullText: 100_000,
	}
}

// StreamSnapshot is one flush: the entire accumulated text plus a version
// id that only moves forward. Receivers drop snapshots whose version is
// not greater than the last one they applied.
type StreamSnapshot struct {
	SessionKey string
	Channel    string
	Text       string
	Version    uint64
	Final      bool
}

// StreamSink receives snapshots. Called without locks held; must not
// call back into the coalescer.
type StreamSink func(StreamSnapshot)

// StreamCoalescer buffers Delta text and emits cumulative snapshots when
// enough text accumulated, the stream went idle, or too much time passed
// since the last flush. Finalize forces a last flush and seals it.
type StreamCoalescer struct {
	mu         sync.Mutex
	params     StreamParams
	sessionKey string
	channel    string
	sink       StreamSink
	now        func() time.Time

	full      string
	truncated bool
	pending   int
	lastSeq   uint64
	version   uint64
	lastFlush time.Time
	idleTimer *time.Timer
	finalized bool
}

// NewStreamCoalescer creates a coalescer bound to one run's output.
func NewStreamCoalescer(sessionKey, channel string, params StreamParams, sink StreamSink) *StreamCoalescer {
	c := &StreamCoalescer{
		params:     params,
		sessionKey: sessionKey,
		channel:    channel,
		sink:       sink,
		now:        time.Now,
	}
	c.lastFlush = c.now()
	return c
}

// Ingest appends one delta. Returns false when the chunk was dropped:
// the coalescer is finalized or seq is not greater than the last
// accepted one.
func (c *StreamCoalescer) Ingest(seq uint64, text string) bool {
	c.mu.Lock()
	if c.finalized || seq <= c.lastSeq {
		c.mu.Unlock()
		return false
	}
	c.lastSeq = seq
	c.appendLocked(text)
	c.pending += len(text)

	now := c.now()
	if c.pending >= c.params.MinChars || now.Sub(c.lastFlush) >= c.params.MaxLatency {
		snap := c.flushLocked(now, false)
		c.mu.Unlock()
		c.sink(snap)
		return true
	}

	// Keep an already scheduled idle timer; a steady trickle still
	// flushes at the original idle deadline.
	if c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(c.params.Idle, c.idleFire)
	}
	c.mu.Unlock()
	return true
}

func (c *StreamCoalescer) idleFire() {
	c.mu.Lock()
	c.idleTimer = nil
	if c.finalized || c.pending == 0 {
		c.mu.Unlock()
		return
	}
	snap := c.flushLocked(c.now(), false)
	c.mu.Unlock()
	c.sink(snap)
}

// Finalize forces one final flush regardless of thresholds and marks the
// coalescer complete. Safe to call more than once; only the first call
// emits.
func (c *StreamCoalescer) Finalize() {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	snap := c.flushLocked(c.now(), true)
	c.mu.Unlock()
	c.sink(snap)
}

// FullText returns the accumulated (possibly middle-truncated) text.
func (c *StreamCoalescer) FullText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.full
}

// Version returns the last emitted snapshot version.
func (c *StreamCoalescer) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Finalized reports whether Finalize already sealed the coalescer.
func (c *StreamCoalescer) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

func (c *StreamCoalescer) appendLocked(text string) {
	c.full += text
	if len(c.full) > c.params.MaxFullText {
		c.full = truncateMiddle(c.full, c.params.MaxFullText)
		c.truncated = true
	}
}

func (c *StreamCoalescer) flushLocked(now time.Time, final bool) StreamSnapshot {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.pending = 0
	c.lastFlush = now
	c.version++
	return StreamSnapshot{
		SessionKey: c.sessionKey,
		Channel:    c.channel,
		Text:       c.full,
		Version:    c.version,
		Final:      final,
	}
}

// truncateMiddle keeps the head and tail of s, replacing the middle so
// the result fits in max bytes.
func truncateMiddle(s string, max int) string {
	if len(s) <= max || max <= len(truncationMarker) {
		return s
	}
	keep := max - len(truncationMarker)
	head := keep / 2
	tail := keep - head
	return s[:head] + truncationMarker + s[len(s)-tail:]
}

// Truncate shortens a message to max bytes with a trailing ellipsis.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const ellipsis = "…"
	cut := max - len(ellipsis)
	if cut <= 0 {
		return ellipsis
	}
	// Back off to a rune boundary.
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + ellipsis
}
