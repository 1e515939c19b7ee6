package coalesce

import "sync"

type destKey struct {
	sessionKey string
	channel    string
}

// Registry holds the process-wide coalescer maps keyed by
// (session key, channel). Runs acquire both coalescers for their
// destination on entry and drop them after the final flush. A retry of
// the same run reuses the registered pair so the channel sees one
// continuous stream across both attempts.
type Registry struct {
	mu     sync.Mutex
	stream map[destKey]*StreamCoalescer
	status map[destKey]*ToolStatusCoalescer
}

// NewRegistry creates an empty coalescer registry.
func NewRegistry() *Registry {
	return &Registry{
		stream: make(map[destKey]*StreamCoalescer),
		status: make(map[destKey]*ToolStatusCoalescer),
	}
}

// AcquireStream returns the open stream coalescer for the destination,
// creating a fresh one when none is registered or the registered one is
// already finalized. A finalized coalescer rejects input, so it is
// never handed out again.
func (r *Registry) AcquireStream(sessionKey, channel string, params StreamParams, sink StreamSink) *StreamCoalescer {
	k := destKey{sessionKey, channel}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.stream[k]; ok && !c.Finalized() {
		return c
	}
	c := NewStreamCoalescer(sessionKey, channel, params, sink)
	r.stream[k] = c
	return c
}

// AcquireStatus returns the open tool-status coalescer for the
// destination, creating a fresh one when none is registered or the
// registered one is already finalized.
func (r *Registry) AcquireStatus(sessionKey, channel string, params StatusParams, sink StatusSink) *ToolStatusCoalescer {
	k := destKey{sessionKey, channel}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.status[k]; ok && !c.Finalized() {
		return c
	}
	c := NewToolStatusCoalescer(sessionKey, channel, params, sink)
	r.status[k] = c
	return c
}

// Stream returns the registered stream coalescer for the destination.
func (r *Registry) Stream(sessionKey, channel string) (*StreamCoalescer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.stream[destKey{sessionKey, channel}]
	return c, ok
}

// Status returns the registered tool-status coalescer for the
// destination.
func (r *Registry) Status(sessionKey, channel string) (*ToolStatusCoalescer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.status[destKey{sessionKey, channel}]
	return c, ok
}

// Drop removes both coalescers for the destination. Callers finalize
// before dropping; Drop itself does not flush.
func (r *Registry) Drop(sessionKey, channel string) {
	k := destKey{sessionKey, channel}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stream, k)
	delete(r.status, k)
}

// Len returns how many destinations currently hold at least one
// registered coalescer.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[destKey]struct{}, len(r.stream)+len(r.status))
	for k := range r.stream {
		seen[k] = struct{}{}
	}
	for k := range r.status {
		seen[k] = struct{}{}
	}
	return len(seen)
}
