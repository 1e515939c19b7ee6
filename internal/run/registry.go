package run

import (
	"fmt"
	"sync"
)

// Registry holds the process-wide run mappings. One mutex guards both
// maps so run-id and session-key membership is identical at every
// instant: a run is visible under both keys or under neither.
type Registry struct {
	mu        sync.RWMutex
	byRun     map[string]*Process
	bySession map[string]*Process
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{
		byRun:     make(map[string]*Process),
		bySession: make(map[string]*Process),
	}
}

// Register adds a run under both keys. A session holds at most one
// active run; a second registration for the same session is refused.
func (r *Registry) Register(p *Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.SessionKey()
	if cur, exists := r.bySession[key]; exists {
		return fmt.Errorf("session %q already has active run %s", key, cur.ID())
	}
	if _, exists := r.byRun[p.ID()]; exists {
		return fmt.Errorf("run id %s already registered", p.ID())
	}
	r.byRun[p.ID()] = p
	r.bySession[key] = p
	return nil
}

// Unregister removes a run from both maps. Identity-checked and
// idempotent: it never evicts a different process that reused the key.
func (r *Registry) Unregister(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byRun[p.ID()]; ok && cur == p {
		delete(r.byRun, p.ID())
	}
	if cur, ok := r.bySession[p.SessionKey()]; ok && cur == p {
		delete(r.bySession, p.SessionKey())
	}
}

// ByRunID returns the process owning a run id.
func (r *Registry) ByRunID(runID string) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byRun[runID]
	return p, ok
}

// BySession returns the active process for a session key.
func (r *Registry) BySession(sessionKey string) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySession[sessionKey]
	return p, ok
}

// Lookup resolves either form of run address: a run id or a session key.
func (r *Registry) Lookup(runIDOrSessionKey string) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byRun[runIDOrSessionKey]; ok {
		return p, true
	}
	p, ok := r.bySession[runIDOrSessionKey]
	return p, ok
}

// Active returns the number of registered runs.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRun)
}

// Records snapshots every registered run.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	procs := make([]*Process, 0, len(r.byRun))
	for _, p := range r.byRun {
		procs = append(procs, p)
	}
	r.mu.RUnlock()

	out := make([]Record, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Record())
	}
	return out
}
