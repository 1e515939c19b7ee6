package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps engine ids to their implementations.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. Duplicate ids are an error.
func (r *Registry) Register(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.ID()
	if id == "" {
		return fmt.Errorf("engine id must not be empty")
	}
	if _, exists := r.engines[id]; exists {
		return fmt.Errorf("engine %q already registered", id)
	}
	r.engines[id] = e
	return nil
}

// Get returns the engine for an id.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownEngine, id)
	}
	return e, nil
}

// Exists reports whether an engine id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[id]
	return ok
}

// IDs returns registered engine ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExtractResume tries every registered engine's extractor against the
// text and returns the first hit, engines in id order for determinism.
func (r *Registry) ExtractResume(text string) *ResumeToken {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if t := r.engines[id].ExtractResume(text); t != nil {
			return t
		}
	}
	return nil
}
