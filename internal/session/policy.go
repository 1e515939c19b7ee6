package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/grovehq/grove/internal/policy"
	"github.com/grovehq/grove/internal/statestore"
)

// PolicyStore persists per-session tool-policy overrides, the
// session-level layer of the policy merge.
type PolicyStore struct {
	store statestore.Store
}

// NewPolicyStore wraps a statestore.
func NewPolicyStore(store statestore.Store) *PolicyStore {
	return &PolicyStore{store: store}
}

// Load returns the session's policy override, if any.
func (s *PolicyStore) Load(ctx context.Context, sessionKey string) (*policy.Policy, bool, error) {
	raw, found, err := s.store.Get(ctx, statestore.SessionPolicyKey(sessionKey))
	if err != nil || !found {
		return nil, false, err
	}
	var p policy.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("corrupt session policy for %q: %w", sessionKey, err)
	}
	return &p, true, nil
}

// Save writes the session's policy override.
func (s *PolicyStore) Save(ctx context.Context, sessionKey string, p *policy.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal session policy: %w", err)
	}
	return s.store.Put(ctx, statestore.SessionPolicyKey(sessionKey), raw)
}

// Clear removes the session's policy override.
func (s *PolicyStore) Clear(ctx context.Context, sessionKey string) error {
	return s.store.Delete(ctx, statestore.SessionPolicyKey(sessionKey))
}
