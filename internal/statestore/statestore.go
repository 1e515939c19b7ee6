// Package statestore provides the persisted key-value contract used by the
// orchestration core: pending-compaction markers, session metadata, session
// policy overrides, and endpoint aliases. Backends: SQLite (default),
// PostgreSQL, in-memory.
//
// All reads tolerate missing keys; callers branch on the found flag, never on
// an error, for absent entries.
package statestore

import (
	"context"
	"fmt"

	"github.com/grovehq/grove/internal/common/config"
	"github.com/grovehq/grove/internal/common/logger"
)

// Store is the persisted key-value contract.
type Store interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put writes the value for key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all entries whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Close releases backend resources.
	Close() error
}

// Key families. The core composes keys only through these helpers.
const (
	pendingCompactionPrefix = "pending_compaction:"
	sessionMetaPrefix       = "session_meta:"
	sessionPolicyPrefix     = "session_policy:"
	endpointAliasPrefix     = "endpoint_alias:"
)

// PendingCompactionKey returns the marker key for a session.
func PendingCompactionKey(sessionKey string) string {
	return pendingCompactionPrefix + sessionKey
}

// SessionMetaKey returns the session metadata key for a session.
func SessionMetaKey(sessionKey string) string {
	return sessionMetaPrefix + sessionKey
}

// SessionPolicyKey returns the per-session tool-policy override key.
func SessionPolicyKey(sessionKey string) string {
	return sessionPolicyPrefix + sessionKey
}

// EndpointAliasKey returns the route alias key for a name.
func EndpointAliasKey(name string) string {
	return endpointAliasPrefix + name
}

// SessionMetaPrefix returns the prefix that lists all session metadata
// entries, for session enumeration.
func SessionMetaPrefix() string {
	return sessionMetaPrefix
}

// Provide builds the configured statestore backend.
func Provide(cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	switch cfg.Statestore.Driver {
	case "sqlite":
		store, err := OpenSQLiteStore(cfg.Statestore.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite statestore: %w", err)
		}
		return store, store.Close, nil
	case "postgres":
		store, err := OpenPostgresStore(cfg.Statestore.DSN, cfg.Statestore.MaxConns, cfg.Statestore.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres statestore: %w", err)
		}
		return store, store.Close, nil
	case "memory":
		store := NewMemoryStore()
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown statestore driver %q", cfg.Statestore.Driver)
	}
}
