package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/grovehq/grove/internal/statestore"
)

// Meta is the per-session persisted metadata. Sticky model/engine selection
// and cwd reuse read from here; every completed run writes back.
type Meta struct {
	LastModel    string    `json:"last_model,omitempty"`
	LastEngine   string    `json:"last_engine,omitempty"`
	LastCwd      string    `json:"last_cwd,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// CompactionMarker is the pending-compaction record for a session.
type CompactionMarker struct {
	CreatedAt time.Time `json:"created_at"`
}

// Info is a session listing entry.
type Info struct {
	SessionKey   string    `json:"session_key"`
	AgentID      string    `json:"agent_id"`
	LastActivity time.Time `json:"last_activity"`
}

// MetaStore reads and writes session metadata and compaction markers through
// the statestore KV contract. All reads tolerate missing keys.
type MetaStore struct {
	store statestore.Store
}

// NewMetaStore wraps a statestore.
func NewMetaStore(store statestore.Store) *MetaStore {
	return &MetaStore{store: store}
}

// Load returns the metadata for a session, if any.
func (m *MetaStore) Load(ctx context.Context, sessionKey string) (*Meta, bool, error) {
	raw, found, err := m.store.Get(ctx, statestore.SessionMetaKey(sessionKey))
	if err != nil || !found {
		return nil, false, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false, fmt.Errorf("corrupt session meta for %q: %w", sessionKey, err)
	}
	return &meta, true, nil
}

// Save writes the metadata for a session.
func (m *MetaStore) Save(ctx context.Context, sessionKey string, meta *Meta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session meta: %w", err)
	}
	return m.store.Put(ctx, statestore.SessionMetaKey(sessionKey), raw)
}

// Touch updates only the last-activity timestamp, preserving other fields.
func (m *MetaStore) Touch(ctx context.Context, sessionKey string, now time.Time) error {
	meta, found, err := m.Load(ctx, sessionKey)
	if err != nil {
		return err
	}
	if !found {
		meta = &Meta{}
	}
	meta.LastActivity = now.UTC()
	return m.Save(ctx, sessionKey, meta)
}

// List enumerates every session with stored metadata, most recent first.
func (m *MetaStore) List(ctx context.Context) ([]Info, error) {
	entries, err := m.store.List(ctx, statestore.SessionMetaPrefix())
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	prefixLen := len(statestore.SessionMetaPrefix())
	for key, raw := range entries {
		sessionKey := key[prefixLen:]
		var meta Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue // skip corrupt entries rather than failing the listing
		}
		infos = append(infos, Info{
			SessionKey:   sessionKey,
			AgentID:      AgentOf(sessionKey),
			LastActivity: meta.LastActivity,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].LastActivity.Equal(infos[j].LastActivity) {
			return infos[i].SessionKey < infos[j].SessionKey
		}
		return infos[i].LastActivity.After(infos[j].LastActivity)
	})
	return infos, nil
}

// Latest returns the most recently active session for an agent, if any.
func (m *MetaStore) Latest(ctx context.Context, agentID string) (string, bool, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return "", false, err
	}
	for _, info := range infos {
		if info.AgentID == agentID {
			return info.SessionKey, true, nil
		}
	}
	return "", false, nil
}

// MarkPendingCompaction persists the compaction marker for a session.
func (m *MetaStore) MarkPendingCompaction(ctx context.Context, sessionKey string, now time.Time) error {
	raw, err := json.Marshal(CompactionMarker{CreatedAt: now.UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal compaction marker: %w", err)
	}
	return m.store.Put(ctx, statestore.PendingCompactionKey(sessionKey), raw)
}

// PendingCompaction reports whether a live (non-expired) compaction marker
// exists for the session. Expired markers are lazily removed.
func (m *MetaStore) PendingCompaction(ctx context.Context, sessionKey string, ttl time.Duration, now time.Time) (bool, error) {
	raw, found, err := m.store.Get(ctx, statestore.PendingCompactionKey(sessionKey))
	if err != nil || !found {
		return false, err
	}
	var marker CompactionMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		// Corrupt marker: drop it rather than wedging the session.
		_ = m.store.Delete(ctx, statestore.PendingCompactionKey(sessionKey))
		return false, nil
	}
	if now.Sub(marker.CreatedAt) > ttl {
		_ = m.store.Delete(ctx, statestore.PendingCompactionKey(sessionKey))
		return false, nil
	}
	return true, nil
}

// ClearPendingCompaction removes the marker after a successful compaction turn.
func (m *MetaStore) ClearPendingCompaction(ctx context.Context, sessionKey string) error {
	return m.store.Delete(ctx, statestore.PendingCompactionKey(sessionKey))
}
