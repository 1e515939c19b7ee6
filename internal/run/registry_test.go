package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovehq/grove/internal/session"
)

func newIdleProcess(t *testing.T, agentID string) *Process {
	t.Helper()
	f := newFixture(t)
	job := testJob("parked")
	job.SessionKey = session.MainKey(agentID)
	return NewProcess(f.config(job))
}

func TestRegistryDualKeyLookup(t *testing.T) {
	reg := NewRegistry()
	p := newIdleProcess(t, "ops")
	require.NoError(t, reg.Register(p))

	got, found := reg.ByRunID(p.ID())
	require.True(t, found)
	assert.Same(t, p, got)

	got, found = reg.BySession(session.MainKey("ops"))
	require.True(t, found)
	assert.Same(t, p, got)

	got, found = reg.Lookup(p.ID())
	require.True(t, found)
	assert.Same(t, p, got)

	got, found = reg.Lookup(session.MainKey("ops"))
	require.True(t, found)
	assert.Same(t, p, got)

	_, found = reg.Lookup("nope")
	assert.False(t, found)

	assert.Equal(t, 1, reg.Active())
}

func TestRegistryRefusesSecondRunPerSession(t *testing.T) {
	reg := NewRegistry()
	p1 := newIdleProcess(t, "ops")
	p2 := newIdleProcess(t, "ops")
	require.NoError(t, reg.Register(p1))

	err := reg.Register(p2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has active run")
	assert.Contains(t, err.Error(), p1.ID())

	// The owner stays registered under both keys.
	_, found := reg.ByRunID(p1.ID())
	assert.True(t, found)
	_, found = reg.ByRunID(p2.ID())
	assert.False(t, found)
	assert.Equal(t, 1, reg.Active())
}

func TestRegistryUnregisterChecksIdentity(t *testing.T) {
	reg := NewRegistry()
	p1 := newIdleProcess(t, "ops")
	p2 := newIdleProcess(t, "ops")
	require.NoError(t, reg.Register(p1))

	// A process that never held the session must not evict the owner.
	reg.Unregister(p2)
	got, found := reg.BySession(session.MainKey("ops"))
	require.True(t, found)
	assert.Same(t, p1, got)

	reg.Unregister(p1)
	_, found = reg.BySession(session.MainKey("ops"))
	assert.False(t, found)
	_, found = reg.ByRunID(p1.ID())
	assert.False(t, found)
	assert.Zero(t, reg.Active())

	// Double unregister is a no-op.
	reg.Unregister(p1)
	assert.Zero(t, reg.Active())
}

func TestRegistryRecords(t *testing.T) {
	reg := NewRegistry()
	p1 := newIdleProcess(t, "ops")
	p2 := newIdleProcess(t, "research")
	require.NoError(t, reg.Register(p1))
	require.NoError(t, reg.Register(p2))

	recs := reg.Records()
	require.Len(t, recs, 2)
	keys := map[string]bool{}
	for _, rec := range recs {
		keys[rec.SessionKey] = true
		assert.Equal(t, StateCreated, rec.State)
	}
	assert.True(t, keys[session.MainKey("ops")])
	assert.True(t, keys[session.MainKey("research")])
}
