package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovehq/grove/internal/agentcfg"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/events"
	"github.com/grovehq/grove/internal/events/bus"
	"github.com/grovehq/grove/internal/policy"
	"github.com/grovehq/grove/internal/session"
	"github.com/grovehq/grove/internal/statestore"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// stubEngine registers an id with the resolver without being runnable.
type stubEngine struct{ id string }

func (s *stubEngine) ID() string          { return s.id }
func (s *stubEngine) SupportsSteer() bool { return false }

func (s *stubEngine) ExtractResume(text string) *engine.ResumeToken {
	return engine.ExtractPrefixedToken(s.id, text)
}

func (s *stubEngine) FormatResume(t engine.ResumeToken) string { return t.String() }

func (s *stubEngine) StartRun(ctx context.Context, job *engine.Job, opts engine.StartOpts, sink engine.Sink) (engine.Handle, string, error) {
	return nil, "", errors.New("stub engine cannot run")
}

func (s *stubEngine) Cancel(ctx context.Context, h engine.Handle, reason string) error {
	return engine.ErrBadHandle
}

// captureEnqueuer records submitted jobs instead of running them.
type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []*engine.Job
	err  error
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, job *engine.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureEnqueuer) last() *engine.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.jobs) == 0 {
		return nil
	}
	return c.jobs[len(c.jobs)-1]
}

const testProfiles = `
version: 1
agents:
  - id: ops
    display_name: Ops
    model: claude-sonnet-4-5
    engine: mock
    policy:
      approvals:
        bash: on_miss
  - id: research
    display_name: Research
    cwd: /srv/research
  - id: plain
    display_name: Plain
`

type fixture struct {
	t        *testing.T
	enq      *captureEnqueuer
	engines  *engine.Registry
	profiles *agentcfg.Registry
	meta     *session.MetaStore
	policies *session.PolicyStore
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger(t)

	engines := engine.NewRegistry()
	for _, id := range []string{"lemon", "openai", "mock"} {
		require.NoError(t, engines.Register(&stubEngine{id: id}))
	}

	profiles := agentcfg.NewRegistry(log)
	require.NoError(t, profiles.LoadBytes([]byte(testProfiles)))

	store := statestore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		t:        t,
		enq:      &captureEnqueuer{},
		engines:  engines,
		profiles: profiles,
		meta:     session.NewMetaStore(store),
		policies: session.NewPolicyStore(store),
	}
	f.orch = New(Deps{
		Scheduler: f.enq,
		Profiles:  profiles,
		Engines:   engines,
		Meta:      f.meta,
		Policies:  f.policies,
	}, log, Config{
		DefaultEngine: "lemon",
		DefaultModel:  "claude-sonnet-4-5",
		CallerCwd:     "/var/lib/grove",
	})
	return f
}

func (f *fixture) submit(req Request) (*Submission, error) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.orch.Submit(ctx, req)
}

func TestSubmitResolvesSystemDefaults(t *testing.T) {
	f := newFixture(t)

	sub, err := f.submit(Request{
		SessionKey: session.MainKey("plain"),
		Channel:    "webchat",
		Text:       "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "plain", sub.AgentID)
	assert.Equal(t, "lemon", sub.Engine)
	assert.Equal(t, "claude-sonnet-4-5", sub.Model)
	assert.Equal(t, "/var/lib/grove", sub.Cwd)
	assert.Equal(t, engine.ModeCollect, sub.QueueMode)
	assert.False(t, sub.Resumed)

	job := f.enq.last()
	require.NotNil(t, job)
	assert.Equal(t, "lemon", job.EngineHint)
	assert.Equal(t, "claude-sonnet-4-5", job.Model)
	assert.Equal(t, "webchat", job.Channel)
	assert.Nil(t, job.Resume)
	require.NotNil(t, job.Policy)
	assert.Equal(t, policy.ApprovalNever, job.Policy.For(policy.ToolBash))
}

func TestModelPrecedence(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		prepare func(f *fixture)
		want    string
	}{
		{
			name: "request wins over everything",
			req: Request{
				SessionKey: session.MainKey("ops"),
				Model:      "gpt-5",
				Meta:       map[string]string{"model": "o3-mini"},
			},
			want: "gpt-5",
		},
		{
			name: "message meta beats session store",
			req: Request{
				SessionKey: session.MainKey("ops"),
				Meta:       map[string]string{"model": "o3-mini"},
			},
			prepare: func(f *fixture) {
				require.NoError(f.t, f.meta.Save(ctx, session.MainKey("ops"), &session.Meta{LastModel: "gpt-5"}))
			},
			want: "o3-mini",
		},
		{
			name: "session store beats profile",
			req:  Request{SessionKey: session.MainKey("ops")},
			prepare: func(f *fixture) {
				require.NoError(f.t, f.meta.Save(ctx, session.MainKey("ops"), &session.Meta{LastModel: "claude-opus-4"}))
			},
			want: "claude-opus-4",
		},
		{
			name: "profile beats system default",
			req:  Request{SessionKey: session.MainKey("ops")},
			want: "claude-sonnet-4-5",
		},
		{
			name: "system default as last resort",
			req:  Request{SessionKey: session.MainKey("plain")},
			want: "claude-sonnet-4-5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			tt.req.Text = "hello"
			tt.req.Channel = "webchat"
			sub, err := f.submit(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sub.Model)
		})
	}
}

func TestEnginePrecedence(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "explicit request",
			req:  Request{SessionKey: session.MainKey("plain"), Text: "hi", Engine: "openai"},
			want: "openai",
		},
		{
			name: "message meta hint",
			req:  Request{SessionKey: session.MainKey("plain"), Text: "hi", Meta: map[string]string{"engine": "openai"}},
			want: "openai",
		},
		{
			name: "gpt model implies openai",
			req:  Request{SessionKey: session.MainKey("plain"), Text: "hi", Model: "gpt-5"},
			want: "openai",
		},
		{
			name: "o-series model implies openai",
			req:  Request{SessionKey: session.MainKey("plain"), Text: "hi", Model: "o3-mini"},
			want: "openai",
		},
		{
			name: "claude model implies lemon over profile engine",
			req:  Request{SessionKey: session.MainKey("ops"), Text: "hi"},
			want: "lemon",
		},
		{
			name: "profile engine when model implies nothing",
			req:  Request{SessionKey: session.MainKey("ops"), Text: "hi", Model: "mistral-large"},
			want: "mock",
		},
		{
			name: "system default at the bottom",
			req:  Request{SessionKey: session.MainKey("plain"), Text: "hi", Model: "mistral-large"},
			want: "lemon",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.req.Channel = "webchat"
			sub, err := f.submit(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sub.Engine)
			assert.Equal(t, tt.want, f.enq.last().EngineHint)
		})
	}
}

func TestResumeTokenDominatesEngineChoice(t *testing.T) {
	f := newFixture(t)

	sub, err := f.submit(Request{
		SessionKey: session.MainKey("plain"),
		Channel:    "webchat",
		Text:       "continue lemon:sess-f00 where we left off",
		Engine:     "openai",
		Model:      "gpt-5",
	})
	require.NoError(t, err)

	assert.Equal(t, "lemon", sub.Engine)
	assert.True(t, sub.Resumed)
	job := f.enq.last()
	require.NotNil(t, job.Resume)
	assert.Equal(t, "lemon", job.Resume.Engine)
	assert.Equal(t, "sess-f00", job.Resume.Value)
	// The model hint still resolves independently of the engine switch.
	assert.Equal(t, "gpt-5", sub.Model)
}

func TestStickyEngineOverride(t *testing.T) {
	f := newFixture(t)

	sub, err := f.submit(Request{
		SessionKey: session.MainKey("plain"),
		Channel:    "webchat",
		Text:       "please Switch To OPENAI and rerun the benchmark",
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", sub.Engine)

	// Unregistered names fall through to the normal chain.
	sub, err = f.submit(Request{
		SessionKey: session.MainKey("plain"),
		Channel:    "webchat",
		Text:       "use turbo mode for this",
	})
	require.NoError(t, err)
	assert.Equal(t, "lemon", sub.Engine)
}

func TestUnknownEngineRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(Request{
		SessionKey: session.MainKey("plain"),
		Channel:    "webchat",
		Text:       "hi",
		Engine:     "hal9000",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine")
	assert.Nil(t, f.enq.last())
}

func TestCwdPrecedence(t *testing.T) {
	ctx := context.Background()

	t.Run("profile cwd", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.submit(Request{SessionKey: session.MainKey("research"), Channel: "webchat", Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "/srv/research", sub.Cwd)
	})

	t.Run("session cwd beats profile", func(t *testing.T) {
		f := newFixture(t)
		key := session.MainKey("research")
		require.NoError(t, f.meta.Save(ctx, key, &session.Meta{LastCwd: "/tmp/scratch"}))
		sub, err := f.submit(Request{SessionKey: key, Channel: "webchat", Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "/tmp/scratch", sub.Cwd)
	})

	t.Run("request cwd beats session", func(t *testing.T) {
		f := newFixture(t)
		key := session.MainKey("research")
		require.NoError(t, f.meta.Save(ctx, key, &session.Meta{LastCwd: "/tmp/scratch"}))
		sub, err := f.submit(Request{SessionKey: key, Channel: "webchat", Text: "hi", Cwd: "/home/dev/proj"})
		require.NoError(t, err)
		assert.Equal(t, "/home/dev/proj", sub.Cwd)
	})

	t.Run("caller cwd as last resort", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.submit(Request{SessionKey: session.MainKey("plain"), Channel: "webchat", Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/grove", sub.Cwd)
	})
}

func TestPolicyMergeAcrossLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.config.ChannelPolicies = map[string]*policy.Policy{
		"webchat": {Approvals: map[string]policy.Approval{
			policy.ToolBash: policy.ApprovalNever,
			policy.ToolWeb:  policy.ApprovalOnMiss,
		}},
	}
	key := session.ChannelKey("ops", "webchat", "acc1", session.PeerDM, "u42")
	require.NoError(t, f.policies.Save(ctx, key, &policy.Policy{
		Approvals: map[string]policy.Approval{policy.ToolWeb: policy.ApprovalAlways},
	}))

	_, err := f.submit(Request{
		SessionKey: key,
		Channel:    "webchat",
		Text:       "deploy it",
		Policy: &policy.Policy{
			Approvals: map[string]policy.Approval{policy.ToolProcess: policy.ApprovalNever},
		},
	})
	require.NoError(t, err)

	pol := f.enq.last().Policy
	require.NotNil(t, pol)
	// Channel overrides the profile's bash=on_miss; session overrides the
	// channel's web=on_miss; runtime sets process.
	assert.Equal(t, policy.ApprovalNever, pol.For(policy.ToolBash))
	assert.Equal(t, policy.ApprovalAlways, pol.For(policy.ToolWeb))
	assert.Equal(t, policy.ApprovalNever, pol.For(policy.ToolProcess))
	// DM peers get no group hardening: write stays unset.
	assert.Equal(t, policy.ApprovalNever, pol.For(policy.ToolWrite))
}

func TestGroupPeerPolicyDefaults(t *testing.T) {
	f := newFixture(t)

	key := session.ChannelKey("ops", "webchat", "acc1", session.PeerGroup, "room9")
	_, err := f.submit(Request{SessionKey: key, Channel: "webchat", Text: "ship it"})
	require.NoError(t, err)

	pol := f.enq.last().Policy
	require.NotNil(t, pol)
	// Profile already set bash; the group default must not weaken it.
	assert.Equal(t, policy.ApprovalOnMiss, pol.For(policy.ToolBash))
	assert.Equal(t, policy.ApprovalAlways, pol.For(policy.ToolWrite))
	assert.Equal(t, policy.ApprovalAlways, pol.For(policy.ToolProcess))
	assert.Equal(t, policy.ApprovalNever, pol.For(policy.ToolWeb))
}

func TestQueueModePassThrough(t *testing.T) {
	f := newFixture(t)

	sub, err := f.submit(Request{
		SessionKey: session.MainKey("plain"),
		Channel:    "webchat",
		Text:       "also check the logs",
		QueueMode:  engine.ModeSteer,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeSteer, sub.QueueMode)
	assert.Equal(t, engine.ModeSteer, f.enq.last().QueueMode)
}

func TestRequestMetaAndCompactionFlagCarried(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(Request{
		SessionKey:     session.MainKey("plain"),
		Channel:        "webchat",
		Text:           "summarize the conversation so far",
		UserMessageID:  "msg-77",
		AutoCompaction: true,
		Meta:           map[string]string{"origin": "router"},
	})
	require.NoError(t, err)

	job := f.enq.last()
	assert.True(t, job.AutoCompaction)
	assert.Equal(t, "msg-77", job.UserMessageID)
	assert.Equal(t, "router", job.Meta["origin"])
}

func TestMetaWriteBackAfterAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := session.MainKey("ops")

	_, err := f.submit(Request{SessionKey: key, Channel: "webchat", Text: "hi", Model: "gpt-5"})
	require.NoError(t, err)

	meta, found, err := f.meta.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "gpt-5", meta.LastModel)
	assert.Equal(t, "openai", meta.LastEngine)
	assert.WithinDuration(t, time.Now().UTC(), meta.LastActivity, 5*time.Second)

	// The next plain turn sticks to the written-back model.
	sub, err := f.submit(Request{SessionKey: key, Channel: "webchat", Text: "continue"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", sub.Model)
	assert.Equal(t, "openai", sub.Engine)
}

func TestNoWriteBackWhenEnqueueFails(t *testing.T) {
	f := newFixture(t)
	f.enq.err = errors.New("scheduler stopped")
	key := session.MainKey("ops")

	_, err := f.submit(Request{SessionKey: key, Channel: "webchat", Text: "hi"})
	require.Error(t, err)

	_, found, err := f.meta.Load(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSessionLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	f.orch.deps.Bus = eventBus

	key := session.MainKey("plain")
	var mu sync.Mutex
	var created, updated int
	sub1, err := eventBus.Subscribe(events.BuildSessionSubject(events.SessionCreated, key), func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		created++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub1.Unsubscribe()
	sub2, err := eventBus.Subscribe(events.BuildSessionSubject(events.SessionMetaUpdated, key), func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		updated++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub2.Unsubscribe()

	_, err = f.submit(Request{SessionKey: key, Channel: "webchat", Text: "first"})
	require.NoError(t, err)
	_, err = f.submit(Request{SessionKey: key, Channel: "webchat", Text: "second"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return created == 1 && updated == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectsUnknownAgentAndBadKeys(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(Request{SessionKey: session.MainKey("ghost"), Channel: "webchat", Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	_, err = f.submit(Request{SessionKey: "not-a-key", Channel: "webchat", Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad session key")
}
