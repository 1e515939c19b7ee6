// Package orchestrator turns an inbound request into a fully resolved
// Job: tool policy, model, engine, working directory and resume token,
// each picked by a documented precedence chain, then handed to the
// scheduler.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/agentcfg"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/events"
	"github.com/grovehq/grove/internal/events/bus"
	"github.com/grovehq/grove/internal/policy"
	"github.com/grovehq/grove/internal/session"
)

// Enqueuer admits resolved jobs. Implemented by the scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *engine.Job) error
}

// Config holds the system-level resolution defaults, the bottom of every
// precedence chain.
type Config struct {
	DefaultEngine string
	DefaultModel  string
	// CallerCwd is the last-resort working directory, normally the
	// process working directory at startup.
	CallerCwd string
	// ChannelPolicies is the channel-level policy layer, keyed by
	// channel id, built from the binding table.
	ChannelPolicies map[string]*policy.Policy
}

// Request is one turn to resolve and submit.
type Request struct {
	SessionKey    string
	Channel       string
	Text          string
	UserMessageID string
	QueueMode     engine.QueueMode

	// Explicit per-request overrides, the top of the precedence chains.
	Model  string
	Engine string
	Cwd    string
	Policy *policy.Policy

	// Meta is channel message metadata; "model" and "engine" entries act
	// as hints below explicit overrides.
	Meta map[string]string

	AutoCompaction bool
}

// Submission reports what a successful Submit resolved.
type Submission struct {
	SessionKey string           `json:"session_key"`
	AgentID    string           `json:"agent_id"`
	Engine     string           `json:"engine"`
	Model      string           `json:"model"`
	Cwd        string           `json:"cwd,omitempty"`
	QueueMode  engine.QueueMode `json:"queue_mode"`
	Resumed    bool             `json:"resumed,omitempty"`
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Scheduler Enqueuer
	Profiles  *agentcfg.Registry
	Engines   *engine.Registry
	Meta      *session.MetaStore
	Policies  *session.PolicyStore

	// Bus receives session lifecycle telemetry; nil disables it.
	Bus bus.EventBus
}

// Orchestrator resolves requests. Resolution itself has no side effects
// beyond reads; the session meta write-back happens only after the
// scheduler accepted the job.
type Orchestrator struct {
	deps   Deps
	logger *logger.Logger
	config Config

	stickyMu  sync.Mutex
	stickySig string
	stickyRe  *regexp.Regexp
}

// New creates an orchestrator.
func New(deps Deps, log *logger.Logger, cfg Config) *Orchestrator {
	if cfg.DefaultEngine == "" {
		cfg.DefaultEngine = "lemon"
	}
	return &Orchestrator{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "orchestrator")),
		config: cfg,
	}
}

// Submit resolves the request and enqueues the resulting job. On success
// the chosen model and engine are written back to the session metadata
// so later turns stick to them.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Submission, error) {
	parsed, err := session.Parse(req.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("bad session key: %w", err)
	}
	prof, err := o.deps.Profiles.Get(parsed.AgentID)
	if err != nil {
		return nil, err
	}

	meta, metaFound, err := o.deps.Meta.Load(ctx, req.SessionKey)
	if err != nil {
		o.logger.Warn("failed to load session meta, resolving without it",
			zap.String("session_key", req.SessionKey),
			zap.Error(err))
		meta, metaFound = nil, false
	}

	model := o.resolveModel(req, prof, meta)
	tok := o.deps.Engines.ExtractResume(req.Text)
	engineID := o.resolveEngine(req, prof, model, tok)
	if !o.deps.Engines.Exists(engineID) {
		return nil, fmt.Errorf("%w %q", engine.ErrUnknownEngine, engineID)
	}
	cwd := o.resolveCwd(req, prof, meta)
	pol := o.resolvePolicy(ctx, req, prof, parsed)

	mode := req.QueueMode
	if mode == "" {
		mode = engine.ModeCollect
	}

	job := &engine.Job{
		SessionKey:     req.SessionKey,
		Text:           req.Text,
		UserMessageID:  req.UserMessageID,
		Resume:         tok,
		EngineHint:     engineID,
		Model:          model,
		Cwd:            cwd,
		Policy:         pol,
		QueueMode:      mode,
		Channel:        req.Channel,
		AutoCompaction: req.AutoCompaction,
		Meta:           req.Meta,
	}
	if err := o.deps.Scheduler.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	o.writeBack(ctx, req.SessionKey, meta, metaFound, model, engineID)
	o.logger.Info("job submitted",
		zap.String("session_key", req.SessionKey),
		zap.String("agent_id", parsed.AgentID),
		zap.String("engine", engineID),
		zap.String("model", model),
		zap.String("queue_mode", string(mode)),
		zap.Bool("resumed", tok != nil),
		zap.String("policy", pol.Summary()))

	return &Submission{
		SessionKey: req.SessionKey,
		AgentID:    parsed.AgentID,
		Engine:     engineID,
		Model:      model,
		Cwd:        cwd,
		QueueMode:  mode,
		Resumed:    tok != nil,
	}, nil
}

// resolveModel: request > message meta > session-stored > profile
// default > system default.
func (o *Orchestrator) resolveModel(req Request, prof *agentcfg.Profile, meta *session.Meta) string {
	if req.Model != "" {
		return req.Model
	}
	if m := req.Meta["model"]; m != "" {
		return m
	}
	if meta != nil && meta.LastModel != "" {
		return meta.LastModel
	}
	if prof.Model != "" {
		return prof.Model
	}
	return o.config.DefaultModel
}

// resolveEngine: resume token > sticky text override > explicit request
// > message meta > model-implied > profile default > system default. A
// resume token for engine B switches the whole run to B.
func (o *Orchestrator) resolveEngine(req Request, prof *agentcfg.Profile, model string, tok *engine.ResumeToken) string {
	if tok != nil {
		return tok.Engine
	}
	if id, ok := o.stickyEngine(req.Text); ok {
		return id
	}
	if req.Engine != "" {
		return req.Engine
	}
	if id := req.Meta["engine"]; id != "" {
		return id
	}
	if id := engineForModel(model); id != "" && o.deps.Engines.Exists(id) {
		return id
	}
	if prof.Engine != "" {
		return prof.Engine
	}
	return o.config.DefaultEngine
}

// resolveCwd: request > session-stored > profile > caller cwd.
func (o *Orchestrator) resolveCwd(req Request, prof *agentcfg.Profile, meta *session.Meta) string {
	if req.Cwd != "" {
		return req.Cwd
	}
	if meta != nil && meta.LastCwd != "" {
		return meta.LastCwd
	}
	if prof.Cwd != "" {
		return prof.Cwd
	}
	return o.config.CallerCwd
}

// resolvePolicy merges agent, channel, session and runtime levels, later
// wins per tool, then applies the group-peer defaults.
func (o *Orchestrator) resolvePolicy(ctx context.Context, req Request, prof *agentcfg.Profile, parsed *session.Parsed) *policy.Policy {
	var sessPol *policy.Policy
	if o.deps.Policies != nil {
		p, found, err := o.deps.Policies.Load(ctx, req.SessionKey)
		if err != nil {
			o.logger.Warn("failed to load session policy, skipping level",
				zap.String("session_key", req.SessionKey),
				zap.Error(err))
		} else if found {
			sessPol = p
		}
	}
	merged := policy.Merge(prof.Policy, o.config.ChannelPolicies[req.Channel], sessPol, req.Policy)
	if parsed.PeerKind == session.PeerGroup {
		merged = policy.ApplyGroupDefaults(merged)
	}
	return merged
}

// stickyEngine matches "use <engine>", "switch to <engine>" or
// "with <engine>" against the registered engine ids. The override
// applies to this run only; it is never written back.
func (o *Orchestrator) stickyEngine(text string) (string, bool) {
	ids := o.deps.Engines.IDs()
	if len(ids) == 0 || text == "" {
		return "", false
	}
	m := o.stickyPattern(ids).FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

func (o *Orchestrator) stickyPattern(ids []string) *regexp.Regexp {
	sig := strings.Join(ids, ",")
	o.stickyMu.Lock()
	defer o.stickyMu.Unlock()
	if o.stickySig != sig {
		quoted := make([]string, len(ids))
		for i, id := range ids {
			quoted[i] = regexp.QuoteMeta(id)
		}
		o.stickyRe = regexp.MustCompile(`(?i)\b(?:use|switch to|with)\s+(` + strings.Join(quoted, "|") + `)\b`)
		o.stickySig = sig
	}
	return o.stickyRe
}

var oSeriesModel = regexp.MustCompile(`^o\d`)

// engineForModel routes model prefixes to the engine family that serves
// them.
func engineForModel(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-"), oSeriesModel.MatchString(lower):
		return "openai"
	case strings.HasPrefix(lower, "claude"):
		return "lemon"
	}
	return ""
}

// writeBack persists the chosen model and engine so the next turn in
// this session resolves to them by default.
func (o *Orchestrator) writeBack(ctx context.Context, sessionKey string, meta *session.Meta, existed bool, model, engineID string) {
	if meta == nil {
		meta = &session.Meta{}
	}
	meta.LastModel = model
	meta.LastEngine = engineID
	meta.LastActivity = time.Now().UTC()
	if err := o.deps.Meta.Save(ctx, sessionKey, meta); err != nil {
		o.logger.Warn("failed to write back session meta",
			zap.String("session_key", sessionKey),
			zap.Error(err))
		return
	}
	if !existed {
		o.publish(events.SessionCreated, sessionKey, map[string]any{
			"session_key": sessionKey,
			"agent_id":    session.AgentOf(sessionKey),
		})
	}
	o.publish(events.SessionMetaUpdated, sessionKey, map[string]any{
		"session_key": sessionKey,
		"model":       model,
		"engine":      engineID,
	})
}

func (o *Orchestrator) publish(eventType, sessionKey string, data map[string]any) {
	if o.deps.Bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "orchestrator", data)
	if err := o.deps.Bus.Publish(context.Background(), events.BuildSessionSubject(eventType, sessionKey), ev); err != nil {
		o.logger.Debug("event publish failed",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
