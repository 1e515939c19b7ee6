// Package router is the intake edge of the core: it turns inbound channel
// messages into orchestrator submissions or control actions, and offers
// the programmatic send surface used by the HTTP API and MCP tools.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/agentcfg"
	"github.com/grovehq/grove/internal/channels"
	"github.com/grovehq/grove/internal/common/config"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/orchestrator"
	"github.com/grovehq/grove/internal/run"
	"github.com/grovehq/grove/internal/session"
)

var (
	ErrUnknownAgent  = errors.New("unknown agent")
	ErrBadSessionKey = errors.New("bad session key")
	ErrNoActiveRun   = errors.New("no active run")
)

// Control verbs carried by inbound messages instead of a user turn.
const (
	ControlAbort     = "abort"
	ControlKeepalive = "keepalive"
)

// Keepalive answers.
const (
	KeepaliveWait = "wait"
	KeepaliveStop = "stop"
)

// compactionPreamble heads the synthesized turn that replaces the first
// user message after a pending-compaction marker.
const compactionPreamble = "The conversation context is nearly full. " +
	"First summarize everything so far into a compact brief that keeps " +
	"decisions, open questions and current task state, then continue with " +
	"the message below."

// InboundMessage is one ingress event from a channel transport. It is
// routed once and discarded.
type InboundMessage struct {
	Channel  string
	Account  string
	PeerKind session.PeerKind
	PeerID   string
	ThreadID string

	Text          string
	UserMessageID string

	// AgentID bypasses the binding table when set.
	AgentID string
	// SessionKeyOverride pins the session regardless of derivation.
	SessionKeyOverride string

	// Control carries a control verb (abort, keepalive) instead of a user
	// turn; ControlArg holds the keepalive answer, wait or stop.
	Control    string
	ControlArg string

	QueueMode engine.QueueMode
	Model     string
	Engine    string
	Cwd       string
	Meta      map[string]string

	// AutoCompaction marks a turn the core synthesized itself; such turns
	// are never intercepted again.
	AutoCompaction bool
}

// Outcome classifies what HandleInbound did with a message.
type Outcome string

const (
	OutcomeSubmitted      Outcome = "submitted"
	OutcomeControlHandled Outcome = "control_handled"
)

// Result reports how an inbound message was routed.
type Result struct {
	Outcome    Outcome                  `json:"outcome"`
	SessionKey string                   `json:"session_key"`
	Submission *orchestrator.Submission `json:"submission,omitempty"`
}

// Submitter resolves and enqueues requests. Implemented by the
// orchestrator.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.Request) (*orchestrator.Submission, error)
}

// Deps are the router's collaborators.
type Deps struct {
	Orchestrator Submitter
	Profiles     *agentcfg.Registry
	Runs         *run.Registry
	Channels     *channels.Registry
	Meta         *session.MetaStore
}

// Config holds the routing table and interception settings.
type Config struct {
	// Bindings map channel/account pairs to agent ids. An empty account
	// matches any account on the channel.
	Bindings []config.BindingConfig
	// CompactionTTL bounds how long a pending-compaction marker stays
	// eligible for interception.
	CompactionTTL time.Duration
	// DefaultChannel labels programmatic submissions with no channel.
	DefaultChannel string
}

// DefaultConfig returns the standard router settings.
func DefaultConfig() Config {
	return Config{
		CompactionTTL:  12 * time.Hour,
		DefaultChannel: "api",
	}
}

// Router converts inbound messages into submissions or control actions.
type Router struct {
	deps   Deps
	logger *logger.Logger
	config Config

	// bindings[channel][account] → agent id; "" account is the wildcard.
	bindings map[string]map[string]string
}

// New creates a router and digests the binding table.
func New(deps Deps, log *logger.Logger, cfg Config) *Router {
	if cfg.CompactionTTL <= 0 {
		cfg.CompactionTTL = 12 * time.Hour
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "api"
	}
	r := &Router{
		deps:     deps,
		logger:   log.WithFields(zap.String("component", "router")),
		config:   cfg,
		bindings: make(map[string]map[string]string),
	}
	for _, b := range cfg.Bindings {
		accounts := r.bindings[b.Channel]
		if accounts == nil {
			accounts = make(map[string]string)
			r.bindings[b.Channel] = accounts
		}
		accounts[b.Account] = b.Agent
	}
	return r
}

// HandleInbound routes one message: control verbs short-circuit, pending
// compaction rewrites the turn, everything else is submitted. Errors are
// returned to the transport caller, never pushed to the channel.
func (r *Router) HandleInbound(ctx context.Context, msg *InboundMessage) (*Result, error) {
	if msg == nil || msg.Channel == "" {
		return nil, fmt.Errorf("inbound message needs a channel")
	}

	agentID, err := r.resolveAgent(msg)
	if err != nil {
		return nil, err
	}

	key, err := r.deriveKey(agentID, msg)
	if err != nil {
		return nil, err
	}

	switch msg.Control {
	case ControlAbort:
		reason := strings.TrimSpace(msg.Text)
		if reason == "" {
			reason = "aborted by user"
		}
		if err := r.Abort(key, reason); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeControlHandled, SessionKey: key}, nil
	case ControlKeepalive:
		if err := r.resolveKeepalive(msg.Channel, key, msg.ControlArg); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeControlHandled, SessionKey: key}, nil
	case "":
	default:
		return nil, fmt.Errorf("unknown control verb %q", msg.Control)
	}

	text, auto := r.interceptCompaction(ctx, key, msg)

	sub, err := r.deps.Orchestrator.Submit(ctx, orchestrator.Request{
		SessionKey:     key,
		Channel:        msg.Channel,
		Text:           text,
		UserMessageID:  msg.UserMessageID,
		QueueMode:      msg.QueueMode,
		Model:          msg.Model,
		Engine:         msg.Engine,
		Cwd:            msg.Cwd,
		Meta:           msg.Meta,
		AutoCompaction: auto,
	})
	if err != nil {
		r.logger.Warn("inbound submission failed",
			zap.String("channel", msg.Channel),
			zap.String("session_key", key),
			zap.Error(err))
		return nil, err
	}
	return &Result{Outcome: OutcomeSubmitted, SessionKey: key, Submission: sub}, nil
}

// Abort cancels the active run addressed by a session key or run id.
func (r *Router) Abort(sessionKeyOrRunID, reason string) error {
	p, ok := r.deps.Runs.Lookup(sessionKeyOrRunID)
	if !ok {
		return fmt.Errorf("%w for %q", ErrNoActiveRun, sessionKeyOrRunID)
	}
	if reason == "" {
		reason = "aborted by user"
	}
	p.Cancel(reason)
	r.logger.Info("abort requested",
		zap.String("run_id", p.ID()),
		zap.String("session_key", p.SessionKey()),
		zap.String("reason", reason))
	return nil
}

// SendOpts shape a programmatic submission.
type SendOpts struct {
	// SessionKey targets an explicit session. Wins over NewSession.
	SessionKey string
	// NewSession forces a fresh control-plane sub-session.
	NewSession bool

	Channel   string
	QueueMode engine.QueueMode
	Model     string
	Engine    string
	Cwd       string
	Meta      map[string]string
}

// SendToAgent submits text to an agent without a channel message. Session
// selection: explicit key, forced new sub-session, or the agent's most
// recently active session (falling back to the control-plane session).
func (r *Router) SendToAgent(ctx context.Context, agentID, text string, opts SendOpts) (*orchestrator.Submission, error) {
	if !r.deps.Profiles.Exists(agentID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}

	key := opts.SessionKey
	switch {
	case key != "":
	case opts.NewSession:
		key = session.WithSub(session.MainKey(agentID), uuid.NewString()[:8])
	default:
		latest, found, err := r.deps.Meta.Latest(ctx, agentID)
		if err != nil {
			r.logger.Warn("failed to look up latest session",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
		if found {
			key = latest
		} else {
			key = session.MainKey(agentID)
		}
	}

	channel := opts.Channel
	if channel == "" {
		channel = r.config.DefaultChannel
	}

	return r.deps.Orchestrator.Submit(ctx, orchestrator.Request{
		SessionKey: key,
		Channel:    channel,
		Text:       text,
		QueueMode:  opts.QueueMode,
		Model:      opts.Model,
		Engine:     opts.Engine,
		Cwd:        opts.Cwd,
		Meta:       opts.Meta,
	})
}

// resolveAgent applies the explicit agent id or the binding table, then
// checks the profile exists.
func (r *Router) resolveAgent(msg *InboundMessage) (string, error) {
	agentID := msg.AgentID
	if agentID == "" {
		accounts := r.bindings[msg.Channel]
		if id, ok := accounts[msg.Account]; ok {
			agentID = id
		} else if id, ok := accounts[""]; ok {
			agentID = id
		}
	}
	if agentID == "" {
		return "", fmt.Errorf("%w: no binding for channel %q account %q",
			ErrUnknownAgent, msg.Channel, msg.Account)
	}
	if !r.deps.Profiles.Exists(agentID) {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	return agentID, nil
}

// deriveKey computes and validates the canonical session key.
func (r *Router) deriveKey(agentID string, msg *InboundMessage) (string, error) {
	account := msg.Account
	if account == "" {
		account = "default"
	}
	kind := msg.PeerKind
	if kind == "" {
		kind = session.PeerDM
	}

	var key string
	if msg.SessionKeyOverride == "" && msg.PeerID == "" {
		// Peerless transports land on the control-plane session.
		key = session.MainKey(agentID)
	} else {
		key = session.Derive(agentID, msg.Channel, account, kind, msg.PeerID, msg.ThreadID, msg.SessionKeyOverride)
	}
	if _, err := session.Parse(key); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSessionKey, err)
	}
	return key, nil
}

// interceptCompaction rewrites the turn into a compaction prompt when the
// session carries a fresh pending-compaction marker. The marker stays
// until the compaction run completes; repeat turns before that keep the
// compaction preamble.
func (r *Router) interceptCompaction(ctx context.Context, key string, msg *InboundMessage) (string, bool) {
	if msg.AutoCompaction {
		return msg.Text, true
	}
	pending, err := r.deps.Meta.PendingCompaction(ctx, key, r.config.CompactionTTL, time.Now())
	if err != nil {
		r.logger.Warn("pending-compaction check failed",
			zap.String("session_key", key),
			zap.Error(err))
		return msg.Text, false
	}
	if !pending {
		return msg.Text, false
	}
	r.logger.Info("rewriting turn into compaction prompt", zap.String("session_key", key))
	return compactionPreamble + "\n\n" + msg.Text, true
}

// resolveKeepalive forwards a keepalive answer to the channel adapter.
func (r *Router) resolveKeepalive(channel, key, answer string) error {
	adapter, err := r.deps.Channels.Get(channel)
	if err != nil {
		return err
	}
	resolver, ok := adapter.(channels.KeepaliveResolver)
	if !ok {
		return fmt.Errorf("channel %q does not ask keepalive questions", channel)
	}
	keep := strings.EqualFold(answer, KeepaliveWait)
	resolver.ResolveKeepalive(key, keep)
	return nil
}
