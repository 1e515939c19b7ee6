// Package run owns the lifecycle of one in-flight engine run: the actor
// bridging engine events to the channel adapter, the process-wide run
// registries, and the bounded supervisor the actors live under.
package run

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/agentcfg"
	"github.com/grovehq/grove/internal/channels"
	"github.com/grovehq/grove/internal/coalesce"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/events"
	"github.com/grovehq/grove/internal/events/bus"
	"github.com/grovehq/grove/internal/session"
	"github.com/grovehq/grove/internal/telemetry"
)

// State is where a run is in its lifecycle.
type State string

const (
	StateCreated    State = "created"
	StateRegistered State = "registered"
	StateSubmitted  State = "submitted"
	StateStreaming  State = "streaming"
	StateCompleting State = "completing"
	StateTerminated State = "terminated"
	StateAborted    State = "aborted"
	StateCrashed    State = "crashed"
)

// Terminal reports whether the state is a final one.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateAborted || s == StateCrashed
}

// Record is a point-in-time snapshot of a run's mutable state.
type Record struct {
	RunID             string    `json:"run_id"`
	SessionKey        string    `json:"session_key"`
	Channel           string    `json:"channel"`
	EngineID          string    `json:"engine_id"`
	EngineRunID       string    `json:"engine_run_id,omitempty"`
	State             State     `json:"state"`
	Attempt           int       `json:"attempt"`
	StartedAt         time.Time `json:"started_at"`
	LastActivity      time.Time `json:"last_activity"`
	ContextUsed       int64     `json:"context_used,omitempty"`
	ContextLimit      int64     `json:"context_limit,omitempty"`
	Resume            string    `json:"resume,omitempty"`
	AwaitingKeepalive bool      `json:"awaiting_keepalive,omitempty"`
	PendingCompaction bool      `json:"pending_compaction,omitempty"`
}

// Params tunes one run's lifecycle timers and limits.
type Params struct {
	// KillTimeout bounds the wait for a real Completed after cancel.
	KillTimeout time.Duration
	// IdleLimit is the watchdog deadline without Delta/Action activity.
	IdleLimit time.Duration
	// ConfirmTimeout bounds the keepalive question on interactive channels.
	ConfirmTimeout time.Duration
	// PreemptiveRatio is the context-usage fraction that schedules compaction.
	PreemptiveRatio float64
	// MaxAttempts caps silent retries; attempts beyond it deliver the failure.
	MaxAttempts int

	Stream coalesce.StreamParams
	Status coalesce.StatusParams
}

// DefaultParams returns the documented lifecycle defaults.
func DefaultParams() Params {
	return Params{
		KillTimeout:     2 * time.Second,
		IdleLimit:       2 * time.Hour,
		ConfirmTimeout:  5 * time.Minute,
		PreemptiveRatio: 0.9,
		MaxAttempts:     1,
		Stream:          coalesce.DefaultStreamParams(),
		Status:          coalesce.DefaultStatusParams(),
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.KillTimeout <= 0 {
		p.KillTimeout = def.KillTimeout
	}
	if p.IdleLimit <= 0 {
		p.IdleLimit = def.IdleLimit
	}
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = def.ConfirmTimeout
	}
	if p.PreemptiveRatio <= 0 {
		p.PreemptiveRatio = def.PreemptiveRatio
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Stream == (coalesce.StreamParams{}) {
		p.Stream = def.Stream
	}
	if p.Status == (coalesce.StatusParams{}) {
		p.Status = def.Status
	}
	return p
}

// ProcessConfig wires one run process to its collaborators.
type ProcessConfig struct {
	Job        *engine.Job
	Engine     engine.Engine
	Adapter    channels.Adapter
	Registry   *Registry
	Coalescers *coalesce.Registry
	Meta       *session.MetaStore

	// Channels resolves fanout destinations; nil disables fanout.
	Channels *channels.Registry
	Fanout   []agentcfg.FanoutTarget

	// Bus receives lifecycle telemetry; nil disables publishing.
	Bus bus.EventBus

	StartOpts engine.StartOpts
	// Release returns the scheduler slot. Called exactly once per run.
	Release func()
	Params  Params
	Log     *logger.Logger
}

const mailboxSize = 256

type procMsg interface{ isProcMsg() }

type engineEventMsg struct{ ev engine.Event }
type cancelRequestMsg struct{ reason string }
type keepaliveAnswerMsg struct {
	keepWaiting bool
	err         error
}
type killTimeoutMsg struct{}

func (engineEventMsg) isProcMsg()     {}
func (cancelRequestMsg) isProcMsg()   {}
func (keepaliveAnswerMsg) isProcMsg() {}
func (killTimeoutMsg) isProcMsg()     {}

// Process is the actor owning one run end-to-end: it registers the run,
// feeds engine events into the coalescers, runs the watchdog and the
// completion pipeline, and tears everything down exactly once.
type Process struct {
	cfg    ProcessConfig
	params Params
	log    *logger.Logger

	id      string
	channel string
	mailbox chan procMsg
	done    chan struct{}

	mu         sync.Mutex
	state      State
	handle     engine.Handle
	engRunID   string
	resume     *engine.ResumeToken
	usage      engine.Usage
	started    time.Time
	lastAct    time.Time
	attempt    int
	awaiting   bool // keepalive confirmation outstanding
	compaction bool // this run scheduled a compaction marker

	// Actor-owned; touched only from the run goroutine.
	ctx             context.Context
	span            trace.Span
	job             *engine.Job
	stream          *coalesce.StreamCoalescer
	status          *coalesce.ToolStatusCoalescer
	watchdog        *time.Timer
	killTimer       *time.Timer
	keepCancel      context.CancelFunc
	cancelled       bool
	cancelReason    string
	suppressStarted bool
	terminated      bool

	releaseOnce sync.Once
	doneOnce    sync.Once
}

// NewProcess builds a run process in the Created state. The run id is
// minted here so the run is addressable before the engine is submitted.
func NewProcess(cfg ProcessConfig) *Process {
	id := uuid.New().String()
	channel := cfg.Job.Channel
	if channel == "" {
		channel = cfg.Adapter.Channel()
	}
	p := &Process{
		cfg:     cfg,
		params:  cfg.Params.withDefaults(),
		id:      id,
		channel: channel,
		mailbox: make(chan procMsg, mailboxSize),
		done:    make(chan struct{}),
		state:   StateCreated,
		job:     cfg.Job,
		attempt: cfg.Job.Attempt,
	}
	p.log = cfg.Log.WithRunID(id).WithSessionKey(cfg.Job.SessionKey)
	return p
}

// ID returns the run id.
func (p *Process) ID() string { return p.id }

// SessionKey returns the session this run belongs to.
func (p *Process) SessionKey() string { return p.cfg.Job.SessionKey }

// Channel returns the destination channel id.
func (p *Process) Channel() string { return p.channel }

// EngineID returns the engine executing this run.
func (p *Process) EngineID() string { return p.cfg.Engine.ID() }

// Done closes when the run reached a terminal state and released its slot.
func (p *Process) Done() <-chan struct{} { return p.done }

// Record snapshots the run's mutable state.
func (p *Process) Record() Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := Record{
		RunID:             p.id,
		SessionKey:        p.cfg.Job.SessionKey,
		Channel:           p.channel,
		EngineID:          p.cfg.Engine.ID(),
		EngineRunID:       p.engRunID,
		State:             p.state,
		Attempt:           p.attempt,
		StartedAt:         p.started,
		LastActivity:      p.lastAct,
		ContextUsed:       p.usage.ContextUsed,
		ContextLimit:      p.usage.ContextLimit,
		AwaitingKeepalive: p.awaiting,
		PendingCompaction: p.compaction,
	}
	if p.resume != nil {
		rec.Resume = p.resume.String()
	}
	return rec
}

// Cancel requests best-effort termination. The run still flows through
// the completion pipeline, with a synthesized completion if the engine
// stays silent past the kill timeout.
func (p *Process) Cancel(reason string) {
	select {
	case p.mailbox <- cancelRequestMsg{reason: reason}:
	case <-p.done:
	}
}

// Steer forwards text into the live run. Callers degrade to a queued
// followup when this errors.
func (p *Process) Steer(ctx context.Context, text string) error {
	if !p.cfg.Engine.SupportsSteer() {
		return engine.ErrNotSupported
	}
	steerer, ok := p.cfg.Engine.(engine.Steerer)
	if !ok {
		return engine.ErrNotSupported
	}
	p.mu.Lock()
	h := p.handle
	state := p.state
	p.mu.Unlock()
	if h == nil || state.Terminal() || state == StateCompleting {
		return engine.ErrBadHandle
	}
	return steerer.Steer(ctx, h, text)
}

// sink is the engine event callback. It hands events to the actor
// mailbox, blocking for backpressure, and drops them once the run died.
func (p *Process) sink(ev engine.Event) {
	select {
	case p.mailbox <- engineEventMsg{ev: ev}:
	case <-p.done:
	}
}

// run is the actor body. It executes on a supervisor-owned goroutine.
func (p *Process) run(ctx context.Context) {
	ctx, p.span = telemetry.Tracer("run").Start(ctx, "run "+p.cfg.Engine.ID(),
		trace.WithAttributes(
			attribute.String("run.id", p.id),
			attribute.String("session.key", p.SessionKey()),
			attribute.String("engine.id", p.cfg.Engine.ID()),
			attribute.String("channel.id", p.channel),
		))
	p.ctx = ctx
	now := time.Now()
	p.mu.Lock()
	p.started = now
	p.lastAct = now
	p.mu.Unlock()

	if err := p.cfg.Registry.Register(p); err != nil {
		p.log.Error("run registration refused", zap.Error(err))
		p.failEarly(err.Error())
		return
	}
	p.setState(StateRegistered)

	p.stream = p.cfg.Coalescers.AcquireStream(p.SessionKey(), p.channel, p.params.Stream, p.cfg.Adapter.EmitStreamOutput)
	p.status = p.cfg.Coalescers.AcquireStatus(p.SessionKey(), p.channel, p.params.Status, p.cfg.Adapter.EmitToolStatus)

	if err := p.startEngine(); err != nil {
		p.log.Error("engine start failed", zap.String("engine", p.cfg.Engine.ID()), zap.Error(err))
		p.complete(engine.Completed{OK: false, ErrorText: "engine start failed: " + err.Error()})
		return
	}
	p.armWatchdog()
	p.loop()
}

func (p *Process) loop() {
	ctxDone := p.ctx.Done()
	for {
		var wd <-chan time.Time
		if p.watchdog != nil {
			wd = p.watchdog.C
		}
		select {
		case m := <-p.mailbox:
			p.dispatch(m)
		case <-wd:
			p.onWatchdogFire()
		case <-ctxDone:
			ctxDone = nil
			p.requestCancel("shutting down")
		}
		if p.terminated {
			return
		}
	}
}

func (p *Process) dispatch(m procMsg) {
	switch m := m.(type) {
	case engineEventMsg:
		p.onEngineEvent(m.ev)
	case cancelRequestMsg:
		p.requestCancel(m.reason)
	case keepaliveAnswerMsg:
		p.onKeepaliveAnswer(m)
	case killTimeoutMsg:
		p.onKillTimeout()
	}
}

func (p *Process) onEngineEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.Started:
		p.onStarted(ev)
	case engine.Delta:
		p.touchActivity()
		p.stream.Ingest(ev.Seq, ev.Text)
		p.publish(events.RunDelta, map[string]any{
			"run_id":      p.id,
			"session_key": p.SessionKey(),
			"seq":         ev.Seq,
			"chars":       len(ev.Text),
		})
	case engine.Action:
		p.touchActivity()
		p.status.Ingest(ev)
		p.publish(events.RunAction, map[string]any{
			"run_id":      p.id,
			"session_key": p.SessionKey(),
			"action_id":   ev.ID,
			"kind":        string(ev.Kind),
			"phase":       string(ev.Phase),
			"ok":          ev.OK,
		})
	case engine.Completed:
		p.complete(ev)
	}
}

func (p *Process) onStarted(ev engine.Started) {
	p.touchActivity()
	p.mu.Lock()
	if ev.Resume != nil {
		r := *ev.Resume
		p.resume = &r
	}
	p.state = StateStreaming
	p.mu.Unlock()

	if p.suppressStarted {
		// The retry attempt re-announces itself; the user already saw
		// the first start.
		p.suppressStarted = false
		return
	}
	p.cfg.Adapter.OnStarted(p.SessionKey(), channels.StartMeta{
		RunID:  p.id,
		Engine: p.cfg.Engine.ID(),
		Title:  ev.Title,
	})
	p.publish(events.RunStarted, map[string]any{
		"run_id":      p.id,
		"session_key": p.SessionKey(),
		"engine":      p.cfg.Engine.ID(),
	})
	p.log.Info("run streaming", zap.String("engine", p.cfg.Engine.ID()))
}

// startEngine submits the current job to the engine and records the handle.
func (p *Process) startEngine() error {
	handle, engRunID, err := p.cfg.Engine.StartRun(p.ctx, p.job, p.cfg.StartOpts, p.sink)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.handle = handle
	p.engRunID = engRunID
	p.state = StateSubmitted
	p.mu.Unlock()
	return nil
}

// complete runs the completion pipeline, in order: compaction check,
// retry check, coalescer finalization, outcome delivery with fanout,
// unregistration and teardown. A retry aborts the pipeline after step
// two and resubmits the job on the same coalescers.
func (p *Process) complete(ev engine.Completed) {
	if p.terminated || p.stateNow() == StateCompleting {
		return
	}
	p.stopKillTimer()
	p.stopWatchdog()
	p.clearKeepalive()

	p.mu.Lock()
	p.state = StateCompleting
	p.usage = ev.Usage
	if ev.Resume != nil {
		r := *ev.Resume
		p.resume = &r
	}
	p.mu.Unlock()

	class := engine.ClassifyFailure(ev.ErrorText)

	// 1. Compaction check.
	if ev.Usage.Ratio() >= p.params.PreemptiveRatio || class == engine.FailureContextOverflow {
		p.scheduleCompaction(ev, class)
	}

	// 2. Retry check. A qualifying transient empty failure restarts the
	// same job once, silently, on the same coalescers.
	if engine.ShouldRetry(ev, p.attemptNow(), p.params.MaxAttempts) {
		if p.retry() {
			return
		}
	}

	// 3 + 4. Finalize both coalescers; the adapter gets final snapshots.
	p.stream.Finalize()
	p.status.Finalize()

	// 5. Deliver the outcome to the origin channel, then fan out.
	out := p.buildOutcome(ev, class)
	p.cfg.Adapter.OnCompleted(p.SessionKey(), out)
	p.fanout(out)
	p.writeBackMeta(ev)

	// 6. Unregister, drop coalescers, release the slot, terminate.
	p.cfg.Registry.Unregister(p)
	p.cfg.Coalescers.Drop(p.SessionKey(), p.channel)
	p.publish(events.RunCompleted, map[string]any{
		"run_id":      p.id,
		"session_key": p.SessionKey(),
		"ok":          ev.OK,
		"cancelled":   out.Cancelled,
		"class":       class.String(),
	})
	final := StateTerminated
	if out.Cancelled {
		final = StateAborted
	}
	p.setState(final)
	p.log.Info("run terminated",
		zap.Bool("ok", ev.OK),
		zap.String("class", class.String()),
		zap.Int("attempt", p.attemptNow()))
	p.endSpan(ev.OK, class.String())
	p.finishProcess()
}

func (p *Process) scheduleCompaction(ev engine.Completed, class engine.FailureClass) {
	now := time.Now()
	if err := p.cfg.Meta.MarkPendingCompaction(context.Background(), p.SessionKey(), now); err != nil {
		p.log.Warn("failed to write pending-compaction marker", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.compaction = true
	p.mu.Unlock()
	p.publish(events.CompactionScheduled, map[string]any{
		"run_id":      p.id,
		"session_key": p.SessionKey(),
		"ratio":       ev.Usage.Ratio(),
		"class":       class.String(),
	})
	p.log.Info("compaction scheduled",
		zap.Float64("context_ratio", ev.Usage.Ratio()),
		zap.String("class", class.String()))
}

// retry restarts the job in place for its single silent second attempt.
// Returns false when the restart itself failed; the caller then delivers
// the original failure.
func (p *Process) retry() bool {
	p.mu.Lock()
	p.attempt++
	attempt := p.attempt
	p.mu.Unlock()

	job := p.job.Clone()
	job.Attempt = attempt
	p.job = job
	p.suppressStarted = true

	p.log.Info("transient empty failure, retrying run", zap.Int("attempt", attempt))
	p.publish(events.RunRetried, map[string]any{
		"run_id":      p.id,
		"session_key": p.SessionKey(),
		"attempt":     attempt,
	})

	if err := p.startEngine(); err != nil {
		p.log.Error("retry start failed", zap.Error(err))
		p.suppressStarted = false
		return false
	}
	p.armWatchdog()
	return true
}

func (p *Process) buildOutcome(ev engine.Completed, class engine.FailureClass) channels.Outcome {
	out := channels.Outcome{
		RunID:     p.id,
		OK:        ev.OK,
		Answer:    ev.Answer,
		ErrorText: ev.ErrorText,
		Cancelled: !ev.OK && (p.cancelled || class == engine.FailureCancelled),
	}
	p.mu.Lock()
	tok := p.resume
	p.mu.Unlock()
	if tok != nil {
		out.ResumeSuffix = channels.ResumeSuffixFor(p.cfg.Engine, tok)
	}
	return out
}

// fanout copies a successful final answer to each profile fanout target.
// Failures stay on the origin channel.
func (p *Process) fanout(out channels.Outcome) {
	if !out.OK || strings.TrimSpace(out.Answer) == "" || p.cfg.Channels == nil {
		return
	}
	agentID := session.AgentOf(p.SessionKey())
	for _, t := range p.cfg.Fanout {
		if t.Channel == "" || t.Channel == p.channel {
			continue
		}
		adapter, err := p.cfg.Channels.Get(t.Channel)
		if err != nil {
			p.log.Warn("fanout target has no adapter", zap.String("channel", t.Channel), zap.Error(err))
			continue
		}
		adapter.OnCompleted(fanoutKey(agentID, t), out)
	}
}

// fanoutKey derives the destination session key for a fanout target.
// Peer accepts "kind:id" with a plain id meaning a DM.
func fanoutKey(agentID string, t agentcfg.FanoutTarget) string {
	kind, peerID := session.PeerDM, t.Peer
	if k, rest, ok := strings.Cut(t.Peer, ":"); ok {
		if pk := session.PeerKind(k); pk == session.PeerDM || pk == session.PeerGroup {
			kind, peerID = pk, rest
		}
	}
	account := t.Account
	if account == "" {
		account = "default"
	}
	return session.ChannelKey(agentID, t.Channel, account, kind, peerID)
}

// writeBackMeta records the sticky model/engine/cwd for the session. A
// failed run only refreshes the activity timestamp.
func (p *Process) writeBackMeta(ev engine.Completed) {
	ctx := context.Background()
	now := time.Now()
	if !ev.OK {
		if err := p.cfg.Meta.Touch(ctx, p.SessionKey(), now); err != nil {
			p.log.Warn("failed to touch session meta", zap.Error(err))
		}
		return
	}
	meta, _, err := p.cfg.Meta.Load(ctx, p.SessionKey())
	if err != nil {
		p.log.Warn("failed to load session meta", zap.Error(err))
		return
	}
	if meta == nil {
		meta = &session.Meta{}
	}
	if p.job.Model != "" {
		meta.LastModel = p.job.Model
	}
	meta.LastEngine = p.cfg.Engine.ID()
	if p.job.Cwd != "" {
		meta.LastCwd = p.job.Cwd
	}
	meta.LastActivity = now.UTC()
	if err := p.cfg.Meta.Save(ctx, p.SessionKey(), meta); err != nil {
		p.log.Warn("failed to write session meta", zap.Error(err))
	}
	if p.job.AutoCompaction {
		// A successful compaction turn retires the marker that triggered it.
		if err := p.cfg.Meta.ClearPendingCompaction(ctx, p.SessionKey()); err != nil {
			p.log.Warn("failed to clear pending-compaction marker", zap.Error(err))
		}
	}
}

// requestCancel forwards a cancel to the engine and arms the kill timer.
// Idempotent; later reasons do not replace the first.
func (p *Process) requestCancel(reason string) {
	if p.terminated || p.cancelled || p.stateNow() == StateCompleting {
		return
	}
	p.cancelled = true
	p.cancelReason = reason
	p.clearKeepalive()

	p.log.Info("cancelling run", zap.String("reason", reason))
	p.publish(events.RunCancelled, map[string]any{
		"run_id":      p.id,
		"session_key": p.SessionKey(),
		"reason":      reason,
	})

	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	if h != nil {
		if err := p.cfg.Engine.Cancel(context.Background(), h, reason); err != nil {
			p.log.Warn("engine cancel failed", zap.Error(err))
		}
	}
	p.killTimer = time.AfterFunc(p.params.KillTimeout, func() {
		select {
		case p.mailbox <- killTimeoutMsg{}:
		case <-p.done:
		}
	})
}

// onKillTimeout fires when a cancelled engine stayed silent past the
// kill timeout: the run synthesizes its own terminal completion.
func (p *Process) onKillTimeout() {
	if p.terminated || p.stateNow() == StateCompleting {
		return
	}
	p.log.Warn("engine silent past kill timeout, synthesizing completion",
		zap.Duration("kill_timeout", p.params.KillTimeout))
	p.complete(engine.Completed{OK: false, ErrorText: "cancelled"})
}

// onWatchdogFire handles the idle deadline: interactive channels get a
// keepalive question, everything else cancels immediately.
func (p *Process) onWatchdogFire() {
	if p.terminated || p.cancelled || p.stateNow() == StateCompleting {
		return
	}
	confirmer, ok := p.cfg.Adapter.(channels.KeepaliveConfirmer)
	if !ok || !p.cfg.Adapter.Interactive() {
		p.log.Info("idle watchdog fired, cancelling run", zap.Duration("idle_limit", p.params.IdleLimit))
		p.requestCancel("idle timeout")
		return
	}

	p.log.Info("idle watchdog fired, asking whether to keep waiting",
		zap.Duration("idle_limit", p.params.IdleLimit))
	p.setAwaiting(true)
	kctx, kcancel := context.WithCancel(p.ctx)
	p.keepCancel = kcancel
	timeout := p.params.ConfirmTimeout
	go func() {
		keep, err := confirmer.ConfirmKeepalive(kctx, p.SessionKey(), timeout)
		select {
		case p.mailbox <- keepaliveAnswerMsg{keepWaiting: keep, err: err}:
		case <-p.done:
		}
	}()
}

func (p *Process) onKeepaliveAnswer(m keepaliveAnswerMsg) {
	if !p.awaitingNow() {
		return // resolved by resumed activity or teardown
	}
	p.clearKeepalive()
	if m.err != nil || !m.keepWaiting {
		p.requestCancel("idle timeout")
		return
	}
	p.log.Info("keepalive confirmed, resetting watchdog")
	p.resetWatchdog()
}

// touchActivity records engine liveness: timestamps, watchdog reset, and
// resolution of any outstanding keepalive question.
func (p *Process) touchActivity() {
	p.mu.Lock()
	p.lastAct = time.Now()
	p.mu.Unlock()
	if p.awaitingNow() {
		p.clearKeepalive()
	}
	p.resetWatchdog()
}

func (p *Process) armWatchdog() {
	if p.params.IdleLimit <= 0 {
		return
	}
	if p.watchdog == nil {
		p.watchdog = time.NewTimer(p.params.IdleLimit)
		return
	}
	p.resetWatchdog()
}

func (p *Process) resetWatchdog() {
	if p.watchdog == nil {
		return
	}
	if !p.watchdog.Stop() {
		select {
		case <-p.watchdog.C:
		default:
		}
	}
	p.watchdog.Reset(p.params.IdleLimit)
}

func (p *Process) stopWatchdog() {
	if p.watchdog == nil {
		return
	}
	if !p.watchdog.Stop() {
		select {
		case <-p.watchdog.C:
		default:
		}
	}
}

func (p *Process) stopKillTimer() {
	if p.killTimer != nil {
		p.killTimer.Stop()
		p.killTimer = nil
	}
}

func (p *Process) clearKeepalive() {
	p.mu.Lock()
	was := p.awaiting
	p.awaiting = false
	p.mu.Unlock()
	if was && p.keepCancel != nil {
		p.keepCancel()
		p.keepCancel = nil
	}
}

// failEarly delivers a failure outcome for a run that never acquired its
// coalescers, such as a refused registration. The coalescers of whatever
// run owns the session stay untouched.
func (p *Process) failEarly(errText string) {
	p.cfg.Adapter.OnCompleted(p.SessionKey(), channels.Outcome{
		RunID:     p.id,
		OK:        false,
		ErrorText: errText,
	})
	p.publish(events.RunCompleted, map[string]any{
		"run_id":      p.id,
		"session_key": p.SessionKey(),
		"ok":          false,
	})
	p.setState(StateTerminated)
	p.endSpan(false, engine.ClassifyFailure(errText).String())
	p.finishProcess()
}

// recoverCrash is the supervisor's cleanup after a panic in the actor:
// unregister, drop coalescers, release the slot. The run is not restarted.
func (p *Process) recoverCrash() {
	p.cfg.Registry.Unregister(p)
	p.cfg.Coalescers.Drop(p.SessionKey(), p.channel)
	p.setState(StateCrashed)
	p.endSpan(false, "crashed")
	p.finishProcess()
}

// endSpan records the terminal disposition and closes the per-run span.
func (p *Process) endSpan(ok bool, class string) {
	if p.span == nil {
		return
	}
	p.span.SetAttributes(
		attribute.Bool("run.ok", ok),
		attribute.String("run.class", class),
		attribute.Int("run.attempt", p.attemptNow()),
	)
	if !ok {
		p.span.SetStatus(codes.Error, class)
	}
	p.span.End()
	p.span = nil
}

// finishProcess releases the slot and closes done, each exactly once.
func (p *Process) finishProcess() {
	p.terminated = true
	p.releaseOnce.Do(func() {
		if p.cfg.Release != nil {
			p.cfg.Release()
		}
	})
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Process) publish(eventType string, data map[string]any) {
	if p.cfg.Bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "run", data)
	if err := p.cfg.Bus.Publish(context.Background(), events.BuildRunEventSubject(eventType, p.id), ev); err != nil {
		p.log.Debug("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) stateNow() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) attemptNow() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

func (p *Process) setAwaiting(v bool) {
	p.mu.Lock()
	p.awaiting = v
	p.mu.Unlock()
}

func (p *Process) awaitingNow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.awaiting
}
