// Package scheduler is the two-level admission control in front of the
// run core: a global concurrency gate plus one FIFO worker per session,
// with the queue modes inbound surfaces attach to their jobs.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/grovehq/grove/internal/agentcfg"
	"github.com/grovehq/grove/internal/channels"
	"github.com/grovehq/grove/internal/coalesce"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/events"
	"github.com/grovehq/grove/internal/events/bus"
	"github.com/grovehq/grove/internal/run"
	"github.com/grovehq/grove/internal/session"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
)

// Config holds scheduler configuration.
type Config struct {
	// MaxConcurrentRuns bounds runs executing at once across all sessions.
	MaxConcurrentRuns int64
	// Run carries the per-run lifecycle defaults; agent profiles may
	// override the watchdog idle limit.
	Run run.Params
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns: 2,
		Run:               run.DefaultParams(),
	}
}

// Deps are the collaborators a dispatched run is wired to.
type Deps struct {
	Engines    *engine.Registry
	Channels   *channels.Registry
	Profiles   *agentcfg.Registry
	Runs       *run.Registry
	Coalescers *coalesce.Registry
	Meta       *session.MetaStore
	Supervisor *run.Supervisor

	// Bus receives queue and run lifecycle telemetry; nil disables it.
	Bus bus.EventBus
}

// queuedJob is one queue entry. The followup marker makes the entry
// replaceable: a session holds at most one queued-but-not-started
// followup at a time.
type queuedJob struct {
	job      *engine.Job
	followup bool
}

// worker serializes one session's runs. The goroutine pops and
// dispatches; all queue mutation happens under the scheduler mutex.
type worker struct {
	sessionKey string
	queue      []queuedJob
}

// Scheduler owns the per-session workers and the global slot semaphore.
type Scheduler struct {
	deps      Deps
	logger    *logger.Logger
	runLogger *logger.Logger
	config    Config

	slots *semaphore.Weighted

	mu      sync.Mutex
	running bool
	workers map[string]*worker

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Start must be called before Enqueue.
func NewScheduler(deps Deps, log *logger.Logger, config Config) *Scheduler {
	if config.MaxConcurrentRuns <= 0 {
		config.MaxConcurrentRuns = DefaultConfig().MaxConcurrentRuns
	}
	return &Scheduler{
		deps:      deps,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		runLogger: log,
		config:    config,
		slots:     semaphore.NewWeighted(config.MaxConcurrentRuns),
		workers:   make(map[string]*worker),
	}
}

// Start makes the scheduler accept jobs. Runs it dispatches live under
// ctx: cancelling it cancels every in-flight run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		zap.Int64("max_concurrent_runs", s.config.MaxConcurrentRuns))
	return nil
}

// Stop drops queued jobs, cancels in-flight runs and waits for every
// worker to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	dropped := 0
	for _, w := range s.workers {
		dropped += len(w.queue)
		w.queue = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if dropped > 0 {
		s.logger.Warn("dropped queued jobs on shutdown", zap.Int("dropped", dropped))
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler accepts jobs.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Queued returns the number of jobs waiting across all sessions.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedLocked()
}

func (s *Scheduler) queuedLocked() int {
	n := 0
	for _, w := range s.workers {
		n += len(w.queue)
	}
	return n
}

// Enqueue admits a job under its queue mode. Steer modes act on the
// session's active run and fall back to a queued followup when there is
// nothing to steer or the engine refuses.
func (s *Scheduler) Enqueue(ctx context.Context, job *engine.Job) error {
	if job == nil || job.SessionKey == "" {
		return errors.New("job requires a session key")
	}
	if !s.IsRunning() {
		return ErrNotRunning
	}

	mode := job.QueueMode
	if mode == "" {
		mode = engine.ModeCollect
	}
	switch mode {
	case engine.ModeSteer:
		if s.trySteer(ctx, job, job.Text) {
			return nil
		}
		return s.queueJob(job, true)
	case engine.ModeSteerBacklog:
		payload := s.drainBacklog(job)
		if s.trySteer(ctx, job, payload) {
			return nil
		}
		merged := job.Clone()
		merged.Text = payload
		return s.queueJob(merged, true)
	case engine.ModeInterrupt:
		s.interruptActive(job.SessionKey)
		return s.queueJob(job, true)
	case engine.ModeFollowup:
		return s.queueJob(job, true)
	default:
		return s.queueJob(job, false)
	}
}

// trySteer forwards text into the session's active run. False means the
// caller should queue a followup instead.
func (s *Scheduler) trySteer(ctx context.Context, job *engine.Job, text string) bool {
	p, ok := s.deps.Runs.BySession(job.SessionKey)
	if !ok {
		s.logger.Debug("steer with no active run, queueing followup",
			zap.String("session_key", job.SessionKey))
		return false
	}
	if err := p.Steer(ctx, text); err != nil {
		s.logger.Info("steer degraded to followup",
			zap.String("session_key", job.SessionKey),
			zap.String("run_id", p.ID()),
			zap.Error(err))
		return false
	}
	s.logger.Info("steered active run",
		zap.String("session_key", job.SessionKey),
		zap.String("run_id", p.ID()))
	return true
}

// drainBacklog removes the session's queued collect items and merges
// their text into the steer payload, oldest first, steer text last.
func (s *Scheduler) drainBacklog(job *engine.Job) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.workers[job.SessionKey]
	if w == nil || len(w.queue) == 0 {
		return job.Text
	}
	var parts []string
	kept := w.queue[:0]
	for _, q := range w.queue {
		if q.followup {
			kept = append(kept, q)
			continue
		}
		if t := strings.TrimSpace(q.job.Text); t != "" {
			parts = append(parts, t)
		}
	}
	w.queue = kept
	if len(parts) == 0 {
		return job.Text
	}
	parts = append(parts, job.Text)
	return strings.Join(parts, "\n\n")
}

// interruptActive asks the session's active run to cancel. The queued
// followup starts only once the run terminated, because the worker
// waits for the run before popping the next job.
func (s *Scheduler) interruptActive(sessionKey string) {
	p, ok := s.deps.Runs.BySession(sessionKey)
	if !ok {
		s.logger.Debug("interrupt with no active run",
			zap.String("session_key", sessionKey))
		return
	}
	s.logger.Info("interrupting active run",
		zap.String("session_key", sessionKey),
		zap.String("run_id", p.ID()))
	p.Cancel("interrupted")
}

// queueJob appends the job to its session worker, spawning the worker if
// none exists. A followup replaces a queued followup in place, keeping
// its queue position.
func (s *Scheduler) queueJob(job *engine.Job, followup bool) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	w := s.workers[job.SessionKey]
	spawned := false
	if w == nil {
		w = &worker{sessionKey: job.SessionKey}
		s.workers[job.SessionKey] = w
		spawned = true
	}
	entry := queuedJob{job: job, followup: followup}
	replaced := false
	if followup {
		for i := range w.queue {
			if w.queue[i].followup {
				w.queue[i] = entry
				replaced = true
				break
			}
		}
	}
	if !replaced {
		w.queue = append(w.queue, entry)
	}
	depth := s.queuedLocked()
	if spawned {
		s.wg.Add(1)
		go s.runWorker(w)
	}
	s.mu.Unlock()

	s.publish(events.QueueDepthChanged, events.BuildSessionSubject(events.QueueDepthChanged, job.SessionKey), map[string]any{
		"session_key": job.SessionKey,
		"depth":       depth,
	})
	s.logger.Debug("job queued",
		zap.String("session_key", job.SessionKey),
		zap.String("mode", string(job.QueueMode)),
		zap.Bool("replaced_followup", replaced),
		zap.Int("depth", depth))
	return nil
}

func (s *Scheduler) runWorker(w *worker) {
	defer s.wg.Done()
	for {
		job, ok := s.nextJob(w)
		if !ok {
			return
		}
		s.dispatch(job)
	}
}

// nextJob pops the head of the worker's queue. An empty queue retires
// the worker; enqueues after retirement spawn a fresh one under the same
// mutex, so no job is lost to the race.
func (s *Scheduler) nextJob(w *worker) (*engine.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || len(w.queue) == 0 {
		delete(s.workers, w.sessionKey)
		return nil, false
	}
	q := w.queue[0]
	w.queue = w.queue[1:]
	return q.job, true
}

// dispatch runs one job to completion: resolve collaborators, take a
// global slot, spawn the run process and wait for it to terminate. The
// process releases the slot itself as part of its teardown.
func (s *Scheduler) dispatch(job *engine.Job) {
	adapter, err := s.deps.Channels.Get(job.Channel)
	if err != nil {
		s.logger.Error("job names unknown channel",
			zap.String("session_key", job.SessionKey),
			zap.String("channel", job.Channel),
			zap.Error(err))
		return
	}
	eng, err := s.deps.Engines.Get(job.EngineHint)
	if err != nil {
		s.failJob(adapter, job, err.Error())
		return
	}

	if err := s.slots.Acquire(s.baseCtx, 1); err != nil {
		s.logger.Debug("slot acquire aborted", zap.Error(err))
		return
	}

	p := run.NewProcess(s.processConfig(job, eng, adapter))
	if err := s.deps.Supervisor.Spawn(s.baseCtx, p); err != nil {
		s.slots.Release(1)
		s.failJob(adapter, job, "run refused: "+err.Error())
		return
	}
	s.publish(events.RunSlotGranted, events.BuildRunEventSubject(events.RunSlotGranted, p.ID()), map[string]any{
		"run_id":      p.ID(),
		"session_key": job.SessionKey,
		"engine":      eng.ID(),
	})
	<-p.Done()
}

// failJob delivers a synthetic failure through the normal output path so
// the user sees an error rather than silence.
func (s *Scheduler) failJob(adapter channels.Adapter, job *engine.Job, errText string) {
	s.logger.Error("job failed before start",
		zap.String("session_key", job.SessionKey),
		zap.String("error_text", errText))
	adapter.OnCompleted(job.SessionKey, channels.Outcome{
		OK:        false,
		ErrorText: errText,
	})
}

// processConfig wires the run process, applying the agent profile's
// fanout targets, system prompt and watchdog override.
func (s *Scheduler) processConfig(job *engine.Job, eng engine.Engine, adapter channels.Adapter) run.ProcessConfig {
	params := s.config.Run
	var fanout []agentcfg.FanoutTarget
	var opts engine.StartOpts

	agentID := session.AgentOf(job.SessionKey)
	if prof, err := s.deps.Profiles.Get(agentID); err == nil {
		fanout = prof.Fanout
		opts.SystemPrompt = prof.SystemPrompt
		opts.AgentName = prof.Name()
		if d := prof.WatchdogIdleLimit.Std(); d > 0 {
			params.IdleLimit = d
		}
	} else {
		s.logger.Warn("dispatching without agent profile",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}

	return run.ProcessConfig{
		Job:        job,
		Engine:     eng,
		Adapter:    adapter,
		Registry:   s.deps.Runs,
		Coalescers: s.deps.Coalescers,
		Meta:       s.deps.Meta,
		Channels:   s.deps.Channels,
		Fanout:     fanout,
		Bus:        s.deps.Bus,
		StartOpts:  opts,
		Release:    func() { s.slots.Release(1) },
		Params:     params,
		Log:        s.runLogger,
	}
}

func (s *Scheduler) publish(eventType, subject string, data map[string]any) {
	if s.deps.Bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "scheduler", data)
	if err := s.deps.Bus.Publish(context.Background(), subject, ev); err != nil {
		s.logger.Debug("event publish failed",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
