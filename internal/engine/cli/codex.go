package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
)

const codexID = "codex"

// Codex runs the codex CLI in proto mode. The protocol has no way to
// inject input mid-turn, so the engine does not steer; resume carries
// the rollout file path.
type Codex struct {
	cfg Config
	log *logger.Logger

	mu     sync.Mutex
	nextID int
}

var _ engine.Engine = (*Codex)(nil)

// NewCodex creates the codex profile.
func NewCodex(cfg Config, log *logger.Logger) *Codex {
	return &Codex{
		cfg: cfg.withDefaults("codex"),
		log: log.WithFields(zap.String("engine", codexID)),
	}
}

func (e *Codex) ID() string { return codexID }

func (e *Codex) SupportsSteer() bool { return false }

func (e *Codex) ExtractResume(text string) *engine.ResumeToken {
	return engine.ExtractPrefixedToken(codexID, text)
}

func (e *Codex) FormatResume(t engine.ResumeToken) string { return t.String() }

type codexRun struct {
	id   string
	sess *codexSession
}

// StartRun spawns codex proto and submits the prompt as the first
// user_input op.
func (e *Codex) StartRun(ctx context.Context, job *engine.Job, opts engine.StartOpts, sink engine.Sink) (engine.Handle, string, error) {
	if strings.TrimSpace(job.Text) == "" {
		return nil, "", errors.New("job text is empty")
	}

	e.mu.Lock()
	e.nextID++
	id := fmt.Sprintf("codex-%d", e.nextID)
	e.mu.Unlock()

	log := e.log.WithFields(zap.String("run_id", id))
	spec := procSpec{
		Binary: e.cfg.Binary,
		Args:   codexArgs(e.cfg, job),
		Dir:    job.Cwd,
		Env:    append(append([]string{}, e.cfg.Env...), opts.Env...),
	}
	p, err := newProc(spec, log)
	if err != nil {
		return nil, "", err
	}

	// proto has no system-prompt flag; fold it into the first turn.
	text := job.Text
	if opts.SystemPrompt != "" {
		text = opts.SystemPrompt + "\n\n" + job.Text
	}

	s := &codexSession{
		tp:           p,
		sink:         sink,
		log:          log,
		killTimeout:  e.cfg.KillTimeout,
		contextLimit: e.cfg.ContextLimit,
	}
	p.start(s.handleLine)
	s.begin(ctx, text)
	return &codexRun{id: id, sess: s}, id, nil
}

func (e *Codex) Cancel(ctx context.Context, h engine.Handle, reason string) error {
	r, ok := h.(*codexRun)
	if !ok {
		return engine.ErrBadHandle
	}
	r.sess.cancel(reason)
	return nil
}

// codexArgs builds the proto invocation. Approvals are forced off and
// the sandbox does the guarding instead: unrestricted policies get full
// access, everything else stays inside workspace-write.
func codexArgs(cfg Config, job *engine.Job) []string {
	args := []string{"proto"}
	if job.Model != "" {
		args = append(args, "-c", fmt.Sprintf("model=%q", job.Model))
	}
	args = append(args, "-c", `approval_policy="never"`)
	if job.Policy.Unrestricted() {
		args = append(args, "-c", `sandbox_mode="danger-full-access"`)
	} else {
		args = append(args, "-c", `sandbox_mode="workspace-write"`)
	}
	if job.Resume != nil && job.Resume.Engine == codexID && job.Resume.Value != "" {
		args = append(args, "-c", fmt.Sprintf("experimental_resume=%q", job.Resume.Value))
	}
	return append(args, cfg.Args...)
}

// codexSession owns one run's protocol state. Line handlers run on the
// proc's scanner goroutine; cancel arrives from outside.
type codexSession struct {
	tp           transport
	sink         engine.Sink
	log          *logger.Logger
	killTimeout  time.Duration
	contextLimit int64

	mu          sync.Mutex
	subID       int
	started     bool
	resume      string
	seq         uint64
	answer      strings.Builder
	sinceMsg    int
	lastMessage string
	inputTok    int64
	outputTok   int64
	contextUsed int64
	windowLimit int64
	errText     string
	cancelled   bool
	reason      string

	finishOnce sync.Once
}

func (s *codexSession) begin(ctx context.Context, text string) {
	if err := s.sendOp(newCodexUserInput(text)); err != nil {
		s.log.Warn("prompt write failed", zap.Error(err))
		go s.tp.stop(s.killTimeout)
	}
	go s.watch(ctx)
}

func (s *codexSession) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.cancel("shutting down")
		<-s.tp.done()
	case <-s.tp.done():
	}
	s.onExit()
}

// sendOp wraps an op in a submission envelope with a fresh id.
func (s *codexSession) sendOp(op any) error {
	s.mu.Lock()
	s.subID++
	id := fmt.Sprintf("sub-%d", s.subID)
	s.mu.Unlock()
	return s.tp.send(codexSubmission{ID: id, Op: op})
}

func (s *codexSession) handleLine(line []byte) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		s.log.Warn("unparseable proto line", zap.Error(err))
		return
	}
	m := &ev.Msg
	switch m.Type {
	case codexEvSessionConfigured:
		s.onConfigured(m)
	case codexEvAgentMessageDelta:
		s.onDelta(m.Delta)
	case codexEvAgentMessage:
		s.onMessage(m.Message)
	case codexEvExecBegin:
		s.sink(engine.Action{
			ID:    m.CallID,
			Kind:  engine.ActionCommand,
			Title: strings.Join(m.Command, " "),
			Phase: engine.PhaseStarted,
		})
	case codexEvExecEnd:
		a := engine.Action{ID: m.CallID, Kind: engine.ActionCommand, Phase: engine.PhaseCompleted, OK: true}
		if m.ExitCode != nil && *m.ExitCode != 0 {
			a.OK = false
			a.Message = fmt.Sprintf("exit %d", *m.ExitCode)
		}
		s.sink(a)
	case codexEvPatchBegin:
		s.sink(engine.Action{ID: m.CallID, Kind: engine.ActionFileChange, Title: "apply patch", Phase: engine.PhaseStarted})
	case codexEvPatchEnd:
		s.sink(engine.Action{
			ID:    m.CallID,
			Kind:  engine.ActionFileChange,
			Phase: engine.PhaseCompleted,
			OK:    m.Success == nil || *m.Success,
		})
	case codexEvMCPBegin:
		s.sink(engine.Action{ID: m.CallID, Kind: engine.ActionTool, Title: "MCP tool call", Phase: engine.PhaseStarted})
	case codexEvMCPEnd:
		s.sink(engine.Action{
			ID:    m.CallID,
			Kind:  engine.ActionTool,
			Phase: engine.PhaseCompleted,
			OK:    m.Success == nil || *m.Success,
		})
	case codexEvTokenCount:
		s.onTokenCount(m.Info)
	case codexEvError:
		s.mu.Lock()
		s.errText = m.Message
		s.mu.Unlock()
	case codexEvTaskComplete:
		s.onTaskComplete(m)
	case codexEvTurnAborted:
		s.onAborted()
	case codexEvShutdownComplete:
		// Process exit follows; the watcher handles it.
	default:
		s.log.Debug("unhandled proto event", zap.String("type", m.Type))
	}
}

func (s *codexSession) onConfigured(m *codexMsg) {
	s.mu.Lock()
	already := s.started
	s.started = true
	if m.RolloutPath != "" {
		s.resume = m.RolloutPath
	} else if m.SessionID != "" {
		s.resume = m.SessionID
	}
	resume := s.resume
	s.mu.Unlock()

	if already {
		return
	}
	ev := engine.Started{Engine: codexID}
	if resume != "" {
		ev.Resume = &engine.ResumeToken{Engine: codexID, Value: resume}
	}
	if m.Model != "" {
		ev.Meta = map[string]string{"model": m.Model}
	}
	s.sink(ev)
}

func (s *codexSession) ensureStarted() {
	s.mu.Lock()
	already := s.started
	s.started = true
	s.mu.Unlock()
	if !already {
		s.sink(engine.Started{Engine: codexID})
	}
}

func (s *codexSession) onDelta(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.answer.WriteString(text)
	s.sinceMsg++
	s.mu.Unlock()
	s.sink(engine.Delta{Seq: seq, Text: text})
}

// onMessage records the turn's full message. Some models never stream
// deltas; then the message itself is the only text and goes out whole.
func (s *codexSession) onMessage(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	streamed := s.sinceMsg > 0
	s.lastMessage = text
	s.sinceMsg = 0
	var seq uint64
	if !streamed {
		s.seq++
		seq = s.seq
		s.answer.WriteString(text)
	}
	s.mu.Unlock()
	if !streamed {
		s.sink(engine.Delta{Seq: seq, Text: text})
	}
}

func (s *codexSession) onTokenCount(info *codexTokenInfo) {
	if info == nil {
		return
	}
	s.mu.Lock()
	if info.Total != nil {
		s.inputTok = info.Total.InputTokens + info.Total.CachedInputTokens
		s.outputTok = info.Total.OutputTokens
	}
	if info.Last != nil {
		s.contextUsed = info.Last.contextTokens()
	} else {
		s.contextUsed = info.Total.contextTokens()
	}
	if info.ModelContextWindow > 0 {
		s.windowLimit = info.ModelContextWindow
	}
	s.mu.Unlock()
}

func (s *codexSession) onTaskComplete(m *codexMsg) {
	s.ensureStarted()

	s.mu.Lock()
	answer := m.LastAgentMessage
	if answer == "" {
		answer = s.lastMessage
	}
	if answer == "" {
		answer = s.answer.String()
	}
	errText := s.errText
	cancelled, reason := s.cancelled, s.reason
	usage, tok := s.usageLocked()
	s.mu.Unlock()

	if cancelled {
		s.finish(engine.Completed{OK: false, ErrorText: cancelledText(reason), Usage: usage, Resume: tok})
		return
	}
	if errText != "" {
		s.finish(engine.Completed{OK: false, ErrorText: errText, Usage: usage, Resume: tok})
		return
	}
	s.finish(engine.Completed{OK: true, Answer: answer, Usage: usage, Resume: tok})
}

func (s *codexSession) onAborted() {
	s.ensureStarted()

	s.mu.Lock()
	cancelled, reason := s.cancelled, s.reason
	usage, tok := s.usageLocked()
	s.mu.Unlock()

	errText := "turn aborted"
	if cancelled {
		errText = cancelledText(reason)
	}
	s.finish(engine.Completed{OK: false, ErrorText: errText, Usage: usage, Resume: tok})
}

func (s *codexSession) usageLocked() (engine.Usage, *engine.ResumeToken) {
	usage := engine.Usage{
		InputTokens:  s.inputTok,
		OutputTokens: s.outputTok,
		ContextUsed:  s.contextUsed,
		ContextLimit: s.contextLimit,
	}
	if s.windowLimit > 0 {
		usage.ContextLimit = s.windowLimit
	}
	var tok *engine.ResumeToken
	if s.resume != "" {
		tok = &engine.ResumeToken{Engine: codexID, Value: s.resume}
	}
	return usage, tok
}

func (s *codexSession) cancel(reason string) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.reason = reason
	s.mu.Unlock()

	if err := s.sendOp(codexOp{Type: codexOpInterrupt}); err != nil {
		s.log.Debug("interrupt write failed", zap.Error(err))
	}
	go func() {
		select {
		case <-s.tp.done():
		case <-time.After(s.killTimeout):
			s.tp.stop(s.killTimeout)
		}
	}()
}

func (s *codexSession) onExit() {
	s.ensureStarted()

	s.mu.Lock()
	cancelled, reason := s.cancelled, s.reason
	stored := s.errText
	usage, tok := s.usageLocked()
	s.mu.Unlock()

	errText := "codex exited before completing the task"
	if err := s.tp.waitErr(); err != nil {
		errText = fmt.Sprintf("codex exited: %v", err)
	}
	if stored != "" {
		errText = stored
	}
	if tail := strings.TrimSpace(s.tp.stderrTail()); tail != "" {
		errText = errText + "\n" + tail
	}
	if cancelled {
		errText = cancelledText(reason)
	}
	s.finish(engine.Completed{OK: false, ErrorText: errText, Usage: usage, Resume: tok})
}

// finish emits the terminal event exactly once, asks the CLI to shut
// down, and escalates to a kill if it lingers.
func (s *codexSession) finish(c engine.Completed) {
	s.finishOnce.Do(func() {
		s.sink(c)
		if err := s.sendOp(codexOp{Type: codexOpShutdown}); err != nil {
			s.log.Debug("shutdown write failed", zap.Error(err))
		}
		s.tp.closeStdin()
		go func() {
			select {
			case <-s.tp.done():
			case <-time.After(s.killTimeout):
				s.tp.stop(s.killTimeout)
			}
		}()
	})
}
