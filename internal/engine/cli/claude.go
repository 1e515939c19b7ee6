package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/policy"
)

const claudeID = "claude"

// Claude runs the claude CLI in stream-json mode, one subprocess per
// run. Steering writes another user message to the live process; resume
// carries the CLI session uuid.
type Claude struct {
	cfg Config
	log *logger.Logger

	mu     sync.Mutex
	nextID int
}

var (
	_ engine.Engine  = (*Claude)(nil)
	_ engine.Steerer = (*Claude)(nil)
)

// NewClaude creates the claude profile.
func NewClaude(cfg Config, log *logger.Logger) *Claude {
	return &Claude{
		cfg: cfg.withDefaults("claude"),
		log: log.WithFields(zap.String("engine", claudeID)),
	}
}

func (e *Claude) ID() string { return claudeID }

func (e *Claude) SupportsSteer() bool { return true }

func (e *Claude) ExtractResume(text string) *engine.ResumeToken {
	return engine.ExtractPrefixedToken(claudeID, text)
}

func (e *Claude) FormatResume(t engine.ResumeToken) string { return t.String() }

type claudeRun struct {
	id   string
	sess *claudeSession
}

// StartRun spawns the CLI and writes the prompt. Events flow from the
// subprocess's stdout until a result record or process death.
func (e *Claude) StartRun(ctx context.Context, job *engine.Job, opts engine.StartOpts, sink engine.Sink) (engine.Handle, string, error) {
	if strings.TrimSpace(job.Text) == "" {
		return nil, "", errors.New("job text is empty")
	}

	e.mu.Lock()
	e.nextID++
	id := fmt.Sprintf("claude-%d", e.nextID)
	e.mu.Unlock()

	log := e.log.WithFields(zap.String("run_id", id))
	spec := procSpec{
		Binary: e.cfg.Binary,
		Args:   claudeArgs(e.cfg, job, opts),
		Dir:    job.Cwd,
		Env:    append(append([]string{}, e.cfg.Env...), opts.Env...),
	}
	p, err := newProc(spec, log)
	if err != nil {
		return nil, "", err
	}

	s := &claudeSession{
		tp:           p,
		sink:         sink,
		log:          log,
		pol:          job.Policy,
		killTimeout:  e.cfg.KillTimeout,
		contextLimit: e.cfg.ContextLimit,
		pending:      make(map[string]bool),
	}
	p.start(s.handleLine)
	s.begin(ctx, job.Text)
	return &claudeRun{id: id, sess: s}, id, nil
}

// Cancel interrupts the run and escalates to a process kill if the CLI
// does not exit within the kill timeout.
func (e *Claude) Cancel(ctx context.Context, h engine.Handle, reason string) error {
	r, ok := h.(*claudeRun)
	if !ok {
		return engine.ErrBadHandle
	}
	r.sess.cancel(reason)
	return nil
}

// Steer writes another user message into the live process.
func (e *Claude) Steer(ctx context.Context, h engine.Handle, text string) error {
	r, ok := h.(*claudeRun)
	if !ok {
		return engine.ErrBadHandle
	}
	return r.sess.steer(text)
}

// claudeArgs builds the CLI invocation for one job. Unrestricted
// policies skip the permission prompt entirely; anything else routes
// prompts over stdio so the session can answer them from the policy.
func claudeArgs(cfg Config, job *engine.Job, opts engine.StartOpts) []string {
	args := []string{"-p", "--output-format=stream-json", "--input-format=stream-json", "--verbose"}
	if job.Model != "" {
		args = append(args, "--model", job.Model)
	}
	if job.Resume != nil && job.Resume.Engine == claudeID && job.Resume.Value != "" {
		args = append(args, "--resume", job.Resume.Value)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if job.Policy.Unrestricted() {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		args = append(args, "--permission-prompt-tool=stdio")
	}
	return append(args, cfg.Args...)
}

// claudeSession owns one run's protocol state. Line handlers run on the
// proc's scanner goroutine; cancel and steer arrive from outside.
type claudeSession struct {
	tp           transport
	sink         engine.Sink
	log          *logger.Logger
	pol          *policy.Policy
	killTimeout  time.Duration
	contextLimit int64

	mu          sync.Mutex
	started     bool
	sessionID   string
	model       string
	seq         uint64
	answer      strings.Builder
	pending     map[string]bool
	contextUsed int64
	cancelled   bool
	reason      string

	finishOnce sync.Once
}

// begin writes the prompt and starts the exit watcher. A failed write
// surfaces through the watcher as a failed run rather than here, so the
// started/completed contract holds.
func (s *claudeSession) begin(ctx context.Context, text string) {
	if err := s.tp.send(newClaudeUserMessage(text)); err != nil {
		s.log.Warn("prompt write failed", zap.Error(err))
		go s.tp.stop(s.killTimeout)
	}
	go s.watch(ctx)
}

func (s *claudeSession) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.cancel("shutting down")
		<-s.tp.done()
	case <-s.tp.done():
	}
	s.onExit()
}

func (s *claudeSession) handleLine(line []byte) {
	var msg claudeMsg
	if err := json.Unmarshal(line, &msg); err != nil {
		s.log.Warn("unparseable stream-json line", zap.Error(err))
		return
	}
	switch msg.Type {
	case claudeMsgSystem:
		s.onSystem(&msg)
	case claudeMsgAssistant, claudeMsgUser:
		s.onMessage(msg.Message)
	case claudeMsgResult:
		s.onResult(&msg)
	case claudeMsgControlRequest:
		s.onControlRequest(&msg)
	case claudeMsgControlResponse:
		// Acks for our interrupt; nothing to do.
	default:
		s.log.Debug("unhandled message type", zap.String("type", msg.Type))
	}
}

func (s *claudeSession) onSystem(msg *claudeMsg) {
	s.mu.Lock()
	if msg.SessionID != "" {
		s.sessionID = msg.SessionID
	}
	if msg.Model != "" {
		s.model = msg.Model
	}
	already := s.started
	s.started = true
	sid, model := s.sessionID, s.model
	s.mu.Unlock()

	// The CLI repeats system records; only the first opens the run.
	if already {
		return
	}
	ev := engine.Started{Engine: claudeID}
	if sid != "" {
		ev.Resume = &engine.ResumeToken{Engine: claudeID, Value: sid}
	}
	if model != "" {
		ev.Meta = map[string]string{"model": model}
	}
	s.sink(ev)
}

// ensureStarted emits a bare Started if no system record ever arrived,
// keeping the one-Started-then-Completed contract intact on crashes.
func (s *claudeSession) ensureStarted() {
	s.mu.Lock()
	already := s.started
	s.started = true
	s.mu.Unlock()
	if !already {
		s.sink(engine.Started{Engine: claudeID})
	}
}

func (s *claudeSession) onMessage(m *claudeMessage) {
	if m == nil {
		return
	}
	s.ensureStarted()

	for _, block := range m.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			s.mu.Lock()
			s.seq++
			seq := s.seq
			s.answer.WriteString(block.Text)
			s.mu.Unlock()
			s.sink(engine.Delta{Seq: seq, Text: block.Text})

		case "tool_use":
			s.mu.Lock()
			s.pending[block.ID] = true
			s.mu.Unlock()
			s.sink(engine.Action{
				ID:     block.ID,
				Kind:   claudeToolKind(block.Name),
				Title:  claudeToolTitle(block.Name, block.Input),
				Detail: compactInput(block.Input),
				Phase:  engine.PhaseStarted,
			})

		case "tool_result":
			s.mu.Lock()
			delete(s.pending, block.ToolUseID)
			s.mu.Unlock()
			a := engine.Action{
				ID:    block.ToolUseID,
				Kind:  engine.ActionTool,
				Phase: engine.PhaseCompleted,
				OK:    !block.IsError,
			}
			if block.IsError {
				a.Message = string(block.Content)
			}
			s.sink(a)
		}
	}

	if m.Usage != nil {
		s.mu.Lock()
		s.contextUsed = m.Usage.contextTokens()
		if s.model == "" && m.Model != "" {
			s.model = m.Model
		}
		s.mu.Unlock()
	}
}

func (s *claudeSession) onResult(msg *claudeMsg) {
	s.ensureStarted()

	text, resultSession := msg.resultPayload()

	s.mu.Lock()
	if msg.SessionID != "" {
		s.sessionID = msg.SessionID
	}
	if resultSession != "" {
		s.sessionID = resultSession
	}
	pending := make([]string, 0, len(s.pending))
	for id := range s.pending {
		pending = append(pending, id)
	}
	s.pending = make(map[string]bool)
	answer := text
	if answer == "" {
		answer = s.answer.String()
	}
	usage := engine.Usage{
		InputTokens:  msg.TotalInputTokens,
		OutputTokens: msg.TotalOutputTokens,
		ContextUsed:  s.contextUsed,
		ContextLimit: s.contextLimit,
	}
	if mu, ok := msg.ModelUsage[s.model]; ok && mu.ContextWindow != nil && *mu.ContextWindow > 0 {
		usage.ContextLimit = *mu.ContextWindow
	}
	sid := s.sessionID
	cancelled, reason := s.cancelled, s.reason
	s.mu.Unlock()

	// Tool calls the CLI never closed out are completed on result.
	for _, id := range pending {
		s.sink(engine.Action{ID: id, Kind: engine.ActionTool, Phase: engine.PhaseCompleted, OK: true})
	}

	var tok *engine.ResumeToken
	if sid != "" {
		tok = &engine.ResumeToken{Engine: claudeID, Value: sid}
	}

	if msg.IsError {
		errText := text
		if cancelled {
			errText = cancelledText(reason)
		}
		if errText == "" {
			errText = "run failed"
			if msg.Subtype != "" {
				errText = "run failed: " + msg.Subtype
			}
		}
		s.finish(engine.Completed{OK: false, ErrorText: errText, Usage: usage, Resume: tok})
		return
	}
	s.finish(engine.Completed{OK: true, Answer: answer, Usage: usage, Resume: tok})
}

func (s *claudeSession) onControlRequest(msg *claudeMsg) {
	if msg.Request == nil {
		return
	}
	switch msg.Request.Subtype {
	case claudeSubtypeCanUseTool:
		behavior, why := s.decide(msg.Request)
		resp := claudeCtlResponse{
			Type:      claudeMsgControlResponse,
			RequestID: msg.RequestID,
			Response: &claudeCtlResult{
				Subtype: "success",
				Result:  &claudePermission{Behavior: behavior, Message: why},
			},
		}
		if err := s.tp.send(resp); err != nil {
			s.log.Warn("permission response write failed", zap.Error(err))
		}
		if behavior == claudeBehaviorDeny {
			s.sink(engine.Action{
				ID:      msg.Request.ToolUseID,
				Kind:    claudeToolKind(msg.Request.ToolName),
				Title:   claudeToolTitle(msg.Request.ToolName, msg.Request.Input),
				Phase:   engine.PhaseCompleted,
				OK:      false,
				Message: why,
			})
		}
	default:
		resp := claudeCtlResponse{
			Type:      claudeMsgControlResponse,
			RequestID: msg.RequestID,
			Response: &claudeCtlResult{
				Subtype: "error",
				Error:   fmt.Sprintf("unhandled subtype: %s", msg.Request.Subtype),
			},
		}
		if err := s.tp.send(resp); err != nil {
			s.log.Warn("control response write failed", zap.Error(err))
		}
	}
}

// decide maps a permission prompt onto the run's policy. Runs are
// unattended, so anything that would need a human says no.
func (s *claudeSession) decide(req *claudeCtlRequest) (behavior, why string) {
	tool := claudePolicyTool(req.ToolName)
	if tool == "" {
		return claudeBehaviorAllow, ""
	}
	if s.pol.Denied(tool) {
		return claudeBehaviorDeny, fmt.Sprintf("%s is denied by policy", req.ToolName)
	}
	switch s.pol.For(tool) {
	case policy.ApprovalOnMiss:
		if s.pol.Allowed(permissionArg(req)) {
			return claudeBehaviorAllow, ""
		}
		return claudeBehaviorDeny, fmt.Sprintf("%s is not on the allowlist", req.ToolName)
	case policy.ApprovalAlways:
		return claudeBehaviorDeny, fmt.Sprintf("%s requires approval", req.ToolName)
	}
	return claudeBehaviorAllow, ""
}

func (s *claudeSession) steer(text string) error {
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		return errors.New("run already cancelled")
	}
	return s.tp.send(newClaudeUserMessage(text))
}

func (s *claudeSession) cancel(reason string) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.reason = reason
	s.mu.Unlock()

	req := claudeCtlOut{
		Type:      claudeMsgControlRequest,
		RequestID: uuid.New().String(),
		Request:   claudeCtlBody{Subtype: claudeSubtypeInterrupt},
	}
	if err := s.tp.send(req); err != nil {
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

// onExit runs once the process is gone and all lines are handled. If a
// result already finished the run this is a no-op.
func (s *claudeSession) onExit() {
	s.ensureStarted()

	s.mu.Lock()
	cancelled, reason := s.cancelled, s.reason
	usage := engine.Usage{ContextUsed: s.contextUsed, ContextLimit: s.contextLimit}
	sid := s.sessionID
	s.mu.Unlock()

	var tok *engine.ResumeToken
	if sid != "" {
		tok = &engine.ResumeToken{Engine: claudeID, Value: sid}
	}

	errText := "claude exited before reporting a result"
	if err := s.tp.waitErr(); err != nil {
		errText = fmt.Sprintf("claude exited: %v", err)
	}
	if tail := strings.TrimSpace(s.tp.stderrTail()); tail != "" {
		errText = errText + "\n" + tail
	}
	if cancelled {
		errText = cancelledText(reason)
	}
	s.finish(engine.Completed{OK: false, ErrorText: errText, Usage: usage, Resume: tok})
}

// finish emits the terminal event exactly once, then lets the CLI wind
// down: it exits when stdin closes, and the stop escalation catches the
// ones that do not.
func (s *claudeSession) finish(c engine.Completed) {
	s.finishOnce.Do(func() {
		s.sink(c)
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

func claudeToolKind(name string) engine.ActionKind {
	switch name {
	case "Bash":
		return engine.ActionCommand
	case "Write", "Edit", "NotebookEdit":
		return engine.ActionFileChange
	case "WebFetch", "WebSearch":
		return engine.ActionWebSearch
	case "Task":
		return engine.ActionSubagent
	default:
		return engine.ActionTool
	}
}

func claudeToolTitle(name string, input map[string]any) string {
	if cmd, ok := input["command"].(string); ok && name == "Bash" {
		return cmd
	}
	if path, ok := input["file_path"].(string); ok {
		return fmt.Sprintf("%s: %s", name, path)
	}
	return name
}

// claudePolicyTool maps a CLI tool name onto the policy vocabulary.
// Read-only and unknown tools carry no policy name and run freely.
func claudePolicyTool(name string) string {
	switch name {
	case "Bash":
		return policy.ToolBash
	case "Write", "Edit", "NotebookEdit":
		return policy.ToolWrite
	case "WebFetch", "WebSearch":
		return policy.ToolWeb
	default:
		return ""
	}
}

func permissionArg(req *claudeCtlRequest) string {
	if cmd, ok := req.Input["command"].(string); ok {
		return cmd
	}
	if path, ok := req.Input["file_path"].(string); ok {
		return path
	}
	return ""
}

func compactInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}
