package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/agentcfg"
	"github.com/grovehq/grove/internal/common/errors"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/orchestrator"
	"github.com/grovehq/grove/internal/router"
	"github.com/grovehq/grove/internal/run"
	"github.com/grovehq/grove/internal/scheduler"
	"github.com/grovehq/grove/internal/session"
	v1 "github.com/grovehq/grove/pkg/api/v1"
)

// defaultChannel is attached to submissions that name no channel.
const defaultChannel = "api"

// Handler implements the HTTP endpoints.
type Handler struct {
	deps   Deps
	logger *logger.Logger
}

// NewHandler creates the endpoint handler set.
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{deps: deps, logger: log}
}

// SetupRoutes registers the v1 routes on a router group.
func (h *Handler) SetupRoutes(g *gin.RouterGroup) {
	g.POST("/messages", h.SendMessage)
	g.POST("/runs", h.SubmitRun)
	g.GET("/runs", h.ListRuns)
	g.GET("/runs/:id", h.GetRun)
	g.DELETE("/runs/:id", h.AbortRun)
	g.GET("/sessions", h.ListSessions)
	g.DELETE("/sessions/:key/run", h.AbortSessionRun)
	g.GET("/engines", h.ListEngines)
}

// Health reports component liveness plus current run volume. 200 only
// when every check passes.
func (h *Handler) Health(c *gin.Context) {
	checks := map[string]string{
		"orchestrator":   "ok",
		"supervisor":     "ok",
		"run_supervisor": "ok",
	}
	if h.deps.Submitter == nil {
		checks["orchestrator"] = "missing"
	}
	if h.deps.Scheduler == nil || !h.deps.Scheduler.IsRunning() {
		checks["supervisor"] = "stopped"
	}
	if h.deps.Supervisor == nil {
		checks["run_supervisor"] = "missing"
	}

	status := "ok"
	code := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	resp := v1.Health{
		Status: status,
		Checks: checks,
		RunCounts: v1.RunCounts{
			Active: h.deps.Runs.Active(),
		},
	}
	if h.deps.Scheduler != nil {
		resp.RunCounts.Queued = h.deps.Scheduler.Queued()
	}
	if h.deps.Supervisor != nil {
		resp.RunCounts.CompletedToday = h.deps.Supervisor.CompletedToday()
	}
	c.JSON(code, resp)
}

// SendMessage submits text to an agent, leaving session selection to
// the router.
func (h *Handler) SendMessage(c *gin.Context) {
	var req v1.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("body", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sub, err := h.deps.Sender.SendToAgent(c.Request.Context(), req.AgentID, req.Text, router.SendOpts{
		SessionKey: req.SessionKey,
		NewSession: req.NewSession,
		Channel:    req.Channel,
		QueueMode:  engine.QueueMode(req.QueueMode),
		Model:      req.Model,
		Engine:     req.Engine,
		Cwd:        req.Cwd,
		Meta:       req.Meta,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toSubmission(sub))
}

// SubmitRun submits one turn to an explicit session. Run ids are
// assigned at dispatch, so the response carries the resolved submission
// rather than a run id.
func (h *Handler) SubmitRun(c *gin.Context) {
	var req v1.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("body", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if _, err := session.Parse(req.SessionKey); err != nil {
		appErr := errors.ValidationError("session_key", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = defaultChannel
	}
	sub, err := h.deps.Submitter.Submit(c.Request.Context(), orchestrator.Request{
		SessionKey:    req.SessionKey,
		Channel:       channel,
		Text:          req.Text,
		UserMessageID: req.UserMessageID,
		QueueMode:     engine.QueueMode(req.QueueMode),
		Model:         req.Model,
		Engine:        req.Engine,
		Cwd:           req.Cwd,
		Meta:          req.Meta,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toSubmission(sub))
}

// ListRuns snapshots every registered run.
func (h *Handler) ListRuns(c *gin.Context) {
	records := h.deps.Runs.Records()
	out := make([]v1.RunRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, toRunRecord(rec))
	}
	c.JSON(http.StatusOK, v1.RunList{Runs: out, Total: len(out)})
}

// GetRun returns one run, addressed by run id or session key.
func (h *Handler) GetRun(c *gin.Context) {
	id := c.Param("id")
	p, ok := h.deps.Runs.Lookup(id)
	if !ok {
		appErr := errors.NotFound("run", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, toRunRecord(p.Record()))
}

// AbortRun cancels the run addressed by run id or session key.
func (h *Handler) AbortRun(c *gin.Context) {
	h.abort(c, c.Param("id"))
}

// AbortSessionRun cancels the active run of a session.
func (h *Handler) AbortSessionRun(c *gin.Context) {
	h.abort(c, c.Param("key"))
}

func (h *Handler) abort(c *gin.Context, target string) {
	var req v1.AbortRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			appErr := errors.ValidationError("body", err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	if err := h.deps.Sender.Abort(target, req.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted", "target": target})
}

// ListSessions enumerates sessions with stored metadata, most recent
// first.
func (h *Handler) ListSessions(c *gin.Context) {
	infos, err := h.deps.Meta.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]v1.SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, v1.SessionInfo{
			SessionKey:   info.SessionKey,
			AgentID:      info.AgentID,
			LastActivity: info.LastActivity,
		})
	}
	c.JSON(http.StatusOK, v1.SessionList{Sessions: out, Total: len(out)})
}

// ListEngines reports registered engines and their steer capability.
func (h *Handler) ListEngines(c *gin.Context) {
	ids := h.deps.Engines.IDs()
	out := make([]v1.EngineInfo, 0, len(ids))
	for _, id := range ids {
		e, err := h.deps.Engines.Get(id)
		if err != nil {
			continue
		}
		out = append(out, v1.EngineInfo{ID: id, SupportsSteer: e.SupportsSteer()})
	}
	c.JSON(http.StatusOK, v1.EngineList{Engines: out})
}

// respondError maps core errors onto classified API errors.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &appErr):
	case stderrors.Is(err, router.ErrUnknownAgent),
		stderrors.Is(err, agentcfg.ErrUnknownAgent),
		stderrors.Is(err, router.ErrNoActiveRun):
		appErr = &errors.AppError{
			Code:       errors.ErrCodeNotFound,
			Message:    err.Error(),
			HTTPStatus: http.StatusNotFound,
		}
	case stderrors.Is(err, router.ErrBadSessionKey),
		stderrors.Is(err, engine.ErrUnknownEngine):
		appErr = errors.BadRequest(err.Error())
	case stderrors.Is(err, scheduler.ErrNotRunning):
		appErr = errors.ServiceUnavailable("scheduler")
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		appErr = errors.InternalError("request failed", err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

func toSubmission(sub *orchestrator.Submission) v1.Submission {
	return v1.Submission{
		SessionKey: sub.SessionKey,
		AgentID:    sub.AgentID,
		Engine:     sub.Engine,
		Model:      sub.Model,
		Cwd:        sub.Cwd,
		QueueMode:  string(sub.QueueMode),
		Resumed:    sub.Resumed,
	}
}

func toRunRecord(rec run.Record) v1.RunRecord {
	return v1.RunRecord{
		RunID:             rec.RunID,
		SessionKey:        rec.SessionKey,
		Channel:           rec.Channel,
		EngineID:          rec.EngineID,
		EngineRunID:       rec.EngineRunID,
		State:             string(rec.State),
		Attempt:           rec.Attempt,
		StartedAt:         rec.StartedAt,
		LastActivity:      rec.LastActivity,
		ContextUsed:       rec.ContextUsed,
		ContextLimit:      rec.ContextLimit,
		Resume:            rec.Resume,
		AwaitingKeepalive: rec.AwaitingKeepalive,
		PendingCompaction: rec.PendingCompaction,
	}
}
