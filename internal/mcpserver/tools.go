package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/orchestrator"
	"github.com/grovehq/grove/internal/router"
	"github.com/grovehq/grove/internal/run"
	v1 "github.com/grovehq/grove/pkg/api/v1"
)

// toolChannel marks runs submitted through the MCP surface.
const toolChannel = "mcp"

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to an agent. Targets the agent's most recent session unless a session is named."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent to address"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message text"),
			),
			mcp.WithString("session",
				mcp.Description("Session key to target, or \"new\" to start a fresh session"),
			),
			mcp.WithString("queue_mode",
				mcp.Description("How to handle a busy session: collect, followup, steer, steer_backlog or interrupt"),
			),
			mcp.WithString("model",
				mcp.Description("Model override for this turn (optional)"),
			),
			mcp.WithString("engine",
				mcp.Description("Engine override for this turn (optional)"),
			),
		),
		sendMessageHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("abort_run",
			mcp.WithDescription("Abort the active run of a session. Accepts a run id or a session key."),
			mcp.WithString("target",
				mcp.Required(),
				mcp.Description("Run id or session key"),
			),
			mcp.WithString("reason",
				mcp.Description("Reason recorded with the cancellation (optional)"),
			),
		),
		abortRunHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List known sessions, most recently active first."),
		),
		listSessionsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Inspect one run by run id or session key."),
			mcp.WithString("run_id",
				mcp.Required(),
				mcp.Description("Run id or session key"),
			),
		),
		getRunHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_engines",
			mcp.WithDescription("List registered engines and whether they support steering."),
		),
		listEnginesHandler(deps, log),
	)

	log.Info("registered mcp tools", zap.Int("count", 5))
}

func sendMessageHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		opts := router.SendOpts{
			Channel:   toolChannel,
			QueueMode: engine.QueueMode(req.GetString("queue_mode", "")),
			Model:     req.GetString("model", ""),
			Engine:    req.GetString("engine", ""),
		}
		switch session := req.GetString("session", ""); session {
		case "":
		case "new":
			opts.NewSession = true
		default:
			opts.SessionKey = session
		}

		sub, err := deps.Sender.SendToAgent(ctx, agentID, text, opts)
		if err != nil {
			log.Error("send_message failed", zap.String("agent_id", agentID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
		}
		return jsonResult(toSubmission(sub))
	}
}

func abortRunHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := req.RequireString("target")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := deps.Sender.Abort(target, req.GetString("reason", "")); err != nil {
			log.Error("abort_run failed", zap.String("target", target), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to abort: %v", err)), nil
		}
		return jsonResult(map[string]string{"status": "aborted", "target": target})
	}
}

func listSessionsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		infos, err := deps.Meta.List(ctx)
		if err != nil {
			log.Error("list_sessions failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
		}

		out := make([]v1.SessionInfo, 0, len(infos))
		for _, info := range infos {
			out = append(out, v1.SessionInfo{
				SessionKey:   info.SessionKey,
				AgentID:      info.AgentID,
				LastActivity: info.LastActivity,
			})
		}
		return jsonResult(v1.SessionList{Sessions: out, Total: len(out)})
	}
}

func getRunHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		p, ok := deps.Runs.Lookup(id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no run found for %q", id)), nil
		}
		return jsonResult(toRunRecord(p.Record()))
	}
}

func listEnginesHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := deps.Engines.IDs()
		out := make([]v1.EngineInfo, 0, len(ids))
		for _, id := range ids {
			e, err := deps.Engines.Get(id)
			if err != nil {
				continue
			}
			out = append(out, v1.EngineInfo{ID: id, SupportsSteer: e.SupportsSteer()})
		}
		return jsonResult(v1.EngineList{Engines: out})
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
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
