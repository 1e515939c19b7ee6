package cli

// codex proto speaks submissions down stdin and events up stdout, one
// JSON object per line. Ops and event payloads are tagged unions on a
// type field inside the envelope.

const (
	codexEvSessionConfigured = "session_configured"
	codexEvAgentMessageDelta = "agent_message_delta"
	codexEvAgentMessage      = "agent_message"
	codexEvExecBegin         = "exec_command_begin"
	codexEvExecEnd           = "exec_command_end"
	codexEvPatchBegin        = "patch_apply_begin"
	codexEvPatchEnd          = "patch_apply_end"
	codexEvMCPBegin          = "mcp_tool_call_begin"
	codexEvMCPEnd            = "mcp_tool_call_end"
	codexEvTokenCount        = "token_count"
	codexEvError             = "error"
	codexEvTaskComplete      = "task_complete"
	codexEvTurnAborted       = "turn_aborted"
	codexEvShutdownComplete  = "shutdown_complete"

	codexOpUserInput = "user_input"
	codexOpInterrupt = "interrupt"
	codexOpShutdown  = "shutdown"
)

type codexSubmission struct {
	ID string `json:"id"`
	Op any    `json:"op"`
}

type codexUserInput struct {
	Type  string           `json:"type"`
	Items []codexInputItem `json:"items"`
}

type codexInputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// codexOp covers the payload-free ops: interrupt and shutdown.
type codexOp struct {
	Type string `json:"type"`
}

func newCodexUserInput(text string) codexUserInput {
	return codexUserInput{
		Type:  codexOpUserInput,
		Items: []codexInputItem{{Type: "text", Text: text}},
	}
}

type codexEvent struct {
	ID  string   `json:"id"`
	Msg codexMsg `json:"msg"`
}

type codexMsg struct {
	Type string `json:"type"`

	// session_configured
	SessionID   string `json:"session_id,omitempty"`
	RolloutPath string `json:"rollout_path,omitempty"`
	Model       string `json:"model,omitempty"`

	// agent_message_delta / agent_message; error reuses message for
	// its text.
	Delta   string `json:"delta,omitempty"`
	Message string `json:"message,omitempty"`

	// exec_command_*, patch_apply_*, mcp_tool_call_*
	CallID   string   `json:"call_id,omitempty"`
	Command  []string `json:"command,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Success  *bool    `json:"success,omitempty"`

	// task_complete
	LastAgentMessage string `json:"last_agent_message,omitempty"`

	// token_count
	Info *codexTokenInfo `json:"info,omitempty"`
}

type codexTokenInfo struct {
	Total              *codexTokenUsage `json:"total_token_usage,omitempty"`
	Last               *codexTokenUsage `json:"last_token_usage,omitempty"`
	ModelContextWindow int64            `json:"model_context_window,omitempty"`
}

type codexTokenUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
}

func (u *codexTokenUsage) contextTokens() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CachedInputTokens + u.OutputTokens
}
