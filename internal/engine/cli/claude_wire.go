package cli

import (
	"encoding/json"
	"strings"
)

// Wire shapes for the claude CLI stream-json protocol. One JSON record
// per line; the type field says which of the remaining fields matter.

const (
	claudeMsgSystem          = "system"
	claudeMsgAssistant       = "assistant"
	claudeMsgUser            = "user"
	claudeMsgResult          = "result"
	claudeMsgControlRequest  = "control_request"
	claudeMsgControlResponse = "control_response"

	claudeSubtypeCanUseTool = "can_use_tool"
	claudeSubtypeInterrupt  = "interrupt"

	claudeBehaviorAllow = "allow"
	claudeBehaviorDeny  = "deny"
)

// claudeMsg is one record from the CLI's stdout.
type claudeMsg struct {
	Type string `json:"type"`

	// Control requests (permission prompts) from the CLI.
	RequestID string            `json:"request_id,omitempty"`
	Request   *claudeCtlRequest `json:"request,omitempty"`

	// System init and result records both carry the session id.
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// Assistant and user records wrap an API-shaped message.
	Message *claudeMessage `json:"message,omitempty"`

	// Result records. Result is a string on API errors and an object
	// otherwise.
	Result            json.RawMessage             `json:"result,omitempty"`
	Subtype           string                      `json:"subtype,omitempty"`
	IsError           bool                        `json:"is_error,omitempty"`
	NumTurns          int                         `json:"num_turns,omitempty"`
	TotalInputTokens  int64                       `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64                       `json:"total_output_tokens,omitempty"`
	ModelUsage        map[string]claudeModelUsage `json:"model_usage,omitempty"`
}

// resultPayload decodes the polymorphic result field. String results
// come back as text with no session; object results may carry both.
func (m *claudeMsg) resultPayload() (text, sessionID string) {
	if len(m.Result) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s, ""
	}
	var obj struct {
		Text      string `json:"text,omitempty"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text, obj.SessionID
	}
	return "", ""
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Model   string        `json:"model,omitempty"`
	Content []claudeBlock `json:"content,omitempty"`
	Usage   *claudeUsage  `json:"usage,omitempty"`
}

type claudeBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string     `json:"tool_use_id,omitempty"`
	Content   claudeText `json:"content,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
}

// claudeText accepts either a plain string or an array of typed blocks,
// both of which the CLI uses for tool_result content.
type claudeText string

func (t *claudeText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = claudeText(s)
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		*t = claudeText(b.String())
		return nil
	}
	*t = ""
	return nil
}

type claudeUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// contextTokens is the model-side context occupancy this usage implies.
func (u *claudeUsage) contextTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

type claudeModelUsage struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

type claudeCtlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// claudeUserMessage is the prompt record written to stdin; steering
// reuses the same shape mid-run.
type claudeUserMessage struct {
	Type    string         `json:"type"`
	Message claudeUserBody `json:"message"`
}

type claudeUserBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newClaudeUserMessage(text string) claudeUserMessage {
	return claudeUserMessage{
		Type:    claudeMsgUser,
		Message: claudeUserBody{Role: "user", Content: text},
	}
}

// claudeCtlOut is a control request written to the CLI (interrupt).
type claudeCtlOut struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id"`
	Request   claudeCtlBody `json:"request"`
}

type claudeCtlBody struct {
	Subtype string `json:"subtype"`
}

// claudeCtlResponse answers a control request from the CLI.
type claudeCtlResponse struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *claudeCtlResult `json:"response"`
}

type claudeCtlResult struct {
	Subtype string            `json:"subtype"`
	Result  *claudePermission `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type claudePermission struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}
