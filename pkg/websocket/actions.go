package websocket

// Actions the client sends.
const (
	// ActionUserMessage carries one user turn for the agent.
	ActionUserMessage = "user.message"
	// ActionPress reports an interactive button press.
	ActionPress = "action.press"
	// ActionHealthCheck probes gateway liveness.
	ActionHealthCheck = "health.check"
)

// Actions the server pushes.
const (
	// ActionMessageCreate materializes a new chat message.
	ActionMessageCreate = "message.create"
	// ActionMessageEdit replaces the text of an existing message.
	ActionMessageEdit = "message.edit"
)

// Error codes carried by error frames.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
