package websocket

import "context"

// Handler processes one frame and returns the response frame, or nil
// for no reply.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes frames to handlers by action. Registration happens
// during setup; Dispatch may then be called concurrently.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action.
func (d *Dispatcher) Register(action string, handler Handler) {
	d.handlers[action] = handler
}

// RegisterFunc binds a handler function to an action.
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch routes a frame. Unregistered actions answer with an error
// frame rather than an error return.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"unknown action: "+msg.Action, nil)
	}
	return handler.Handle(ctx, msg)
}
