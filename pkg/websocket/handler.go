package websocket

import (
	"context"
	"sync"
)

// HandlerFunc processes one request message and returns the reply to send.
// A nil reply suppresses the response.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes request messages to the handler registered for their
// action. Registration happens at wiring time; Dispatch runs concurrently
// from every connected client's read pump.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// RegisterFunc installs the handler for an action, replacing any previous
// one.
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = handler
}

// Dispatch runs the handler for the message's action. An unknown action
// comes back as an error reply rather than a Go error, so the connection
// stays up.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	d.mu.RLock()
	handler, ok := d.handlers[msg.Action]
	d.mu.RUnlock()
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}
	return handler(ctx, msg)
}
