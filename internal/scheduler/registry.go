package scheduler

import (
	"context"
	"encoding/json"
)

// Handler performs the actual work for a task. Implementations are supplied
// by the application; the payload is whatever was stored at task creation.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Registry resolves a handler name to an invocable handler. The loop only
// needs a name-keyed lookup; the application owns registration.
type Registry interface {
	Resolve(name string) (Handler, bool)
}

// HandlerMap is the simplest Registry: a fixed name-to-handler map.
type HandlerMap map[string]Handler

func (m HandlerMap) Resolve(name string) (Handler, bool) {
	h, ok := m[name]
	return h, ok
}
