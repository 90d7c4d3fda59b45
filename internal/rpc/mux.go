// Package rpc is the boundary to the external request handlers: a registry
// from method name to handler function. Handlers are opaque to the
// transport layer; their failures become JSON-RPC error responses and never
// touch session or transport state.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zhouzirui/rpcgate/pkg/protocol"
)

// HandlerFunc processes one decoded request and returns the result payload.
// Returning *Error passes a coded JSON-RPC error through verbatim; any
// other error becomes an internal-error response.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Error carries a JSON-RPC error code chosen by a handler.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Mux routes requests by method name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux creates a registry with the built-in ping method.
func NewMux() *Mux {
	m := &Mux{handlers: make(map[string]HandlerFunc)}
	m.Register("ping", func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	return m
}

// Register binds a method name to a handler, replacing any previous one.
func (m *Mux) Register(method string, fn HandlerFunc) {
	m.mu.Lock()
	m.handlers[method] = fn
	m.mu.Unlock()
}

// Dispatch runs the handler for a request or notification. Notifications
// yield a nil response. Handler panics are contained here and reported as
// internal errors rather than propagating to terminate the connection.
func (m *Mux) Dispatch(ctx context.Context, msg *protocol.Message) (resp *protocol.Message) {
	m.mu.RLock()
	fn, ok := m.handlers[msg.Method]
	m.mu.RUnlock()

	if !ok {
		if msg.IsNotification() {
			return nil
		}
		return protocol.NewErrorResponse(msg.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", msg.Method))
	}

	defer func() {
		if r := recover(); r != nil && msg.IsRequest() {
			resp = protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, "internal error")
		}
	}()

	result, err := fn(ctx, msg.Params)
	if msg.IsNotification() {
		return nil
	}
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			return protocol.NewErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message)
		}
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, "internal error")
	}

	out, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, "internal error")
	}
	return out
}
