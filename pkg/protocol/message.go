// Package protocol defines the JSON-RPC 2.0 envelope exchanged over both
// wire variants. The gateway never interprets params or results; it only
// classifies messages and shapes error responses.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version the gateway speaks.
const Version = "2.0"

// MethodInitialize opens the handshake that mints a session.
const MethodInitialize = "initialize"

// Message is a single JSON-RPC request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.hasID()
}

// IsNotification reports whether the message is a fire-and-forget call.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.hasID()
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// Decode parses a raw body into a Message and validates the envelope.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "parse error"}
	}
	if msg.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: "unsupported jsonrpc version"}
	}
	if msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: "message is neither request nor response"}
	}
	return &msg, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewErrorResponse builds an error response for the given request id. A nil
// id yields the null id mandated for undecodable requests.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}
