// Package client connects to an rpcgate server, negotiating between the
// modern and legacy wire variants.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zhouzirui/rpcgate/pkg/protocol"
)

// Variant names a wire variant the client may end up speaking.
type Variant string

const (
	VariantModern Variant = "modern"
	VariantLegacy Variant = "legacy"
)

var (
	// ErrNotResumable is returned when a resumption token is presented to
	// the legacy variant, which cannot replay.
	ErrNotResumable = errors.New("client: legacy transport does not support resumption")
	// ErrNotConnected guards calls before a successful handshake.
	ErrNotConnected = errors.New("client: not connected")
)

// EventFunc receives one push message along with its resumption token.
// The token is empty on the legacy variant.
type EventFunc func(eventID string, msg *protocol.Message) error

// Conn is one negotiated connection, regardless of variant.
type Conn interface {
	// Variant reports which wire variant was negotiated.
	Variant() Variant

	// SessionID returns the server-issued session id.
	SessionID() string

	// Call submits a request and returns the server's response message.
	Call(ctx context.Context, method string, params any) (*protocol.Message, error)

	// Notify submits a fire-and-forget notification.
	Notify(ctx context.Context, method string, params any) error

	// Events consumes the push stream, invoking fn per message. On the
	// modern variant a non-empty lastEventID requests replay first.
	// It returns when ctx is done or the stream ends.
	Events(ctx context.Context, lastEventID string, fn EventFunc) error

	// Close terminates the connection (and, on the modern variant, the
	// session).
	Close(ctx context.Context) error
}

// HTTPError is a non-2xx handshake or submission outcome.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

// ClientError reports whether the status is a 4xx rejection, the only
// failure class that licenses falling back to the legacy variant.
func (e *HTTPError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func drainError(resp *http.Response, body []byte) error {
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
}
