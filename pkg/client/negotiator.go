package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// NegotiatorState tracks where a Negotiator is in the variant-selection
// handshake.
type NegotiatorState int

const (
	StateUnconnected NegotiatorState = iota
	StateTryModern
	StateConnectedModern
	StateTryLegacy
	StateConnectedLegacy
	StateFailed
)

func (s NegotiatorState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateTryModern:
		return "try-modern"
	case StateConnectedModern:
		return "connected-modern"
	case StateTryLegacy:
		return "try-legacy"
	case StateConnectedLegacy:
		return "connected-legacy"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Negotiator connects to a server whose variant is unknown. It attempts the
// modern handshake first and falls back to the legacy variant only when the
// server rejects the modern one with a 4xx status. Any other failure, such
// as a timeout or a 5xx, is reported as-is with no fallback attempt. Each
// variant is tried at most once per Connect.
type Negotiator struct {
	baseURL string
	http    *http.Client
	state   NegotiatorState
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithHTTPClient substitutes the HTTP client used for both variants.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Negotiator) { n.http = hc }
}

// NewNegotiator builds a Negotiator for baseURL, which must not include a
// path suffix.
func NewNegotiator(baseURL string, opts ...Option) *Negotiator {
	n := &Negotiator{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 0},
		state:   StateUnconnected,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// State reports the current negotiation state.
func (n *Negotiator) State() NegotiatorState { return n.state }

// Connect runs the negotiation and returns a connected Conn.
func (n *Negotiator) Connect(ctx context.Context) (Conn, error) {
	n.state = StateTryModern
	modern := newModern(n.baseURL, n.http)
	modernErr := modern.connect(ctx)
	if modernErr == nil {
		n.state = StateConnectedModern
		return modern, nil
	}

	var httpErr *HTTPError
	if !(errors.As(modernErr, &httpErr) && httpErr.ClientError()) {
		n.state = StateFailed
		return nil, fmt.Errorf("modern handshake: %w", modernErr)
	}

	n.state = StateTryLegacy
	legacy := newLegacy(n.baseURL, n.http)
	if legacyErr := legacy.connect(ctx); legacyErr != nil {
		n.state = StateFailed
		return nil, errors.Join(
			fmt.Errorf("modern handshake: %w", modernErr),
			fmt.Errorf("legacy handshake: %w", legacyErr),
		)
	}
	n.state = StateConnectedLegacy
	return legacy, nil
}

// Dial is the one-shot convenience form of NewNegotiator plus Connect with
// a handshake deadline.
func Dial(ctx context.Context, baseURL string, opts ...Option) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return NewNegotiator(baseURL, opts...).Connect(ctx)
}
