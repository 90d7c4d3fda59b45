// Package transport implements the per-session state machine terminating
// one wire-level connection lifecycle for either protocol variant.
package transport

import (
	"context"
	"errors"
)

// Kind distinguishes the two mutually incompatible wire variants.
type Kind string

const (
	// KindStreamable is the modern single-endpoint variant (POST/GET/DELETE,
	// resumable push streams).
	KindStreamable Kind = "streamable"
	// KindSSE is the legacy two-endpoint variant (push-only GET stream plus
	// a separate submission POST), not resumable.
	KindSSE Kind = "sse"
)

// State tracks a transport through its lifecycle. Transitions only move
// forward; see the per-variant implementations for the triggers.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotActive rejects dispatch on a transport that is not (yet, or any
	// longer) serving requests.
	ErrNotActive = errors.New("transport: session not active")
	// ErrStreamBusy rejects a second concurrent standalone push channel.
	ErrStreamBusy = errors.New("transport: push stream already open")
	// ErrStreamingUnsupported is returned when the response writer cannot
	// flush incrementally.
	ErrStreamingUnsupported = errors.New("transport: response writer does not support streaming")
)

// Transport is the registry-facing surface shared by both variants.
type Transport interface {
	// SessionID returns the server-minted session identifier.
	SessionID() string

	// Kind reports which wire variant the session is bound to.
	Kind() Kind

	// State reports the current lifecycle state.
	State() State

	// Terminate moves the transport toward Closed. New dispatch is refused
	// immediately; in-flight dispatches are allowed to complete.
	Terminate(ctx context.Context)
}
