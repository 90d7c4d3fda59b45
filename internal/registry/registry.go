// Package registry maps live session identifiers to the transport
// currently serving them. The Directory interface is the seam the three
// deployment policies plug into; the transport code never learns which
// one is in effect.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/zhouzirui/rpcgate/internal/transport"
)

var (
	ErrNotFound       = errors.New("registry: session not found")
	ErrAlreadyExists  = errors.New("registry: session already registered")
	ErrNotActivated   = errors.New("registry: transport has not completed initialization")
	ErrKindMismatch   = errors.New("registry: session exists under a different transport")
	ErrDirectoryDrain = errors.New("registry: directory is draining")
)

// Directory resolves session ids to transports. Implementations must
// guarantee that Lookup after Remove reports ErrNotFound and that no two
// live transports share an id.
type Directory interface {
	// Register binds an id to a transport that has completed initialization.
	Register(ctx context.Context, id string, t transport.Transport) error

	// Lookup returns the transport serving id, or ErrNotFound.
	Lookup(ctx context.Context, id string) (transport.Transport, error)

	// Remove drops the binding for id. Removing an unknown id is a no-op.
	Remove(ctx context.Context, id string) error
}

// LookupKind resolves id and enforces the transport-kind invariant: a
// session bound to one variant rejects the other variant's request shape
// with ErrKindMismatch, which callers must keep distinct from ErrNotFound.
func LookupKind(ctx context.Context, dir Directory, id string, kind transport.Kind) (transport.Transport, error) {
	t, err := dir.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Kind() != kind {
		return nil, ErrKindMismatch
	}
	return t, nil
}

// Memory is the single-process reference Directory: a mutex-guarded map
// constructed at server start and drained at shutdown.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]transport.Transport
	draining bool
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]transport.Transport)}
}

// Register implements Directory. Only activated transports are accepted.
func (m *Memory) Register(_ context.Context, id string, t transport.Transport) error {
	if t.State() != transport.StateActive {
		return ErrNotActivated
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return ErrDirectoryDrain
	}
	if _, ok := m.sessions[id]; ok {
		return ErrAlreadyExists
	}
	m.sessions[id] = t
	return nil
}

// Lookup implements Directory.
func (m *Memory) Lookup(_ context.Context, id string) (transport.Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Remove implements Directory.
func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Drain terminates every live transport and refuses further registration.
// Called once at server shutdown.
func (m *Memory) Drain(ctx context.Context) {
	m.mu.Lock()
	m.draining = true
	live := make([]transport.Transport, 0, len(m.sessions))
	for _, t := range m.sessions {
		live = append(live, t)
	}
	m.sessions = make(map[string]transport.Transport)
	m.mu.Unlock()

	for _, t := range live {
		t.Terminate(ctx)
	}
}

// Stateless is the no-op Directory for deployments where every request is
// self-contained. Registration succeeds and retains nothing.
type Stateless struct{}

// NewStateless creates the no-op directory.
func NewStateless() Stateless { return Stateless{} }

// Register implements Directory.
func (Stateless) Register(_ context.Context, _ string, t transport.Transport) error {
	if t.State() != transport.StateActive {
		return ErrNotActivated
	}
	return nil
}

// Lookup implements Directory; nothing is ever found.
func (Stateless) Lookup(context.Context, string) (transport.Transport, error) {
	return nil, ErrNotFound
}

// Remove implements Directory.
func (Stateless) Remove(context.Context, string) error { return nil }
