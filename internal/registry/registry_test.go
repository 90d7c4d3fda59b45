package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/rpcgate/internal/eventlog"
	"github.com/zhouzirui/rpcgate/internal/registry"
	"github.com/zhouzirui/rpcgate/internal/rpc"
	"github.com/zhouzirui/rpcgate/internal/transport"
)

func newActiveTransport(t *testing.T) *transport.Streamable {
	t.Helper()
	tr := transport.NewStreamable(eventlog.NewMemoryLog(0), rpc.NewMux(), zerolog.Nop())
	if !tr.Activate() {
		t.Fatal("Activate failed")
	}
	return tr
}

func TestRegisterLookupRemove(t *testing.T) {
	dir := registry.NewMemory()
	ctx := context.Background()
	tr := newActiveTransport(t)

	if err := dir.Register(ctx, tr.SessionID(), tr); err != nil {
		t.Fatalf("Register err: %v", err)
	}

	got, err := dir.Lookup(ctx, tr.SessionID())
	if err != nil {
		t.Fatalf("Lookup err: %v", err)
	}
	if got.SessionID() != tr.SessionID() {
		t.Fatalf("unexpected transport: %s", got.SessionID())
	}

	if err := dir.Remove(ctx, tr.SessionID()); err != nil {
		t.Fatalf("Remove err: %v", err)
	}
	if _, err := dir.Lookup(ctx, tr.SessionID()); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestRegisterRejectsUnactivated(t *testing.T) {
	dir := registry.NewMemory()
	tr := transport.NewStreamable(eventlog.NewMemoryLog(0), rpc.NewMux(), zerolog.Nop())

	err := dir.Register(context.Background(), tr.SessionID(), tr)
	if !errors.Is(err, registry.ErrNotActivated) {
		t.Fatalf("expected ErrNotActivated, got %v", err)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	dir := registry.NewMemory()
	ctx := context.Background()
	tr := newActiveTransport(t)

	if err := dir.Register(ctx, "same", tr); err != nil {
		t.Fatalf("Register err: %v", err)
	}
	if err := dir.Register(ctx, "same", newActiveTransport(t)); !errors.Is(err, registry.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestLookupAfterRemoveUnderConcurrency(t *testing.T) {
	dir := registry.NewMemory()
	ctx := context.Background()
	tr := newActiveTransport(t)
	id := tr.SessionID()

	if err := dir.Register(ctx, id, tr); err != nil {
		t.Fatalf("Register err: %v", err)
	}

	var wg sync.WaitGroup
	removed := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dir.Remove(ctx, id); err != nil {
			t.Errorf("Remove err: %v", err)
		}
		close(removed)
	}()

	<-removed
	// Every lookup issued after removal observes not-found, including ones
	// racing with requests that started earlier.
	for i := 0; i < 50; i++ {
		if _, err := dir.Lookup(ctx, id); !errors.Is(err, registry.ErrNotFound) {
			t.Fatalf("lookup %d after remove: %v", i, err)
		}
	}
	wg.Wait()
}

func TestLookupKindMismatch(t *testing.T) {
	dir := registry.NewMemory()
	ctx := context.Background()
	tr := newActiveTransport(t)

	if err := dir.Register(ctx, tr.SessionID(), tr); err != nil {
		t.Fatalf("Register err: %v", err)
	}

	if _, err := registry.LookupKind(ctx, dir, tr.SessionID(), transport.KindSSE); !errors.Is(err, registry.ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
	if _, err := registry.LookupKind(ctx, dir, tr.SessionID(), transport.KindStreamable); err != nil {
		t.Fatalf("matching kind rejected: %v", err)
	}
	if _, err := registry.LookupKind(ctx, dir, "unknown", transport.KindSSE); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestDrainTerminatesAndBlocksRegistration(t *testing.T) {
	dir := registry.NewMemory()
	ctx := context.Background()
	tr := newActiveTransport(t)

	if err := dir.Register(ctx, tr.SessionID(), tr); err != nil {
		t.Fatalf("Register err: %v", err)
	}

	dir.Drain(ctx)

	if _, err := dir.Lookup(ctx, tr.SessionID()); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after drain, got %v", err)
	}
	if s := tr.State(); s != transport.StateTerminating && s != transport.StateClosed {
		t.Fatalf("transport not terminated: %s", s)
	}
	if err := dir.Register(ctx, "late", newActiveTransport(t)); !errors.Is(err, registry.ErrDirectoryDrain) {
		t.Fatalf("expected ErrDirectoryDrain, got %v", err)
	}
}

func TestStatelessDirectory(t *testing.T) {
	dir := registry.NewStateless()
	ctx := context.Background()
	tr := newActiveTransport(t)

	if err := dir.Register(ctx, tr.SessionID(), tr); err != nil {
		t.Fatalf("Register err: %v", err)
	}
	if _, err := dir.Lookup(ctx, tr.SessionID()); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("stateless lookup must miss, got %v", err)
	}
	if err := dir.Remove(ctx, tr.SessionID()); err != nil {
		t.Fatalf("Remove err: %v", err)
	}
}
