package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/rpcgate/internal/eventlog"
	"github.com/zhouzirui/rpcgate/internal/httputil"
	"github.com/zhouzirui/rpcgate/internal/rpc"
	"github.com/zhouzirui/rpcgate/pkg/protocol"
)

// SSE is the legacy-variant transport: the session is the GET push stream
// itself, with submissions arriving on a separate POST endpoint carrying
// the session id as a query parameter. Responses to submissions travel
// over the push stream. The variant does not accept a resumption token,
// but outbound messages are still recorded in the event log so that a
// shared log deployment keeps one record format across variants.
type SSE struct {
	sessionID string
	streamID  string
	store     eventlog.Store
	mux       *rpc.Mux
	log       zerolog.Logger

	state  atomic.Int32
	closed chan struct{}
	out    chan liveEvent

	inflight sync.WaitGroup
}

// NewSSE constructs a transport for a just-accepted push connection. The
// endpoint event written during ServeStream is the handshake: the instance
// activates once that event is flushed.
func NewSSE(store eventlog.Store, mux *rpc.Mux, log zerolog.Logger) *SSE {
	id := uuid.NewString()
	t := &SSE{
		sessionID: id,
		streamID:  uuid.NewString(),
		store:     store,
		mux:       mux,
		log:       log.With().Str("session", id).Str("kind", string(KindSSE)).Logger(),
		closed:    make(chan struct{}),
		out:       make(chan liveEvent, 32),
	}
	t.state.Store(int32(StateInitializing))
	return t
}

// SessionID implements Transport.
func (t *SSE) SessionID() string { return t.sessionID }

// Kind implements Transport.
func (t *SSE) Kind() Kind { return KindSSE }

// State implements Transport.
func (t *SSE) State() State { return State(t.state.Load()) }

// Activate completes the handshake once the endpoint event is on the wire.
func (t *SSE) Activate() bool {
	return t.state.CompareAndSwap(int32(StateInitializing), int32(StateActive))
}

// ServeStream writes the endpoint handshake event and then delivers queued
// outbound messages until the connection or the session closes. messagePath
// is the submission endpoint the client must POST to.
func (t *SSE) ServeStream(ctx context.Context, w http.ResponseWriter, messagePath string, activate func() error) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	httputil.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s?sessionId=%s", messagePath, t.sessionID)
	if err := httputil.WriteSSEEvent(w, flusher, "endpoint", "", []byte(endpoint)); err != nil {
		return err
	}
	if err := activate(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return nil
		case ev := <-t.out:
			if err := httputil.WriteSSEEvent(w, flusher, "message", ev.id, ev.data); err != nil {
				return err
			}
		}
	}
}

// HandleMessage dispatches one submission. The response, if any, is queued
// onto the push stream; the submission exchange itself only acknowledges.
func (t *SSE) HandleMessage(ctx context.Context, msg *protocol.Message) error {
	if t.State() != StateActive {
		return ErrNotActive
	}
	t.inflight.Add(1)
	defer t.inflight.Done()

	resp := t.mux.Dispatch(ctx, msg)
	if resp == nil {
		return nil
	}
	_, err := t.Send(ctx, resp)
	return err
}

// Send queues one outbound message and records it in the event log.
func (t *SSE) Send(ctx context.Context, msg *protocol.Message) (string, error) {
	if t.State() != StateActive {
		return "", ErrNotActive
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	eventID, err := t.store.Append(ctx, t.streamID, data)
	if err != nil {
		return "", err
	}

	select {
	case t.out <- liveEvent{id: eventID, data: data}:
	case <-t.closed:
	case <-ctx.Done():
	}
	return eventID, nil
}

// Terminate implements Transport. The legacy session dies with its push
// connection, so this runs when that connection unwinds (or on drain).
func (t *SSE) Terminate(context.Context) {
	if !t.state.CompareAndSwap(int32(StateActive), int32(StateTerminating)) {
		if !t.state.CompareAndSwap(int32(StateInitializing), int32(StateTerminating)) {
			return
		}
	}
	close(t.closed)

	go func() {
		t.inflight.Wait()
		t.state.Store(int32(StateClosed))
		t.log.Debug().Msg("session closed")
	}()
}
