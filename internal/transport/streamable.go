package transport

import (
	"context"
	"encoding/json"
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

type liveEvent struct {
	id   string
	data []byte
}

type liveStream struct {
	ch       chan liveEvent
	detached chan struct{}
}

// Streamable is the modern-variant transport: one endpoint multiplexed by
// HTTP method, session id in a header, resumable push streams. A session
// survives push-channel disconnects; only an explicit termination request
// (or registry drain) closes it.
type Streamable struct {
	sessionID string
	store     eventlog.Store
	mux       *rpc.Mux
	log       zerolog.Logger

	state  atomic.Int32
	closed chan struct{}

	mu sync.Mutex
	// streamID is the logical push channel current sends are recorded
	// under. It persists across disconnects so replay can cover the gap,
	// and rotates when a fresh (non-resuming) channel opens.
	streamID string
	live     *liveStream

	inflight sync.WaitGroup
}

// NewStreamable constructs a transport for an in-flight initialize request.
// The instance starts in Initializing and is not yet visible to other
// requests; callers activate and register it once the handshake completes.
func NewStreamable(store eventlog.Store, mux *rpc.Mux, log zerolog.Logger) *Streamable {
	id := uuid.NewString()
	t := &Streamable{
		sessionID: id,
		store:     store,
		mux:       mux,
		log:       log.With().Str("session", id).Str("kind", string(KindStreamable)).Logger(),
		closed:    make(chan struct{}),
		streamID:  uuid.NewString(),
	}
	t.state.Store(int32(StateInitializing))
	return t
}

// SessionID implements Transport.
func (t *Streamable) SessionID() string { return t.sessionID }

// Kind implements Transport.
func (t *Streamable) Kind() Kind { return KindStreamable }

// State implements Transport.
func (t *Streamable) State() State { return State(t.state.Load()) }

// Initialize dispatches the handshake request and returns its response.
// The transport stays in Initializing until Activate.
func (t *Streamable) Initialize(ctx context.Context, msg *protocol.Message) *protocol.Message {
	return t.mux.Dispatch(ctx, msg)
}

// Activate completes the Initializing to Active transition. It is the
// explicit step after which registration (and therefore visibility to
// other requests) is allowed.
func (t *Streamable) Activate() bool {
	return t.state.CompareAndSwap(int32(StateInitializing), int32(StateActive))
}

// HandleMessage dispatches one submitted request or notification. The
// response, if any, is written back on the same exchange by the caller.
func (t *Streamable) HandleMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if t.State() != StateActive {
		return nil, ErrNotActive
	}
	t.inflight.Add(1)
	defer t.inflight.Done()

	return t.mux.Dispatch(ctx, msg), nil
}

// Send records one outbound push message in the event log under the
// current stream and delivers it live when a channel is attached. The log
// write happens regardless of attachment so a later reconnect can replay.
func (t *Streamable) Send(ctx context.Context, msg *protocol.Message) (string, error) {
	if s := t.State(); s != StateActive {
		return "", ErrNotActive
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	streamID := t.streamID
	ls := t.live
	t.mu.Unlock()

	eventID, err := t.store.Append(ctx, streamID, data)
	if err != nil {
		return "", err
	}

	if ls != nil {
		select {
		case ls.ch <- liveEvent{id: eventID, data: data}:
		case <-ls.detached:
		case <-t.closed:
		case <-ctx.Done():
		}
	}
	return eventID, nil
}

// OpenStream serves the long-lived push channel on w. With a resumption
// token it replays the missed tail of the token's stream first; an unknown
// token is a replay miss and the channel starts fresh on a new stream.
// Only one standalone channel may be open at a time.
func (t *Streamable) OpenStream(ctx context.Context, w http.ResponseWriter, lastEventID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}
	if t.State() != StateActive {
		return ErrNotActive
	}

	ls := &liveStream{ch: make(chan liveEvent, 32), detached: make(chan struct{})}

	t.mu.Lock()
	if t.live != nil {
		t.mu.Unlock()
		return ErrStreamBusy
	}
	t.live = ls
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.live == ls {
			t.live = nil
		}
		t.mu.Unlock()
		close(ls.detached)
	}()

	httputil.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// last tracks the newest id written to this connection so an event that
	// lands in both the replay scan and the live queue is delivered once.
	last := ""

	if lastEventID != "" {
		last = lastEventID
		resumed, err := t.store.ReplayAfter(ctx, lastEventID, func(eventID string, msg json.RawMessage) error {
			last = eventID
			return httputil.WriteSSEEvent(w, flusher, "message", eventID, msg)
		})
		if err != nil {
			return err
		}
		if resumed != "" {
			// Future sends continue on the resumed stream.
			t.mu.Lock()
			t.streamID = resumed
			t.mu.Unlock()
			t.log.Debug().Str("stream", resumed).Str("after", lastEventID).Msg("push stream resumed")
		} else {
			t.rotateStream()
			t.log.Debug().Str("after", lastEventID).Msg("replay miss, starting fresh stream")
		}
	} else {
		t.rotateStream()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return nil
		case ev := <-ls.ch:
			if last != "" && sameStream(ev.id, last) && ev.id <= last {
				continue
			}
			if err := httputil.WriteSSEEvent(w, flusher, "message", ev.id, ev.data); err != nil {
				return err
			}
			last = ev.id
		}
	}
}

// sameStream reports whether two event ids belong to one stream, in which
// case their lexicographic order matches issuance order.
func sameStream(a, b string) bool {
	sa, oka := eventlog.StreamIDFromEventID(a)
	sb, okb := eventlog.StreamIDFromEventID(b)
	return oka && okb && sa == sb
}

func (t *Streamable) rotateStream() {
	t.mu.Lock()
	t.streamID = uuid.NewString()
	t.mu.Unlock()
}

// StreamID reports the stream current sends are recorded under.
func (t *Streamable) StreamID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamID
}

// Terminate implements Transport. Marking Terminating immediately refuses
// new dispatch; in-flight dispatches drain in the background before the
// transport reaches Closed. Event-log entries stay intact.
func (t *Streamable) Terminate(context.Context) {
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
