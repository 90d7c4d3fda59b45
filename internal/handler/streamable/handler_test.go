package streamable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/rpcgate/internal/eventlog"
	"github.com/zhouzirui/rpcgate/internal/registry"
	"github.com/zhouzirui/rpcgate/internal/rpc"
	"github.com/zhouzirui/rpcgate/internal/transport"
	"github.com/zhouzirui/rpcgate/pkg/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.Memory) {
	t.Helper()

	dir := registry.NewMemory()
	store := eventlog.NewMemoryLog(1024)
	mux := rpc.NewMux()
	log := zerolog.Nop()

	r := chi.NewRouter()
	New(dir, store, mux, log).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, dir
}

func initializeSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	body := `{"jsonrpc":"2.0","method":"initialize","params":{},"id":1}`
	resp, err := http.Post(srv.URL+Endpoint, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("initialize status = %d, body %s", resp.StatusCode, raw)
	}

	sessionID := resp.Header.Get(protocol.HeaderSessionID)
	if sessionID == "" {
		t.Fatal("initialize issued no session id")
	}
	return sessionID
}

func submit(t *testing.T, srv *httptest.Server, sessionID, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, srv.URL+Endpoint, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(protocol.HeaderSessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp
}

func TestInitializeMintsSession(t *testing.T) {
	srv, dir := newTestServer(t)

	sessionID := initializeSession(t, srv)

	tr, err := dir.Lookup(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Lookup(%q) error = %v", sessionID, err)
	}
	if tr.State() != transport.StateActive {
		t.Fatalf("session state = %v, want %v", tr.State(), transport.StateActive)
	}
}

func TestSubmitPingRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	sessionID := initializeSession(t, srv)

	resp := submit(t, srv, sessionID, `{"jsonrpc":"2.0","method":"ping","id":2}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var msg protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !msg.IsResponse() || msg.Error != nil {
		t.Fatalf("got %+v, want success response", msg)
	}
}

func TestSubmitNotificationAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	sessionID := initializeSession(t, srv)

	resp := submit(t, srv, sessionID, `{"jsonrpc":"2.0","method":"note"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestSubmitUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := submit(t, srv, "no-such-session", `{"jsonrpc":"2.0","method":"ping","id":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte("session not found")) {
		t.Fatalf("body = %s, want session-not-found message", raw)
	}
}

func TestInitializeTwiceRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sessionID := initializeSession(t, srv)

	resp := submit(t, srv, sessionID, `{"jsonrpc":"2.0","method":"initialize","params":{},"id":9}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestKindMismatchDistinctError(t *testing.T) {
	srv, dir := newTestServer(t)

	legacy := transport.NewSSE(eventlog.NewMemoryLog(16), rpc.NewMux(), zerolog.Nop())
	if !legacy.Activate() {
		t.Fatal("Activate() = false")
	}
	if err := dir.Register(context.Background(), legacy.SessionID(), legacy); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp := submit(t, srv, legacy.SessionID(), `{"jsonrpc":"2.0","method":"ping","id":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte("different transport")) {
		t.Fatalf("body = %s, want kind-mismatch message", raw)
	}
}

func TestTerminateRemovesSession(t *testing.T) {
	srv, _ := newTestServer(t)
	sessionID := initializeSession(t, srv)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+Endpoint, nil)
	req.Header.Set(protocol.HeaderSessionID, sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	resp = submit(t, srv, sessionID, `{"jsonrpc":"2.0","method":"ping","id":3}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("post-terminate status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamRequiresSessionHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+Endpoint, nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

type streamEvent struct {
	id   string
	data string
}

// openStream connects a push channel and returns a reader for its frames
// plus a cancel that severs the connection.
func openStream(t *testing.T, srv *httptest.Server, sessionID, lastEventID string) (*bufio.Scanner, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+Endpoint, nil)
	if err != nil {
		cancel()
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(protocol.HeaderSessionID, sessionID)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set(protocol.HeaderLastEventID, lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		t.Fatalf("stream status = %d, body %s", resp.StatusCode, raw)
	}

	t.Cleanup(func() { cancel(); resp.Body.Close() })
	return bufio.NewScanner(resp.Body), cancel
}

// readEvents consumes n complete frames off the scanner.
func readEvents(t *testing.T, sc *bufio.Scanner, n int) []streamEvent {
	t.Helper()

	var out []streamEvent
	var cur streamEvent
	for len(out) < n && sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.id != "" || cur.data != "" {
				out = append(out, cur)
				cur = streamEvent{}
			}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	if len(out) < n {
		t.Fatalf("stream ended after %d of %d frames (scan err %v)", len(out), n, sc.Err())
	}
	return out
}

func lookupStreamable(t *testing.T, dir *registry.Memory, sessionID string) *transport.Streamable {
	t.Helper()

	tr, err := dir.Lookup(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	st, ok := tr.(*transport.Streamable)
	if !ok {
		t.Fatalf("Lookup returned %T", tr)
	}
	return st
}

func push(t *testing.T, st *transport.Streamable, seq int) {
	t.Helper()

	msg, err := protocol.NewNotification("tick", map[string]int{"seq": seq})
	if err != nil {
		t.Fatalf("build notification: %v", err)
	}
	if _, err := st.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send(%d): %v", seq, err)
	}
}

func waitForRotation(t *testing.T, st *transport.Streamable, before string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for st.StreamID() == before {
		if time.Now().After(deadline) {
			t.Fatal("push channel never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamResumeAfterDisconnect(t *testing.T) {
	srv, dir := newTestServer(t)
	sessionID := initializeSession(t, srv)
	st := lookupStreamable(t, dir, sessionID)

	before := st.StreamID()
	sc, cancel := openStream(t, srv, sessionID, "")
	waitForRotation(t, st, before)

	for seq := 1; seq <= 5; seq++ {
		push(t, st, seq)
	}
	got := readEvents(t, sc, 2)
	for i, ev := range got {
		if !strings.Contains(ev.data, fmt.Sprintf(`"seq":%d`, i+1)) {
			t.Fatalf("frame %d = %+v, want seq %d", i, ev, i+1)
		}
	}
	// The session outlives the connection; the log keeps the tail.
	cancel()

	sc2 := reconnect(t, srv, sessionID, got[1].id)
	resumed := readEvents(t, sc2, 3)
	for i, ev := range resumed {
		if !strings.Contains(ev.data, fmt.Sprintf(`"seq":%d`, i+3)) {
			t.Fatalf("resumed frame %d = %+v, want seq %d", i, ev, i+3)
		}
		if ev.id <= got[1].id {
			t.Fatalf("resumed frame %d id %q not after %q", i, ev.id, got[1].id)
		}
	}
	for i := 1; i < len(resumed); i++ {
		if resumed[i].id <= resumed[i-1].id {
			t.Fatalf("resumed ids out of order: %q then %q", resumed[i-1].id, resumed[i].id)
		}
	}
}

func TestStreamReplayMissStartsFresh(t *testing.T) {
	srv, dir := newTestServer(t)
	sessionID := initializeSession(t, srv)
	st := lookupStreamable(t, dir, sessionID)

	before := st.StreamID()
	sc, _ := openStream(t, srv, sessionID, "unknown-stream_0000000000000005")
	waitForRotation(t, st, before)

	// Nothing replays for an unknown token; the channel still works.
	push(t, st, 42)
	got := readEvents(t, sc, 1)
	if !strings.Contains(got[0].data, `"seq":42`) {
		t.Fatalf("frame = %+v, want seq 42", got[0])
	}
}

// reconnect retries an open while the previous connection unwinds
// server-side, since a lingering channel answers 409.
func reconnect(t *testing.T, srv *httptest.Server, sessionID, lastEventID string) *bufio.Scanner {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ctx, cancel := context.WithCancel(context.Background())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+Endpoint, nil)
		if err != nil {
			cancel()
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set(protocol.HeaderSessionID, sessionID)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(protocol.HeaderLastEventID, lastEventID)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			cancel()
			t.Fatalf("reconnect: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			t.Cleanup(func() { cancel(); resp.Body.Close() })
			return bufio.NewScanner(resp.Body)
		}
		resp.Body.Close()
		cancel()
		if resp.StatusCode != http.StatusConflict || time.Now().After(deadline) {
			t.Fatalf("reconnect status = %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
