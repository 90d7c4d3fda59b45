package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/zhouzirui/rpcgate/pkg/protocol"
)

// LegacyClient speaks the legacy variant: a push-only GET stream plus a
// separate submission endpoint announced through the endpoint event.
// Responses to submissions arrive over the stream and are correlated back
// to their callers by request id.
type LegacyClient struct {
	baseURL string
	http    *http.Client

	sessionID  string
	messageURL string
	nextID     atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *protocol.Message

	events     chan pushedMessage
	stream     io.ReadCloser
	cancel     context.CancelFunc
	readerDone chan struct{}
}

type pushedMessage struct {
	msg *protocol.Message
}

func newLegacy(baseURL string, hc *http.Client) *LegacyClient {
	return &LegacyClient{
		baseURL: baseURL,
		http:    hc,
		pending: make(map[string]chan *protocol.Message),
		events:  make(chan pushedMessage, 64),
	}
}

// Variant implements Conn.
func (c *LegacyClient) Variant() Variant { return VariantLegacy }

// SessionID implements Conn.
func (c *LegacyClient) SessionID() string { return c.sessionID }

// connect opens the push stream, waits for the endpoint handshake event
// and completes the initialize exchange over it.
func (c *LegacyClient) connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+protocol.StreamPath, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		cancel()
		return drainError(resp, body)
	}
	c.stream = resp.Body

	endpointCh := make(chan string, 1)
	c.readerDone = make(chan struct{})
	go c.readStream(endpointCh)

	select {
	case <-ctx.Done():
		c.shutdown()
		return ctx.Err()
	case <-c.readerDone:
		c.shutdown()
		return fmt.Errorf("stream closed before endpoint event")
	case endpoint := <-endpointCh:
		if err := c.adoptEndpoint(endpoint); err != nil {
			c.shutdown()
			return err
		}
	}

	if _, err := c.Call(ctx, protocol.MethodInitialize, map[string]any{}); err != nil {
		c.shutdown()
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

func (c *LegacyClient) adoptEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("bad endpoint event %q: %w", endpoint, err)
	}
	sessionID := u.Query().Get("sessionId")
	if sessionID == "" {
		return fmt.Errorf("endpoint event %q carries no session id", endpoint)
	}
	c.sessionID = sessionID
	c.messageURL = c.baseURL + endpoint
	return nil
}

func (c *LegacyClient) readStream(endpointCh chan<- string) {
	defer close(c.readerDone)

	_ = readSSE(c.stream, func(ev sseEvent) error {
		switch ev.Type {
		case "endpoint":
			endpointCh <- string(ev.Data)
			return nil
		case "message", "":
			var msg protocol.Message
			if err := json.Unmarshal(ev.Data, &msg); err != nil {
				return nil
			}
			if msg.IsResponse() {
				if ch := c.takePending(string(msg.ID)); ch != nil {
					ch <- &msg
					return nil
				}
			}
			select {
			case c.events <- pushedMessage{msg: &msg}:
			default:
			}
		}
		return nil
	})
}

func (c *LegacyClient) takePending(id string) chan *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return ch
}

// Call implements Conn. The response is awaited off the push stream.
func (c *LegacyClient) Call(ctx context.Context, method string, params any) (*protocol.Message, error) {
	if c.messageURL == "" {
		return nil, ErrNotConnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	msg := &protocol.Message{JSONRPC: protocol.Version, ID: json.RawMessage(id), Method: method, Params: raw}

	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.takePending(id)

	if err := c.submit(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.readerDone:
		return nil, fmt.Errorf("stream closed while awaiting response")
	case resp := <-ch:
		return resp, nil
	}
}

// Notify implements Conn.
func (c *LegacyClient) Notify(ctx context.Context, method string, params any) error {
	if c.messageURL == "" {
		return ErrNotConnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return c.submit(ctx, &protocol.Message{JSONRPC: protocol.Version, Method: method, Params: raw})
}

func (c *LegacyClient) submit(ctx context.Context, msg *protocol.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return drainError(resp, body)
	}
	return nil
}

// Events implements Conn. The legacy variant cannot replay, so presenting
// a resumption token is an error rather than a silent gap.
func (c *LegacyClient) Events(ctx context.Context, lastEventID string, fn EventFunc) error {
	if c.messageURL == "" {
		return ErrNotConnected
	}
	if lastEventID != "" {
		return ErrNotResumable
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.readerDone:
			return nil
		case pushed := <-c.events:
			if err := fn("", pushed.msg); err != nil {
				return err
			}
		}
	}
}

// Close implements Conn: dropping the push connection ends the session.
func (c *LegacyClient) Close(context.Context) error {
	c.shutdown()
	return nil
}

func (c *LegacyClient) shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.stream != nil {
		c.stream.Close()
	}
}
