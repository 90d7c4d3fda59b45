package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/zhouzirui/rpcgate/pkg/protocol"
)

// ModernClient speaks the modern variant: one endpoint, session id in a
// header, resumable push streams.
type ModernClient struct {
	baseURL string
	http    *http.Client

	sessionID string
	nextID    atomic.Int64
}

func newModern(baseURL string, hc *http.Client) *ModernClient {
	return &ModernClient{baseURL: baseURL, http: hc}
}

// Variant implements Conn.
func (c *ModernClient) Variant() Variant { return VariantModern }

// SessionID implements Conn.
func (c *ModernClient) SessionID() string { return c.sessionID }

// connect performs the initialize handshake. A 4xx outcome is returned as
// *HTTPError so the negotiator can recognize "unsupported".
func (c *ModernClient) connect(ctx context.Context) error {
	msg, err := c.newRequest(protocol.MethodInitialize, map[string]any{})
	if err != nil {
		return err
	}

	resp, body, err := c.post(ctx, msg, "")
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return drainError(resp, body)
	}

	sessionID := resp.Header.Get(protocol.HeaderSessionID)
	if sessionID == "" {
		return fmt.Errorf("initialize: server did not issue a session id")
	}
	c.sessionID = sessionID
	return nil
}

// Call implements Conn.
func (c *ModernClient) Call(ctx context.Context, method string, params any) (*protocol.Message, error) {
	if c.sessionID == "" {
		return nil, ErrNotConnected
	}

	msg, err := c.newRequest(method, params)
	if err != nil {
		return nil, err
	}

	resp, body, err := c.post(ctx, msg, c.sessionID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, drainError(resp, body)
	}

	var out protocol.Message
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Notify implements Conn.
func (c *ModernClient) Notify(ctx context.Context, method string, params any) error {
	if c.sessionID == "" {
		return ErrNotConnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	msg := &protocol.Message{JSONRPC: protocol.Version, Method: method, Params: raw}

	resp, body, err := c.post(ctx, msg, c.sessionID)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return drainError(resp, body)
	}
	return nil
}

// Events implements Conn. Each delivered message carries its event id;
// keeping the newest id and passing it back after a disconnect resumes
// the stream without loss or duplication.
func (c *ModernClient) Events(ctx context.Context, lastEventID string, fn EventFunc) error {
	if c.sessionID == "" {
		return ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+protocol.RPCPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set(protocol.HeaderSessionID, c.sessionID)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set(protocol.HeaderLastEventID, lastEventID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return drainError(resp, body)
	}

	err = readSSE(resp.Body, func(ev sseEvent) error {
		if ev.Type != "message" && ev.Type != "" {
			return nil
		}
		var msg protocol.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
		return fn(ev.ID, &msg)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close implements Conn: it terminates the session server-side.
func (c *ModernClient) Close(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+protocol.RPCPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set(protocol.HeaderSessionID, c.sessionID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.sessionID = ""

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return drainError(resp, body)
	}
	return nil
}

func (c *ModernClient) newRequest(method string, params any) (*protocol.Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	id := json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10))
	return &protocol.Message{JSONRPC: protocol.Version, ID: id, Method: method, Params: raw}, nil
}

func (c *ModernClient) post(ctx context.Context, msg *protocol.Message, sessionID string) (*http.Response, []byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+protocol.RPCPath, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(protocol.HeaderSessionID, sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}
