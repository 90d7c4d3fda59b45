package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrEmptyStreamID rejects appends without an owning stream.
var ErrEmptyStreamID = errors.New("eventlog: empty stream id")

// NoopLog backs the stateless deployment policy: appends mint valid ids
// but retain nothing, so every resumption token is a replay miss.
type NoopLog struct {
	mu  sync.Mutex
	seq map[string]uint64
}

// NewNoopLog creates a retention-free Store.
func NewNoopLog() *NoopLog {
	return &NoopLog{seq: make(map[string]uint64)}
}

// Append implements Store without retaining the message.
func (l *NoopLog) Append(_ context.Context, streamID string, _ json.RawMessage) (string, error) {
	if streamID == "" {
		return "", ErrEmptyStreamID
	}
	l.mu.Lock()
	l.seq[streamID]++
	id := formatEventID(streamID, l.seq[streamID])
	l.mu.Unlock()
	return id, nil
}

// ReplayAfter implements Store; every token misses.
func (l *NoopLog) ReplayAfter(context.Context, string, SendFunc) (string, error) {
	return "", nil
}
