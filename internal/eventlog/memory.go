package eventlog

import (
	"context"
	"encoding/json"
	"sync"
)

type entry struct {
	id       string
	streamID string
	msg      json.RawMessage
}

// WatchFunc observes every append, in append order. Used by the debug tail.
type WatchFunc func(eventID, streamID string, msg json.RawMessage)

// MemoryLog is the volatile reference Store: an append-only slice with a
// per-stream sequence counter and an optional capacity bound.
type MemoryLog struct {
	mu       sync.Mutex
	entries  []entry
	seq      map[string]uint64
	max      int
	watchers map[int]WatchFunc
	nextTap  int
}

// NewMemoryLog creates an in-memory log. maxEntries bounds the log with
// oldest-first eviction; 0 keeps it unbounded.
func NewMemoryLog(maxEntries int) *MemoryLog {
	return &MemoryLog{
		seq:      make(map[string]uint64),
		max:      maxEntries,
		watchers: make(map[int]WatchFunc),
	}
}

// Append implements Store. It never fails for a non-empty stream id.
func (l *MemoryLog) Append(_ context.Context, streamID string, msg json.RawMessage) (string, error) {
	if streamID == "" {
		return "", ErrEmptyStreamID
	}

	l.mu.Lock()
	l.seq[streamID]++
	id := formatEventID(streamID, l.seq[streamID])
	l.entries = append(l.entries, entry{id: id, streamID: streamID, msg: msg})
	if l.max > 0 && len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	taps := make([]WatchFunc, 0, len(l.watchers))
	for _, fn := range l.watchers {
		taps = append(taps, fn)
	}
	l.mu.Unlock()

	for _, fn := range taps {
		fn(id, streamID, msg)
	}
	return id, nil
}

// ReplayAfter implements Store. The scan filters strictly to the owning
// stream even when other streams' entries interleave in the log.
func (l *MemoryLog) ReplayAfter(_ context.Context, lastEventID string, send SendFunc) (string, error) {
	l.mu.Lock()
	start := -1
	for i, e := range l.entries {
		if e.id == lastEventID {
			start = i
			break
		}
	}
	if start < 0 {
		l.mu.Unlock()
		return "", nil
	}
	streamID := l.entries[start].streamID
	pending := make([]entry, 0)
	for _, e := range l.entries[start+1:] {
		if e.streamID == streamID {
			pending = append(pending, e)
		}
	}
	l.mu.Unlock()

	for _, e := range pending {
		if err := send(e.id, e.msg); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

// Watch registers a tap over future appends and returns its cancel func.
func (l *MemoryLog) Watch(fn WatchFunc) func() {
	l.mu.Lock()
	id := l.nextTap
	l.nextTap++
	l.watchers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.watchers, id)
		l.mu.Unlock()
	}
}

// Len reports the number of retained entries.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
