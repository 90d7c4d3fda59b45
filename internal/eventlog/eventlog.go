// Package eventlog records outbound push messages per logical stream so a
// client that reconnects with a resumption token can replay what it missed.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SendFunc receives one replayed event. Returning an error aborts the replay.
type SendFunc func(eventID string, msg json.RawMessage) error

// Store is the event-log seam the transports depend on. A single-process
// deployment uses MemoryLog; stateless deployments use NoopLog; a shared
// external store satisfies the same contract for multi-node setups.
type Store interface {
	// Append records one outbound message for the stream and returns its
	// event id. Event ids are globally unique and decompose into the
	// owning stream id.
	Append(ctx context.Context, streamID string, msg json.RawMessage) (string, error)

	// ReplayAfter looks up lastEventID and invokes send for every later
	// event on the same stream, in storage order. An unknown id is a
	// replay miss, not an error: it returns ("", nil) with zero sends.
	ReplayAfter(ctx context.Context, lastEventID string, send SendFunc) (string, error)
}

// Event ids are "<streamID>_<seq>" with a zero-padded per-stream sequence
// number, so ids for one stream sort in issuance order. Stream ids are
// uuids and never contain the separator.
const idSeparator = "_"

func formatEventID(streamID string, seq uint64) string {
	return fmt.Sprintf("%s%s%016x", streamID, idSeparator, seq)
}

// StreamIDFromEventID extracts the owning stream id from an event id. It
// returns false for ids that do not follow the gateway's encoding.
func StreamIDFromEventID(eventID string) (string, bool) {
	i := strings.LastIndex(eventID, idSeparator)
	if i <= 0 || i == len(eventID)-1 {
		return "", false
	}
	if _, err := strconv.ParseUint(eventID[i+1:], 16, 64); err != nil {
		return "", false
	}
	return eventID[:i], true
}
