// Package debug exposes a websocket tail of the event log for live
// inspection. Gated by config; never part of the protocol surface.
package debug

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/rpcgate/internal/eventlog"
)

// Handler streams every event-log append to connected websocket clients.
type Handler struct {
	tap      *eventlog.MemoryLog
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New creates the debug handler over the in-memory log.
func New(tap *eventlog.MemoryLog, log zerolog.Logger) *Handler {
	return &Handler{
		tap: tap,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes registers the tail endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/debug/events", h.handleTail)
}

type tailFrame struct {
	EventID  string          `json:"eventId"`
	StreamID string          `json:"streamId"`
	Message  json.RawMessage `json:"message"`
}

func (h *Handler) handleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// A slow tail must not stall appends; frames drop once the buffer
	// fills. The tail is an observer, not a delivery channel.
	frames := make(chan tailFrame, 64)
	cancel := h.tap.Watch(func(eventID, streamID string, msg json.RawMessage) {
		select {
		case frames <- tailFrame{EventID: eventID, StreamID: streamID, Message: msg}:
		default:
		}
	})
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case frame := <-frames:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				h.log.Debug().Err(err).Msg("event tail write failed")
				return
			}
		}
	}
}
