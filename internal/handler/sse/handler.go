// Package sse terminates the legacy wire variant: a push-only GET stream
// plus a separate submission POST carrying the session id as a query
// parameter. The variant is not resumable; the legacy session lives and
// dies with its push connection.
package sse

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/rpcgate/internal/eventlog"
	"github.com/zhouzirui/rpcgate/internal/httputil"
	"github.com/zhouzirui/rpcgate/internal/registry"
	"github.com/zhouzirui/rpcgate/internal/rpc"
	"github.com/zhouzirui/rpcgate/internal/transport"
	"github.com/zhouzirui/rpcgate/pkg/protocol"
)

// StreamEndpoint and MessageEndpoint are the two legacy paths.
const (
	StreamEndpoint  = protocol.StreamPath
	MessageEndpoint = protocol.MessagePath
)

const maxBodySize = 4 << 20

// Handler wires the legacy endpoints to the session directory.
type Handler struct {
	dir   registry.Directory
	store eventlog.Store
	mux   *rpc.Mux
	log   zerolog.Logger
}

// New creates the legacy-variant handler.
func New(dir registry.Directory, store eventlog.Store, mux *rpc.Mux, log zerolog.Logger) *Handler {
	return &Handler{dir: dir, store: store, mux: mux, log: log}
}

// RegisterRoutes registers both legacy endpoints. chi answers 405 for the
// methods neither endpoint defines, including DELETE: the legacy variant
// has no termination request.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(StreamEndpoint, h.handleStream)
	r.Post(MessageEndpoint, h.handleMessage)
}

// handleStream accepts a push connection. The session is minted here and
// announced to the client through the endpoint event; it ends when the
// connection unwinds.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	t := transport.NewSSE(h.store, h.mux, h.log)

	registered := false
	err := t.ServeStream(r.Context(), w, MessageEndpoint, func() error {
		if !t.Activate() {
			return errors.New("handshake raced with termination")
		}
		if err := h.dir.Register(r.Context(), t.SessionID(), t); err != nil {
			return err
		}
		registered = true
		h.log.Info().Str("session", t.SessionID()).Msg("legacy session initialized")
		return nil
	})

	if registered {
		if rerr := h.dir.Remove(r.Context(), t.SessionID()); rerr != nil {
			h.log.Error().Err(rerr).Str("session", t.SessionID()).Msg("session removal failed")
		}
	}
	t.Terminate(r.Context())

	switch {
	case err == nil:
		h.log.Info().Str("session", t.SessionID()).Msg("legacy session closed")
	case errors.Is(err, transport.ErrStreamingUnsupported):
		httputil.RespondRPCError(w, h.log, http.StatusInternalServerError, protocol.CodeInternalError, "streaming unsupported")
	default:
		h.log.Debug().Err(err).Str("session", t.SessionID()).Msg("legacy stream ended")
	}
}

// handleMessage accepts one submission. The response, if any, travels over
// the push stream; the submission exchange only acknowledges.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "no valid session")
		return
	}

	t, err := registry.LookupKind(r.Context(), h.dir, sessionID, transport.KindSSE)
	switch {
	case errors.Is(err, registry.ErrKindMismatch):
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "session exists under a different transport")
		return
	case err != nil:
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "session not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeParseError, "unreadable body")
		return
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		var perr *protocol.Error
		code := protocol.CodeInvalidRequest
		if errors.As(err, &perr) {
			code = perr.Code
		}
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, code, err.Error())
		return
	}

	st := t.(*transport.SSE)
	if err := st.HandleMessage(r.Context(), msg); err != nil {
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "session is shutting down")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
