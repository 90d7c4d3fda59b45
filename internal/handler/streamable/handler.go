// Package streamable terminates the modern wire variant: one endpoint
// multiplexed across POST (submission), GET (push channel) and DELETE
// (termination), with the session id carried in a request header.
package streamable

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

// Endpoint is the single modern-variant path.
const Endpoint = protocol.RPCPath

const maxBodySize = 4 << 20

// Handler wires the modern endpoints to the session directory.
type Handler struct {
	dir   registry.Directory
	store eventlog.Store
	mux   *rpc.Mux
	log   zerolog.Logger
}

// New creates the modern-variant handler.
func New(dir registry.Directory, store eventlog.Store, mux *rpc.Mux, log zerolog.Logger) *Handler {
	return &Handler{dir: dir, store: store, mux: mux, log: log}
}

// RegisterRoutes registers the method-multiplexed endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(Endpoint, h.handleSubmit)
	r.Get(Endpoint, h.handleStream)
	r.Delete(Endpoint, h.handleTerminate)
}

// handleSubmit accepts one JSON-RPC message. No session header plus an
// initialize body mints a session; a known session header reuses it; any
// other combination is a 400.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
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

	sessionID := r.Header.Get(protocol.HeaderSessionID)
	if sessionID == "" {
		h.handleInitialize(w, r, msg)
		return
	}

	if msg.Method == protocol.MethodInitialize {
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "session already initialized")
		return
	}

	t, ok := h.resolve(w, r, sessionID)
	if !ok {
		return
	}

	resp, err := t.HandleMessage(r.Context(), msg)
	if err != nil {
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "session is shutting down")
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	httputil.RespondJSON(w, h.log, http.StatusOK, resp)
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request, msg *protocol.Message) {
	if !msg.IsRequest() || msg.Method != protocol.MethodInitialize {
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "no valid session")
		return
	}

	t := transport.NewStreamable(h.store, h.mux, h.log)
	resp := t.Initialize(r.Context(), msg)

	if !t.Activate() {
		httputil.RespondRPCError(w, h.log, http.StatusInternalServerError, protocol.CodeInternalError, "internal error")
		return
	}
	if err := h.dir.Register(r.Context(), t.SessionID(), t); err != nil {
		h.log.Error().Err(err).Msg("session registration failed")
		t.Terminate(r.Context())
		httputil.RespondRPCError(w, h.log, http.StatusInternalServerError, protocol.CodeInternalError, "internal error")
		return
	}

	h.log.Info().Str("session", t.SessionID()).Msg("session initialized")
	w.Header().Set(protocol.HeaderSessionID, t.SessionID())
	httputil.RespondJSON(w, h.log, http.StatusOK, resp)
}

// handleStream establishes the long-lived push channel, replaying the
// missed tail first when the client presents a resumption token.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(protocol.HeaderSessionID)
	if sessionID == "" {
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "no valid session")
		return
	}

	t, ok := h.resolve(w, r, sessionID)
	if !ok {
		return
	}

	lastEventID := r.Header.Get(protocol.HeaderLastEventID)
	err := t.OpenStream(r.Context(), w, lastEventID)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrStreamBusy):
		httputil.RespondRPCError(w, h.log, http.StatusConflict, protocol.CodeInvalidRequest, "push stream already open")
	case errors.Is(err, transport.ErrNotActive):
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "session is shutting down")
	case errors.Is(err, transport.ErrStreamingUnsupported):
		httputil.RespondRPCError(w, h.log, http.StatusInternalServerError, protocol.CodeInternalError, "streaming unsupported")
	default:
		// The stream already started; nothing useful can be written now.
		h.log.Debug().Err(err).Str("session", sessionID).Msg("push stream ended")
	}
}

// handleTerminate ends the session. The registry entry disappears before
// the response is written, so no later request for the id can succeed.
func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(protocol.HeaderSessionID)
	if sessionID == "" {
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "no valid session")
		return
	}

	t, ok := h.resolve(w, r, sessionID)
	if !ok {
		return
	}

	if err := h.dir.Remove(r.Context(), sessionID); err != nil {
		h.log.Error().Err(err).Str("session", sessionID).Msg("session removal failed")
	}
	t.Terminate(r.Context())
	h.log.Info().Str("session", sessionID).Msg("session terminated")
	w.WriteHeader(http.StatusNoContent)
}

// resolve looks the session up and enforces the kind invariant, writing
// the distinct 400 for each failure class.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, sessionID string) (*transport.Streamable, bool) {
	t, err := registry.LookupKind(r.Context(), h.dir, sessionID, transport.KindStreamable)
	switch {
	case errors.Is(err, registry.ErrKindMismatch):
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "session exists under a different transport")
		return nil, false
	case err != nil:
		httputil.RespondRPCError(w, h.log, http.StatusBadRequest, protocol.CodeInvalidRequest, "session not found")
		return nil, false
	}
	return t.(*transport.Streamable), true
}
