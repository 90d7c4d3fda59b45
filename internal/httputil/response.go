package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/rpcgate/pkg/protocol"
)

// RespondJSON writes a JSON body with the given status.
func RespondJSON(w http.ResponseWriter, log zerolog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// RespondRPCError writes a protocol-error envelope. Bad-request classes
// (no valid session, malformed envelope, kind mismatch) use 4xx statuses
// with CodeInvalidRequest; internal faults use 500 with CodeInternalError.
func RespondRPCError(w http.ResponseWriter, log zerolog.Logger, status, code int, message string) {
	RespondJSON(w, log, status, protocol.NewErrorResponse(nil, code, message))
}
