package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/rpcgate/internal/config"
	"github.com/zhouzirui/rpcgate/internal/eventlog"
	"github.com/zhouzirui/rpcgate/internal/handler/debug"
	"github.com/zhouzirui/rpcgate/internal/handler/sse"
	"github.com/zhouzirui/rpcgate/internal/handler/streamable"
	"github.com/zhouzirui/rpcgate/internal/middleware"
	"github.com/zhouzirui/rpcgate/internal/registry"
	"github.com/zhouzirui/rpcgate/internal/rpc"
)

// NewRouter wires both wire variants, plus the debug and health surfaces,
// onto one chi router.
func NewRouter(cfg *config.Config, dir registry.Directory, store eventlog.Store, mux *rpc.Mux, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS)

	streamable.New(dir, store, mux, log).RegisterRoutes(r)
	sse.New(dir, store, mux, log).RegisterRoutes(r)

	if cfg.Debug.EventTap {
		if tap, ok := store.(*eventlog.MemoryLog); ok {
			debug.New(tap, log).RegisterRoutes(r)
		} else {
			log.Warn().Msg("event tap requested but the eventlog backend has no tap")
		}
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
