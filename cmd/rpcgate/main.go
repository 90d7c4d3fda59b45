package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/rpcgate/internal/config"
	"github.com/zhouzirui/rpcgate/internal/eventlog"
	"github.com/zhouzirui/rpcgate/internal/handler"
	"github.com/zhouzirui/rpcgate/internal/logging"
	"github.com/zhouzirui/rpcgate/internal/registry"
	"github.com/zhouzirui/rpcgate/internal/rpc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog := logging.New(cfg.Log)

	var store eventlog.Store
	switch cfg.EventLog.Backend {
	case config.DirectoryStateless:
		store = eventlog.NewNoopLog()
	default:
		store = eventlog.NewMemoryLog(cfg.EventLog.MaxEntries)
	}

	var dir registry.Directory
	var drain func(context.Context)
	switch cfg.Session.Directory {
	case config.DirectoryStateless:
		dir = registry.NewStateless()
		drain = func(context.Context) {}
	default:
		mem := registry.NewMemory()
		dir = mem
		drain = mem.Drain
	}

	mux := rpc.NewMux()
	registerDemoMethods(mux)

	router := handler.NewRouter(cfg, dir, store, mux, zlog)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	zlog.Info().Str("addr", cfg.Server.Addr).Str("directory", cfg.Session.Directory).Msg("rpcgate listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		drain(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zlog.Fatal().Err(err).Msg("server error")
	}
}

// registerDemoMethods installs a couple of illustrative handlers. Real
// deployments register their own method set on the mux.
func registerDemoMethods(mux *rpc.Mux) {
	mux.Register("time/now", func(_ context.Context, _ json.RawMessage) (any, error) {
		return map[string]string{"now": time.Now().UTC().Format(time.RFC3339)}, nil
	})
	mux.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		if len(params) == 0 {
			params = json.RawMessage(`null`)
		}
		return json.RawMessage(params), nil
	})
}
