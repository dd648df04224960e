// Package api exposes the read-only diagnostic HTTP surface. Nothing here
// mutates pools; administration goes through the CLI against the engine.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/pprof"

	"github.com/elee1766/gostrata/pkg/config"
	"github.com/elee1766/gostrata/pkg/handlers"
	"go.uber.org/fx"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var Module = fx.Module("api",
	fx.Provide(
		NewServer,
		handlers.NewHealthHandler,
		handlers.NewPoolHandler,
		handlers.NewFilesystemHandler,
		handlers.NewDumpHandler,
		handlers.NewHistoryHandler,
	),
	fx.Invoke(registerHooks),
)

type Server struct {
	http   *http.Server
	logger *slog.Logger
}

type HandlerParams struct {
	fx.In

	Health     *handlers.HealthHandler
	Pool       *handlers.PoolHandler
	Filesystem *handlers.FilesystemHandler
	Dump       *handlers.DumpHandler
	History    *handlers.HistoryHandler
}

type ServerParams struct {
	fx.In

	Config   *config.Config
	Logger   *slog.Logger
	Handlers HandlerParams
}

func NewServer(p ServerParams) *Server {
	logger := p.Logger.With("component", "api")
	h := p.Handlers

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health.Check)
	mux.HandleFunc("GET /v1/pools", h.Pool.List)
	mux.HandleFunc("GET /v1/pools/{pool}", h.Pool.Get)
	mux.HandleFunc("GET /v1/pools/{pool}/filesystems", h.Filesystem.List)
	mux.HandleFunc("GET /v1/pools/{pool}/metadata", h.Dump.Dump)
	mux.HandleFunc("GET /v1/history", h.History.List)

	// Register pprof handlers for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	logger.Info("pprof endpoints enabled at /debug/pprof/")

	// Use h2c for HTTP/2 without TLS
	h2cHandler := h2c.NewHandler(mux, &http2.Server{})

	return &Server{
		http: &http.Server{
			Addr:    p.Config.APIAddress,
			Handler: h2cHandler,
		},
		logger: logger,
	}
}

func registerHooks(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				s.logger.Info("starting api server", "address", s.http.Addr)
				if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					s.logger.Error("api server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.logger.Info("stopping api server")
			return s.http.Shutdown(ctx)
		},
	})
}
