// Package server exposes the import engine over HTTP and a raw TCP socket:
// a REST API to start, inspect, and cancel sessions, plus the real-time
// attach transports (SSE, WebSocket, raw socket) and the poll endpoint.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/portalis/dirimport/config"
	"github.com/portalis/dirimport/session"
)

// Server hosts the import API and all attach transports over one shared
// registry. Sessions are launched with the server's own lifetime context so
// an import keeps running after the request that started it returns.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	runner   *session.Runner
	store    *session.Store // Optional; nil disables the persisted record listing
	logger   *zap.SugaredLogger

	httpServer *http.Server
	socketLn   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server over an existing registry and runner. store may be
// nil when persistence is not wired.
func New(cfg *config.Config, registry *session.Registry, runner *session.Runner, store *session.Store, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: registry,
		runner:   runner,
		store:    store,
		logger:   logger.Named("server"),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/imports", func(r chi.Router) {
		r.Post("/", s.handleCreateImport)
		r.Get("/", s.handleListImports)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetImport)
			r.Delete("/", s.handleCancelImport)
			r.Get("/records", s.handleListRecords)
			r.Get("/events", s.handleEvents)
			r.Get("/ws", s.handleWebSocket)
		})
	})
	r.Get("/health", s.handleHealth)

	return r
}

// Start begins serving HTTP and, when a socket address is configured, the
// raw TCP transport. It returns once both listeners are bound.
func (s *Server) Start() error {
	s.registry.StartSweeper(s.ctx)

	if s.cfg.Server.SocketAddr != "" {
		if err := s.startSocketListener(); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infow("HTTP server listening", "addr", s.cfg.Server.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops both listeners and waits for connection handlers to finish
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	if s.socketLn != nil {
		s.socketLn.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	s.wg.Wait()
	s.logger.Infow("Server stopped")
	return err
}
