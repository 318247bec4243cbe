// Package api provides the HTTP API over the node lifecycle manager.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/searchnode/internal/api/handlers"
	"github.com/narvanalabs/searchnode/internal/api/health"
	"github.com/narvanalabs/searchnode/internal/api/middleware"
	"github.com/narvanalabs/searchnode/internal/lifecycle"
	"github.com/narvanalabs/searchnode/pkg/config"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// requestTimeout bounds synchronous requests. Start, stop, move and copy
// run as tasks and are not subject to it.
const requestTimeout = 60 * time.Second

// Server is the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	manager       *lifecycle.Manager
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer builds the router. pinger is the document store.
func NewServer(cfg *config.Config, m *lifecycle.Manager, pinger health.Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:       m,
		config:        cfg,
		logger:        logger.With("component", "api"),
		healthChecker: health.NewChecker(pinger, cfg.InstallRoot, Version),
	}
	s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	r.Get("/health", s.healthChecker.Handler())

	nodes := handlers.NewNodeHandler(s.manager, s.logger)
	tasks := handlers.NewTaskHandler(s.manager, s.logger)
	clusters := handlers.NewClusterHandler(s.manager, s.logger)

	r.Route("/v1", func(r chi.Router) {
		// The websocket stream is long-lived and stays outside the timeout.
		r.Get("/tasks/{id}/events", tasks.Events)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(requestTimeout))

			r.Route("/nodes", func(r chi.Router) {
				r.Get("/", nodes.List)
				r.Post("/", nodes.Create)
				r.Post("/validate", nodes.Validate)
				r.Post("/reconcile", nodes.Reconcile)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", nodes.Get)
					r.Patch("/", nodes.Update)
					r.Delete("/", nodes.Delete)
					r.Post("/start", nodes.Start)
					r.Post("/stop", nodes.Stop)
					r.Post("/move", nodes.Move)
					r.Post("/copy", nodes.Copy)
				})
			})

			r.Get("/tasks/{id}", tasks.Get)

			r.Route("/clusters", func(r chi.Router) {
				r.Get("/", clusters.List)
				r.Post("/", clusters.Create)
				r.Delete("/{label}", clusters.Delete)
			})
			r.Put("/write-target", clusters.SetWriteTarget)
		})
	})

	s.router = r
}

// Start serves until ctx ends or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting API server", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// HTTPServer exposes the underlying server for the shutdown coordinator.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Router returns the router, for tests.
func (s *Server) Router() chi.Router {
	return s.router
}
