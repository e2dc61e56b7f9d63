// Package api serves the operator HTTP API: health, live call state, call
// history, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/supportline/supportline/internal/api/middleware"
	"github.com/supportline/supportline/internal/database"
	"github.com/supportline/supportline/internal/routing"
)

// Snapshotter exposes the router's published state.
type Snapshotter interface {
	Snapshot() routing.Snapshot
	Stats() routing.Stats
}

// Deps holds the server's collaborators. History and Metrics may be nil.
type Deps struct {
	Router    Snapshotter
	History   database.CallRecordRepository
	Metrics   http.Handler
	JWTSecret []byte
	StartedAt time.Time
	Logger    *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	calls   Snapshotter
	history database.CallRecordRepository
	metrics http.Handler
	secret  []byte
	started time.Time
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		calls:   deps.Router,
		history: deps.History,
		metrics: deps.Metrics,
		secret:  deps.JWTSecret,
		started: deps.StartedAt,
		logger:  deps.Logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/calls", func(r chi.Router) {
			r.Use(middleware.RequireOperatorAuth(s.secret))
			r.Get("/active", s.handleActiveCalls)
			r.Get("/history", s.handleCallHistory)
		})
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Debug("api routes mounted", "auth", len(s.secret) > 0, "metrics", s.metrics != nil)
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", fmt.Sprint(port)),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("operator api listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("operator api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down operator api: %w", err)
	}
	s.logger.Info("operator api stopped")
	return nil
}
