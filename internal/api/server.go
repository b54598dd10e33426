// Package api serves a read-only HTTP view of the dispatcher: slot state,
// pending retry records, the journal, and a live event stream.
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
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/journal"
	"github.com/mattjoyce/foreman/internal/pending"
)

// SlotSource provides the current slot states.
type SlotSource interface {
	Snapshot() []dispatch.SlotState
}

// RecordSource lists pending retry records.
type RecordSource interface {
	All() ([]pending.Record, error)
}

// HistorySource reads the journal.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]journal.Integration, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
}

// Server is the status HTTP server.
type Server struct {
	config       Config
	slots        SlotSource
	conflicts    RecordSource
	gateFailures RecordSource
	history      HistorySource
	events       *events.Hub
	logger       *slog.Logger
	server       *http.Server
	startedAt    time.Time
}

// Deps are the read sides the server exposes.
type Deps struct {
	Slots        SlotSource
	Conflicts    RecordSource
	GateFailures RecordSource
	History      HistorySource
	Events       *events.Hub
	Logger       *slog.Logger
}

func New(config Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := d.Events
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:       config,
		slots:        d.Slots,
		conflicts:    d.Conflicts,
		gateFailures: d.GateFailures,
		history:      d.History,
		events:       hub,
		logger:       logger.With("component", "api"),
		startedAt:    time.Now(),
	}
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs on an existing listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/slots", s.handleSlots)
	r.Get("/pending", s.handlePending)
	r.Get("/history", s.handleHistory)
	r.Get("/events", s.handleEvents)
	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
