// Package core provides the HTTP chassis for the mailburst API.
// It builds a chi router and enforces the cross-cutting concerns --
// panic recovery, request correlation, logging, and error envelopes --
// before requests reach the domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mailburst/internal/config"
)

// MetricsCollector records API request telemetry. Implementations publish
// latency and count metrics to CloudWatch or an equivalent backend.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server bundles the dependencies for the mailburst API so they can be
// injected during testing and configured per environment.
type Server struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics MetricsCollector

	// HealthProbes are checked by GET /health. Registered by the entry point
	// for each critical dependency (database, queue).
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handler routes under /v1. Populated by
	// the entry point to avoid an import cycle between core and the handler
	// packages.
	V1RouteRegistrars []func(chi.Router)

	router   *chi.Mux
	cleanups []func()
}

// NewServer validates the critical dependencies and prepares the router.
// The caller mounts routes afterwards via MountRoutes; the separation lets
// tests customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RegisterCleanup adds a function to run during Shutdown, typically a
// connection pool Close. Cleanups run in registration order.
func (s *Server) RegisterCleanup(fn func()) {
	s.cleanups = append(s.cleanups, fn)
}

// Shutdown releases server-held resources after the HTTP listener has
// drained. The context is accepted for interface symmetry with
// http.Server.Shutdown; cleanups themselves are synchronous.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	for _, fn := range s.cleanups {
		fn()
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
