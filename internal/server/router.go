// Package server provides HTTP server setup for the guard service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-guard/internal/auth"
	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/handlers"
	"github.com/telhawk-systems/telhawk-guard/internal/httputil"
	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/middleware"
)

// NewRouter constructs a ServeMux with guard API routes registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /readyz", h.ReadyCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Request evaluation
	mux.HandleFunc("POST /api/v1/check", h.Check)
	mux.HandleFunc("POST /api/v1/events", h.RecordEvent)

	// Alerts and incidents
	mux.HandleFunc("GET /api/v1/alerts", h.ListAlerts)
	mux.HandleFunc("GET /api/v1/incidents", h.ListIncidents)
	mux.HandleFunc("GET /api/v1/incidents/{id}", h.GetIncident)
	mux.HandleFunc("PATCH /api/v1/incidents/{id}", requireAnalyst(h.Tokens(), h.UpdateIncident))

	// Audit
	mux.HandleFunc("GET /api/v1/audit/events", h.QueryAudit)
	mux.HandleFunc("GET /api/v1/audit/patterns", h.ListPatterns)

	return middleware.RequestID(mux)
}

func requireAnalyst(tm *auth.TokenManager, next http.HandlerFunc) http.HandlerFunc {
	if tm == nil {
		return func(w http.ResponseWriter, r *http.Request) {
			httputil.WriteError(w, http.StatusServiceUnavailable, "authentication not configured")
		}
	}
	return tm.RequireRole(auth.RoleAnalyst)(next)
}

// Server wraps the admin HTTP listener.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

// New creates a Server bound to cfg.Port.
func New(cfg config.ServerConfig, handler http.Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger.Component("server"),
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// Run serves until ctx is cancelled, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("guard service listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("server stopped gracefully")
	return nil
}
