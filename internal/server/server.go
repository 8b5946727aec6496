package server

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/ternarybob/jobrelay/internal/app"
)

// Server manages the HTTP server and routes
type Server struct {
	app     *app.App
	router  *mux.Router
	server  *http.Server
	trusted []netip.Prefix
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app: application,
	}

	trusted, err := application.Config.Server.TrustedPrefixes()
	if err != nil {
		application.Logger.Warn().Err(err).Msg("Ignoring trusted proxies, X-Forwarded-For will not be read")
	}
	s.trusted = trusted

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.withMiddleware(s.router),
		// publish?wait=true holds the request for a whole run
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.app.Logger.Info().
		Str("address", s.server.Addr).
		Msg("HTTP server starting")

	if s.app.Config.Relay.PublicBaseURL != "" {
		s.app.Logger.Info().
			Str("url", s.app.Config.Relay.PublicBaseURL+s.app.Config.Relay.RedirectPath).
			Msg("Deep links resolve at")
	}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}
