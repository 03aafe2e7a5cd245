// Package server exposes the HTTP and websocket API used to trigger and
// watch arbitrage runs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/basisbot/internal/domain"
	"github.com/alanyoungcy/basisbot/internal/server/handler"
	"github.com/alanyoungcy/basisbot/internal/server/middleware"
	"github.com/alanyoungcy/basisbot/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	// StartLimit caps run submissions per client within StartWindow. Zero
	// disables the limit.
	StartLimit  int
	StartWindow time.Duration
}

// Handlers groups the HTTP handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Runs   *handler.RunHandler
	Events *handler.EventHandler // optional
}

// Server is the API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, logging and
// auth middleware. hub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	var startRun http.Handler = http.HandlerFunc(handlers.Runs.StartRun)
	if limiter != nil && cfg.StartLimit > 0 {
		startRun = middleware.RateLimit(limiter, cfg.StartLimit, cfg.StartWindow, logger)(startRun)
	}
	mux.Handle("POST /api/runs", startRun)
	mux.HandleFunc("GET /api/runs/active", handlers.Runs.ListActive)
	mux.HandleFunc("GET /api/runs/recent", handlers.Runs.ListRecent)
	mux.HandleFunc("GET /api/runs/{id}", handlers.Runs.GetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", handlers.Runs.CancelRun)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
		mux.HandleFunc("GET /api/audit", handlers.Events.ListAudit)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
