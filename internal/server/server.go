package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/metrics"
	"github.com/quantfold/arbot/internal/server/handler"
	"github.com/quantfold/arbot/internal/server/middleware"
	"github.com/quantfold/arbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimiter throttles API requests per client IP when both it and
	// RateLimitPerMin are set.
	RateLimiter     domain.RateLimiter
	RateLimitPerMin int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Operations *handler.OperationHandler
	Positions  *handler.PositionHandler
	Recoveries *handler.RecoveryHandler
}

// Server is the headless HTTP + WebSocket API server for the coordinator.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Coordinator status and reservations.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/reservations", handlers.Status.ListReservations)

	// Admin pause switch.
	mux.HandleFunc("POST /api/admin/pause", handlers.Status.Pause)
	mux.HandleFunc("POST /api/admin/resume", handlers.Status.Resume)

	// Operation endpoints.
	mux.HandleFunc("GET /api/operations", handlers.Operations.ListOperations)
	mux.HandleFunc("GET /api/operations/{id}", handlers.Operations.GetOperation)
	mux.HandleFunc("GET /api/operations/{id}/history", handlers.Operations.GetHistory)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/incomplete", handlers.Positions.ListIncomplete)
	mux.HandleFunc("GET /api/positions/history", handlers.Positions.GetHistory)
	mux.HandleFunc("GET /api/positions/pnl", handlers.Positions.GetPnL)

	// Recovery endpoints.
	mux.HandleFunc("GET /api/recoveries", handlers.Recoveries.ListRecoveries)
	mux.HandleFunc("GET /api/recoveries/{id}", handlers.Recoveries.GetRecovery)
	mux.HandleFunc("POST /api/recoveries/{id}/approve", handlers.Recoveries.ApproveRecovery)
	mux.HandleFunc("POST /api/recoveries/{id}/cancel", handlers.Recoveries.CancelRecovery)

	// Prometheus scrape endpoint.
	mux.Handle("GET /metrics", metrics.Handler())

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-IP rate limiting when configured.
	if cfg.RateLimiter != nil && cfg.RateLimitPerMin > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimitPerMin, time.Minute)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
