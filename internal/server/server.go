package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/stakepool/internal/crypto"
	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/server/handler"
	"github.com/alanyoungcy/stakepool/internal/server/middleware"
	"github.com/alanyoungcy/stakepool/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, API key authentication is disabled

	// Gateway verifies signed identity headers; nil trusts them as-is.
	Gateway *crypto.GatewayAuth

	// Limiter applies RateLimit requests per RateWindow to every client.
	// A nil limiter disables request limiting.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Predictions *handler.PredictionHandler
	Settlements *handler.SettlementHandler
	Stakes      *handler.StakeHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on a ServeMux
// and the middleware chain applied.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.RequireRole(middleware.RoleAdmin, h)
	}
	user := middleware.RequireUser

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Predictions.
	mux.HandleFunc("POST /api/predictions", admin(handlers.Predictions.Create))
	mux.HandleFunc("GET /api/predictions/{id}", handlers.Predictions.Get)
	mux.HandleFunc("POST /api/predictions/{id}/transition", admin(handlers.Predictions.Transition))
	mux.HandleFunc("POST /api/predictions/{id}/refund", admin(handlers.Predictions.Refund))
	mux.HandleFunc("GET /api/predictions/{id}/preview", handlers.Predictions.Preview)

	// Settlement and claims.
	mux.HandleFunc("POST /api/predictions/{id}/settle", admin(handlers.Settlements.Settle))
	mux.HandleFunc("GET /api/predictions/{id}/settlement", handlers.Settlements.Get)
	mux.HandleFunc("GET /api/predictions/{id}/claims/{address}", handlers.Settlements.Proof)

	// Stakes and escrow locks.
	mux.HandleFunc("POST /api/stakes", user(handlers.Stakes.PlaceStake))
	mux.HandleFunc("POST /api/locks", user(handlers.Stakes.Reserve))
	mux.HandleFunc("POST /api/locks/{id}/consume", user(handlers.Stakes.Consume))
	mux.HandleFunc("DELETE /api/locks/{id}", user(handlers.Stakes.Release))

	// Caller account.
	mux.HandleFunc("GET /api/me/entries", user(handlers.Stakes.Entries))
	mux.HandleFunc("GET /api/me/balance", user(handlers.Stakes.Balance))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Outermost first: CORS, logging, rate limit, API key, gateway identity.
	var h http.Handler = mux
	h = middleware.Gateway(cfg.Gateway, logger, nil)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
