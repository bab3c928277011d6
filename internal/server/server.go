package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rudnitski/healthup-resolver/internal/fuzzy"
	"github.com/rudnitski/healthup-resolver/internal/resolver"
	"github.com/rudnitski/healthup-resolver/internal/review"
	"github.com/rudnitski/healthup-resolver/internal/storage"
)

// Server is the resolver HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds dependencies and settings for creating a Server.
type ServerConfig struct {
	DB          *storage.DB
	Matcher     fuzzy.Matcher
	ResolverSvc *resolver.Service
	ReviewSvc   *review.Service
	Logger      *slog.Logger

	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Version         string
	MaxRequestBytes int64
}

// New creates an HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		resolverSvc: cfg.ResolverSvc,
		reviewSvc:   cfg.ReviewSvc,
		logger:      cfg.Logger,
		version:     cfg.Version,
	}
	if cfg.DB != nil {
		h.db = cfg.DB
	}
	if cfg.Matcher != nil {
		h.matcher = cfg.Matcher
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/resolve", h.HandleResolve)
	mux.HandleFunc("GET /v1/review", h.HandleListReview)
	mux.HandleFunc("GET /v1/review/{id}", h.HandleGetReview)
	mux.HandleFunc("PATCH /v1/review/{id}", h.HandleAmendReview)
	mux.HandleFunc("POST /v1/review/{id}/approve", h.HandleApproveReview)
	mux.HandleFunc("POST /v1/review/{id}/reject", h.HandleRejectReview)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	maxBytes := cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(maxBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
