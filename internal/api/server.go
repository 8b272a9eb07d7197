// Package api exposes the campaign control surface over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/ipfilter"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/queue"
)

// Controller creates campaigns and applies run-state transitions
type Controller interface {
	Create(ctx context.Context, req queue.CreateRequest) (*queue.CreateResult, error)
	Status(ctx context.Context) (*queue.Status, error)
	Apply(ctx context.Context, action queue.Action) (*queue.Status, error)
}

// Batcher runs one dispatcher batch
type Batcher interface {
	ProcessBatch(ctx context.Context) (*queue.BatchResult, error)
}

// HistoryReader lists recent batch reports
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]*queue.BatchReport, error)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	controller Controller
	batcher    Batcher
	history    HistoryReader
	config     *config.APIConfig
	filter     *ipfilter.Filter
	validate   *validator.Validate
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(ctrl Controller, batcher Batcher, history HistoryReader, cfg *config.APIConfig, logger *slog.Logger) (*Server, error) {
	filter, err := ipfilter.Parse(cfg.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("api.allowed_ips: %w", err)
	}

	s := &Server{
		router:     chi.NewRouter(),
		controller: ctrl,
		batcher:    batcher,
		history:    history,
		config:     cfg,
		filter:     filter,
		validate:   newValidator(),
		logger:     logger,
		startTime:  time.Now(),
	}

	if filter.Enabled() {
		logger.Info("API IP filtering enabled", "allowed_networks", len(cfg.AllowedIPs))
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware(s.logger))
		r.Use(s.authMiddleware)
		r.Use(s.bodyLimitMiddleware)

		r.Get("/queue/status", s.handleQueueStatus)
		r.Post("/queue", s.handleCreateQueue)
		r.Put("/queue", s.handleUpdateQueue)
		r.Post("/queue/process", s.handleProcessQueue)
		r.Get("/queue/history", s.handleQueueHistory)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
