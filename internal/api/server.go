package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/busrecon/busrecon/internal/detect"
	"github.com/busrecon/busrecon/internal/domain"
	"github.com/busrecon/busrecon/internal/learn"
	"github.com/busrecon/busrecon/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, detector *detect.Detector, scanner *worker.Worker, learner *learn.AdaptiveLearner, version string) *Server {
	handler := NewHandler(repo, cache, bus, detector, scanner, learner, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no vehicle required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (vehicle required)
	router.Route("/", func(r chi.Router) {
		r.Use(VehicleMiddleware)

		// Signal-map detection
		r.Post("/detect", handler.Detect)
		r.Post("/feedback", handler.Feedback)

		// Bus scans
		r.Post("/scan", handler.Scan)
		r.Get("/scans/{id}", handler.GetScan)
		r.Get("/scans", handler.ListScans)

		// Signature management
		r.Get("/signatures", handler.ListSignatures)
		r.Get("/signatures/{name}", handler.GetSignature)
		r.Post("/signatures", handler.CreateSignature)
		r.Post("/signatures/reload", handler.ReloadSignatures)

		// Detector statistics
		r.Get("/stats", handler.Stats)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
