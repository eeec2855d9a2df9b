package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP router and its handlers.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// ServerConfig holds routing configuration.
type ServerConfig struct {
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         *slog.Logger
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, cfg *ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes(cfg, logger)
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(cfg *ServerConfig, logger *slog.Logger) {
	skipPaths := map[string]bool{
		"/healthz": true,
		"/ready":   true,
		"/metrics": true,
	}

	// Health and metrics endpoints
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/generate", s.handlers.Generate).Methods("POST")
	api.HandleFunc("/workflows", s.handlers.ListWorkflows).Methods("GET")
	api.HandleFunc("/models/{type}", s.handlers.ListModels).Methods("GET")
	api.HandleFunc("/stats", s.handlers.Stats).Methods("GET")
	api.HandleFunc("/history", s.handlers.History).Methods("GET")
	api.HandleFunc("/history/{id}", s.handlers.History).Methods("GET")
	api.HandleFunc("/interrupt", s.handlers.Interrupt).Methods("POST")

	// Apply middleware
	limiter := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, skipPaths)
	s.router.Use(loggingMiddleware(logger, skipPaths))
	s.router.Use(limiter.middleware)
}
