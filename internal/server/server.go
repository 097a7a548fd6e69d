package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/vision-tower/internal/cache"
	"github.com/raaihank/vision-tower/internal/config"
	"github.com/raaihank/vision-tower/internal/logger"
	"github.com/raaihank/vision-tower/internal/tower"
	"github.com/raaihank/vision-tower/internal/websocket"
)

// Server exposes the configured towers over HTTP: feature extraction,
// tower introspection, and a WebSocket feed of extraction events.
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	registry  *tower.Registry
	cache     *cache.FeatureCache
	router    *mux.Router
	server    *http.Server
	wsHub     *websocket.Hub
	limiter   *clientLimiter
	startTime time.Time
}

// New creates a new server instance. The cache may be nil.
func New(cfg *config.Config, registry *tower.Registry, featureCache *cache.FeatureCache, log *logger.Logger) (*Server, error) {
	wsHub := websocket.NewHub(&websocket.HubConfig{
		BroadcastProgress:    true,
		BroadcastSystem:      true,
		BroadcastConnections: true,
		AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
	}, log.WithComponent("websocket").Logger)

	router := mux.NewRouter()

	server := &Server{
		config:    cfg,
		logger:    log.WithComponent("server"),
		registry:  registry,
		cache:     featureCache,
		router:    router,
		wsHub:     wsHub,
		startTime: time.Now(),
	}

	if cfg.Server.RateLimit.Enabled {
		server.limiter = newClientLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Info endpoint
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	// WebSocket endpoint for extraction progress
	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.handleWebSocket).Methods("GET")
	}

	// Tower API
	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.requestIDMiddleware)
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/towers", s.handleListTowers).Methods("GET")
	api.HandleFunc("/towers/{name}", s.handleTowerInfo).Methods("GET")
	api.HandleFunc("/towers/{name}/load", s.handleTowerLoad).Methods("POST")
	api.HandleFunc("/towers/{name}/features", s.handleExtract).Methods("POST")
	api.HandleFunc("/towers/{name}/extract-dir", s.handleExtractDir).Methods("POST")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting vision tower server",
		zap.Int("port", s.config.Server.Port),
		zap.Strings("towers", s.registry.Names()),
	)

	// Start WebSocket hub in a separate goroutine
	go s.wsHub.Run()

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping vision tower server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"name":"vision-tower",
		"version":"0.1.0",
		"towers":["%s"],
		"cache_enabled":%t,
		"uptime":"%s"
	}`, strings.Join(s.registry.Names(), `","`), s.cache != nil, time.Since(s.startTime).Round(time.Second))
}

// handleWebSocket handles WebSocket connections for the progress feed
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsHub.HandleWebSocket(w, r)
}

// GetWebSocketHub returns the WebSocket hub for broadcasting events
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}
