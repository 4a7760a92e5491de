// Package http provides the inbound HTTP adapter for the relay service.
//
// Requests are dispatched through an explicit routing table keyed by method
// and path; anything else is answered with 404. The same server exposes the
// health endpoints used by ECS/Kubernetes probes.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/archon-research/queuerelay/internal/ports/inbound"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080")
	Addr string

	// DefaultTimeout is the relay timeout used when a request does not set one.
	DefaultTimeout time.Duration

	// MaxTimeout caps caller-supplied relay timeouts.
	MaxTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration
}

// ServerConfigDefaults returns a config with default values.
func ServerConfigDefaults() ServerConfig {
	return ServerConfig{
		Addr:           ":8080",
		DefaultTimeout: 60 * time.Second,
		MaxTimeout:     15 * time.Minute,
		Logger:         slog.Default(),
		ReadTimeout:    5 * time.Second,
	}
}

// writeSlack is added to MaxTimeout so a run that hits its deadline can
// still finish its last batch and write the response.
const writeSlack = 30 * time.Second

type routeKey struct {
	method string
	path   string
}

// Server serves relay invocations and health probes.
//
// Endpoints:
//   - GET  /              - number of messages waiting in the input queue
//   - POST /add           - enqueue {"message": "..."} onto the input queue
//   - POST /process       - run the relay with an optional {"timeout": seconds}
//   - POST /events        - run the relay for a pushed wakeup event
//   - GET  /health/ready  - readiness probe
//   - GET  /health/live   - liveness probe
//   - GET  /health        - combined health status
type Server struct {
	server       *http.Server
	relay        inbound.RelayService
	checker      inbound.HealthChecker
	shuttingDown *atomic.Bool
	config       ServerConfig
	routes       map[routeKey]http.HandlerFunc
	logger       *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(config ServerConfig, relay inbound.RelayService, checker inbound.HealthChecker, shuttingDown *atomic.Bool) *Server {
	defaults := ServerConfigDefaults()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.MaxTimeout == 0 {
		config.MaxTimeout = defaults.MaxTimeout
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if shuttingDown == nil {
		shuttingDown = &atomic.Bool{}
	}

	s := &Server{
		relay:        relay,
		checker:      checker,
		shuttingDown: shuttingDown,
		config:       config,
		logger:       config.Logger.With("component", "http-server"),
	}

	s.routes = map[routeKey]http.HandlerFunc{
		{http.MethodGet, "/"}:             s.handlePending,
		{http.MethodPost, "/add"}:         s.handleAdd,
		{http.MethodPost, "/process"}:     s.handleProcess,
		{http.MethodPost, "/events"}:      s.handleEvent,
		{http.MethodGet, "/health/ready"}: s.handleReady,
		{http.MethodGet, "/health/live"}:  s.handleLive,
		{http.MethodGet, "/health"}:       s.handleHealth,
	}

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.MaxTimeout + writeSlack,
	}

	return s
}

// ServeHTTP dispatches the request through the routing table.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler, ok := s.routes[routeKey{r.Method, r.URL.Path}]
	if !ok {
		s.respondError(w, http.StatusNotFound, "Not Found")
		return
	}
	handler(w, r)
}

// Start begins listening for requests.
// This is non-blocking - it starts the server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server, waiting up to timeout for in-flight
// requests to complete.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
