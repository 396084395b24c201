// Package web serves the proxwatch status API: health, watcher status,
// build information and a websocket stream of bus events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/proxwatch/internal/buildinfo"
	"github.com/nugget/proxwatch/internal/connwatch"
	"github.com/nugget/proxwatch/internal/events"
	"github.com/nugget/proxwatch/internal/watcher"
)

// StatusProvider reports the watcher's current state.
type StatusProvider interface {
	Snapshot() watcher.Snapshot
}

// HealthProvider reports the reachability of external dependencies.
type HealthProvider interface {
	Health() []connwatch.Health
	Ready() bool
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP server.
type Server struct {
	address string
	port    int
	status  StatusProvider
	health  HealthProvider
	hub     *Hub
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a status server. health may be nil when no
// dependency is watched.
func NewServer(address string, port int, status StatusProvider, health HealthProvider, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		status:  status,
		health:  health,
		hub:     NewHub(bus, status, logger),
		logger:  logger,
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return s.withLogging(mux)
}

// Start serves until Shutdown is called or ctx ends. The event stream
// runs for the same span.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status server", "address", addr, "port", s.port)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("status server: %w", err)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "proxwatch",
		"version": buildinfo.Current().Version,
		"status":  s.status.Snapshot().Status.String(),
	}, s.logger)
}

// healthResponse is the /health body. Status is "healthy" when the
// watcher runs and every dependency answers, otherwise "degraded".
type healthResponse struct {
	Status   string             `json:"status"`
	Watcher  string             `json:"watcher"`
	Services []connwatch.Health `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Watcher: s.status.Snapshot().Status.String(),
	}
	ok := resp.Watcher == watcher.Running.String()
	if s.health != nil {
		resp.Services = s.health.Health()
		ok = ok && s.health.Ready()
	}

	code := http.StatusOK
	if !ok {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot(), s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.hub.Serve(conn, r.RemoteAddr)
}
