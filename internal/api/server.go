// Package api implements the bridge's status HTTP API: health, refresh
// status, the cached snapshot, entity projections, feature overrides,
// and a websocket stream of operational events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/firewalla-bridge/internal/buildinfo"
	"github.com/nugget/firewalla-bridge/internal/connwatch"
	"github.com/nugget/firewalla-bridge/internal/coordinator"
	"github.com/nugget/firewalla-bridge/internal/events"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// DataSource is the read side of the refresh coordinator.
type DataSource interface {
	Data() (coordinator.Snapshot, bool)
	Status() coordinator.Status
	RequestRefresh()
}

// FeatureStore persists feature overrides.
type FeatureStore interface {
	coordinator.FlagSource
	Set(ctx context.Context, name string, enabled bool) error
	Clear(ctx context.Context, name string) error
}

// HealthReporter reports the reachability of external services.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
	Ready() bool
}

// Deps are the components the server reads from. Source and Flags are
// required; the rest are optional and their endpoints degrade when nil.
type Deps struct {
	Source    DataSource
	Flags     coordinator.FlagResolver
	Overrides FeatureStore
	Health    HealthReporter
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	// Cached data
	mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/snapshot/{collection}", s.handleCollection)
	mux.HandleFunc("GET /v1/devices/{id}", s.handleDevice)
	mux.HandleFunc("GET /v1/entities", s.handleEntities)
	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)

	// Feature flags
	mux.HandleFunc("GET /v1/features", s.handleFeatures)
	mux.HandleFunc("PUT /v1/features/{name}", s.handleSetFeature)

	mux.HandleFunc("GET /v1/ws", s.handleStream)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
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

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, buildinfo.RuntimeInfo())
}

// handleHealth reports "ok" when every watched service is reachable and
// "degraded" otherwise. Either way the process is alive, so the status
// code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.deps.Health != nil && !s.deps.Health.Ready() {
		status = "degraded"
	}
	_, hasData := s.deps.Source.Data()
	s.respond(w, map[string]any{
		"status":   status,
		"has_data": hasData,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"refresh":        s.deps.Source.Status(),
		"uptime_seconds": int64(buildinfo.Uptime().Seconds()),
	}
	if s.deps.Health != nil {
		resp["services"] = s.deps.Health.Status()
	}
	s.respond(w, resp)
}

// snapshot returns the cached data or writes a 503 when nothing has
// been fetched yet.
func (s *Server) snapshot(w http.ResponseWriter) (coordinator.Snapshot, bool) {
	snap, ok := s.deps.Source.Data()
	if !ok {
		s.errorResponse(w, http.StatusServiceUnavailable, "no data fetched yet")
	}
	return snap, ok
}
