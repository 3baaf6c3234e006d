// Package server exposes the REST API, the live websocket channel and the
// metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/event"
	"github.com/HerbHall/netmapper/internal/plugin"
	"github.com/HerbHall/netmapper/internal/store"
	"github.com/HerbHall/netmapper/internal/version"
)

// Defaults for the live channel.
const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// Server is the main netmapper HTTP server.
type Server struct {
	httpServer *http.Server
	registry   *plugin.Registry
	hub        *event.Hub
	devices    *store.DeviceStore
	logger     *zap.Logger
	mux        *http.ServeMux

	corsOrigin   string
	writeTimeout time.Duration
	pingInterval time.Duration
	mockMode     bool
	metrics      http.Handler

	clients atomic.Int64

	// streams is cancelled on Shutdown to end live connections, which the
	// http.Server does not track once hijacked.
	streams      context.Context
	closeStreams context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigin sets the browser origin allowed to call the API and open
// the live channel. An empty origin disables CORS headers.
func WithCORSOrigin(origin string) Option {
	return func(s *Server) { s.corsOrigin = origin }
}

// WithWriteTimeout bounds each live-channel message write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithPingInterval sets the live-channel keep-alive interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithMockMode is reported by the health endpoint.
func WithMockMode(mock bool) Option {
	return func(s *Server) { s.mockMode = mock }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a new Server instance.
func New(addr string, reg *plugin.Registry, hub *event.Hub, devices *store.DeviceStore, logger *zap.Logger, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		registry:     reg,
		hub:          hub,
		devices:      devices,
		logger:       logger,
		mux:          mux,
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.streams, s.closeStreams = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.registerCoreRoutes()
	s.mountPluginRoutes()

	return s
}

// Handler returns the root handler with recovery and CORS applied.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.cors(s.mux))
}

// registerCoreRoutes sets up routes that are always available.
func (s *Server) registerCoreRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /ws", s.handleLive)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "Not found", r.URL.Path)
	})
}

// mountPluginRoutes registers all plugin routes under /api.
func (s *Server) mountPluginRoutes() {
	if s.registry == nil {
		return
	}
	for pluginName, routes := range s.registry.AllRoutes() {
		for _, route := range routes {
			pattern := fmt.Sprintf("%s /api%s", route.Method, route.Path)
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted route",
				zap.String("plugin", pluginName),
				zap.String("pattern", pattern),
			)
		}
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown closes live connections and gracefully shuts down the HTTP
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.closeStreams()
	return s.httpServer.Shutdown(ctx)
}

// ConnectedClients returns the number of open live connections.
func (s *Server) ConnectedClients() int {
	return int(s.clients.Load())
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	OK               bool      `json:"ok"`
	Timestamp        time.Time `json:"timestamp"`
	MockMode         bool      `json:"mockMode"`
	ConnectedClients int       `json:"connectedClients"`
	DeviceCount      int       `json:"deviceCount"`
	Version          string    `json:"version"`
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Netmapper-Version", version.Short())
	_ = json.NewEncoder(w).Encode(HealthResponse{
		OK:               true,
		Timestamp:        time.Now().UTC(),
		MockMode:         s.mockMode,
		ConnectedClients: s.ConnectedClients(),
		DeviceCount:      s.devices.Count(),
		Version:          version.Short(),
	})
}

// cors adds the configured origin to API responses and answers preflight
// requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsOrigin == "" || !strings.HasPrefix(r.URL.Path, "/api") {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.corsOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer turns handler panics into 500 responses.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("handler panicked",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("panic", fmt.Sprint(rec)),
			)
			InternalError(w, "Internal server error", r.URL.Path)
		}()
		next.ServeHTTP(w, r)
	})
}
