// Package health provides health check and metrics HTTP endpoints for
// long-running muster watches.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/muster/internal/logging"
	"github.com/postalsys/muster/internal/ops"
)

// StatsProvider provides dispatch core statistics.
type StatsProvider interface {
	Stats() ops.Stats
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g. "127.0.0.1:9120").
	Address string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	// Logger for server events; nil discards.
	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9120",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health, metrics and pprof endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer creates a health server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultServerConfig().Address
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{cfg: cfg, provider: provider, logger: logger}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", logging.KeyError, err)
		}
	}()

	s.logger.Info("health server listening", logging.KeyAddress, listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealthz reports liveness plus current core statistics.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type payload struct {
		Status string    `json:"status"`
		Stats  ops.Stats `json:"stats"`
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload{
		Status: "ok",
		Stats:  s.provider.Stats(),
	})
}
