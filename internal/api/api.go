// Package api exposes a Node's local metrics and health surface over
// plain loopback HTTP: a Prometheus /metrics endpoint and a /healthz
// status endpoint, for a monitoring stack to scrape. It carries no
// authentication and is not meant to be reachable off-host (spec.md §1
// Non-goals name a public control API as out of scope; this is an
// operator-facing sidecar, not that).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider decouples this package from pkg/mesh, mirroring the
// RuntimeInfo-interface seam the teacher uses to keep its daemon package
// independent of the concrete network type.
type StatusProvider interface {
	SelfID() string
	ConnectedPeerCount() int
	DiscoveredPeerCount() int
}

// Server is a small net/http server over loopback TCP exposing /metrics
// and /healthz. Grounded on internal/daemon/server.go's Start/Stop shape
// (create listener, register routes, serve in background, graceful
// Shutdown with a bounded timeout) — written fresh rather than adapted,
// since that file's socket-plus-cookie auth model has no role here.
type Server struct {
	addr     string
	registry *prometheus.Registry
	status   StatusProvider
	started  time.Time

	httpServer *http.Server
	listener   net.Listener
}

// NewServer constructs an api.Server. registry is typically
// mesh.Metrics.Registry or hub.Metrics.Registry.
func NewServer(addr string, registry *prometheus.Registry, status StatusProvider) *Server {
	return &Server{addr: addr, registry: registry, status: status, started: time.Now()}
}

// Start binds the listener and begins serving in the background. It
// returns once the listener is bound so callers can log the resolved
// address immediately.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      requestLogger(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("api: server error", "error", err)
		}
	}()

	slog.Info("api: listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down within a bounded timeout.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("api: shutdown error", "error", err)
	}
}

type healthResponse struct {
	Status           string `json:"status"`
	SelfID           string `json:"self_id,omitempty"`
	ConnectedPeers   int    `json:"connected_peers"`
	DiscoveredPeers  int    `json:"discovered_peers"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.status != nil {
		resp.SelfID = s.status.SelfID()
		resp.ConnectedPeers = s.status.ConnectedPeerCount()
		resp.DiscoveredPeers = s.status.DiscoveredPeerCount()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// requestLogger mirrors the teacher's slog-based request logging
// (internal/daemon's InstrumentHandler does the Prometheus-counter half
// of this; this package only needs the log line, since its own
// /metrics endpoint already covers counters).
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("api: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
