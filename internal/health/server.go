// Package health provides health check HTTP endpoints for handlemesh.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/handlemesh/internal/node"
	"github.com/postalsys/handlemesh/internal/sysinfo"
)

// StatsProvider provides node statistics. *node.Node implements it.
type StatsProvider interface {
	IsRunning() bool
	Stats() node.Stats
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MinLinks is the number of links /ready requires.
	MinLinks int

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) nodeRunning() bool {
	return s.provider != nil && s.provider.IsRunning()
}

// handleHealth returns 200 while the server responds.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns a JSON summary, or 503 once the node is closed.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.nodeRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"running":       true,
		"id":            stats.ID,
		"version":       sysinfo.Version,
		"uptime":        sysinfo.Uptime().Round(time.Second).String(),
		"link_count":    len(stats.Links),
		"session_count": len(stats.Sessions),
		"service_count": len(stats.Services),
	})
}

// handleReady returns 200 when the node runs with at least MinLinks links.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if !s.nodeRunning() || len(s.provider.Stats().Links) < s.cfg.MinLinks {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

type sessionView struct {
	node.SessionStats
	Relayed string `json:"relayed"`
	Age     string `json:"age"`
}

type linkView struct {
	node.LinkStats
	RTT string `json:"rtt"`
}

type statsView struct {
	ID       string        `json:"id"`
	Process  sysinfo.Info  `json:"process"`
	Links    []linkView    `json:"links"`
	Sessions []sessionView `json:"sessions"`
	Services []string      `json:"services"`
	Relayed  string        `json:"relayed"`
}

// handleStats returns the full node snapshot with human-readable totals.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		http.Error(w, "node not available", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, buildStatsView(s.provider.Stats()))
}

func buildStatsView(st node.Stats) statsView {
	view := statsView{
		ID:       st.ID,
		Process:  sysinfo.Collect(),
		Links:    make([]linkView, 0, len(st.Links)),
		Sessions: make([]sessionView, 0, len(st.Sessions)),
		Services: st.Services,
	}

	for _, l := range st.Links {
		view.Links = append(view.Links, linkView{LinkStats: l, RTT: l.RTT.String()})
	}

	var total uint64
	for _, sess := range st.Sessions {
		relayed := sess.BytesToStream + sess.BytesToHandle
		total += relayed
		view.Sessions = append(view.Sessions, sessionView{
			SessionStats: sess,
			Relayed:      humanize.Bytes(relayed),
			Age:          humanize.Time(sess.Started),
		})
	}
	view.Relayed = humanize.Bytes(total)
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
