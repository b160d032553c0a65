package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/pcsoni007/syft-node/dispatch"
)

// HealthServer exposes health, readiness, metrics and capability endpoints
type HealthServer struct {
	port       int
	server     *http.Server
	node       *Node
	dispatcher *dispatch.Dispatcher
	guard      *ReplayGuard
	natsStatus func() string
	ready      atomic.Bool
}

// HealthStatus is the /health response body
type HealthStatus struct {
	Healthy    bool   `json:"healthy"`
	NodeID     string `json:"node_id"`
	VerifyKey  string `json:"verify_key"`
	NATSStatus string `json:"nats_status,omitempty"`
	Kinds      int    `json:"kinds"`
	Uptime     string `json:"uptime"`
	Version    string `json:"version"`
}

// NewHealthServer creates a health server. natsStatus may be nil when NATS
// is disabled.
func NewHealthServer(port int, node *Node, dispatcher *dispatch.Dispatcher, guard *ReplayGuard, natsStatus func() string) *HealthServer {
	h := &HealthServer{
		port:       port,
		node:       node,
		dispatcher: dispatcher,
		guard:      guard,
		natsStatus: natsStatus,
	}
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// SetReady marks the node ready to take traffic
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Router returns the HTTP handler
func (h *HealthServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/metrics", h.handleMetrics)
	r.Get("/kinds", h.handleKinds)
	return r
}

// Start serves until Stop is called. Stop before Start makes Start return
// immediately.
func (h *HealthServer) Start() {
	log.Info().Int("port", h.port).Msg("Starting health server")
	if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health server error")
	}
}

// Stop shuts the server down
func (h *HealthServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.server.Shutdown(ctx)
}

func (h *HealthServer) status() HealthStatus {
	s := HealthStatus{
		Healthy:   h.ready.Load(),
		NodeID:    h.node.ID,
		VerifyKey: h.node.Identity.VerifyKey.String(),
		Kinds:     len(h.node.Kinds()),
		Uptime:    h.node.Uptime().Round(time.Second).String(),
		Version:   Version,
	}
	if h.natsStatus != nil {
		s.NATSStatus = h.natsStatus()
		s.Healthy = s.Healthy && s.NATSStatus == "connected"
	}
	return s
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.status()
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.status().Healthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}

func (h *HealthServer) handleKinds(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HandlerTypesResponse{Kinds: h.node.Kinds()})
}

// handleMetrics writes Prometheus text format
func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := h.dispatcher.Stats()
	healthy := 0
	if h.status().Healthy {
		healthy = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP syft_node_healthy Whether the node is healthy\n")
	fmt.Fprintf(w, "# TYPE syft_node_healthy gauge\n")
	fmt.Fprintf(w, "syft_node_healthy %d\n", healthy)
	fmt.Fprintf(w, "# HELP syft_node_uptime_seconds Seconds since node start\n")
	fmt.Fprintf(w, "# TYPE syft_node_uptime_seconds gauge\n")
	fmt.Fprintf(w, "syft_node_uptime_seconds %d\n", int64(h.node.Uptime().Seconds()))
	fmt.Fprintf(w, "# HELP syft_node_registered_kinds Message kinds served\n")
	fmt.Fprintf(w, "# TYPE syft_node_registered_kinds gauge\n")
	fmt.Fprintf(w, "syft_node_registered_kinds %d\n", len(h.node.Kinds()))

	fmt.Fprintf(w, "# HELP syft_node_dispatch_total Dispatch outcomes\n")
	fmt.Fprintf(w, "# TYPE syft_node_dispatch_total counter\n")
	for _, c := range []struct {
		outcome string
		value   uint64
	}{
		{"received", stats.Dispatched},
		{"succeeded", stats.Succeeded},
		{"unknown_kind", stats.UnknownKind},
		{"denied", stats.Denied},
		{"handler_failure", stats.HandlerFailures},
		{"malformed", stats.Malformed},
	} {
		fmt.Fprintf(w, "syft_node_dispatch_total{outcome=%q} %d\n", c.outcome, c.value)
	}

	if h.guard != nil {
		fmt.Fprintf(w, "# HELP syft_node_replay_cache_entries Message fingerprints held in memory\n")
		fmt.Fprintf(w, "# TYPE syft_node_replay_cache_entries gauge\n")
		fmt.Fprintf(w, "syft_node_replay_cache_entries %d\n", h.guard.Size())
	}
}
