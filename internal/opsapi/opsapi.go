// Package opsapi exposes the gateway's operational HTTP surface: status,
// liveness, and Prometheus metrics. It never touches the SQL wire
// protocol itself — that is internal/dispatch's job — this is purely for
// operators and monitoring.
package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/echaozh/mysqlgw/internal/metrics"
)

// Status is a point-in-time snapshot of the gateway's health, returned by
// GET /status.
type Status struct {
	Healthy            bool   `json:"healthy"`
	WorkersTotal       int    `json:"workers_total"`
	WorkersBusy        int32  `json:"workers_busy"`
	LiveTransactions   int32  `json:"live_transactions"`
	StatementsExecuted int64  `json:"statements_executed"`
	Uptime             string `json:"uptime"`
}

// Server serves /status, /healthz, and /metrics on its own listener,
// independent of the gateway's SQL listener.
type Server struct {
	http    *http.Server
	ping    func(context.Context) error
	metrics *metrics.Collector

	startedAt    time.Time
	workersTotal int
}

// New builds an ops server bound to addr (e.g. "127.0.0.1:9090"),
// reporting metrics from m and a worker pool of the given size. ping
// checks reachability of the backend for /healthz, mirroring the
// teacher's health.Checker pattern trimmed to a single backend.
func New(addr string, m *metrics.Collector, workersTotal int, ping func(context.Context) error) *Server {
	s := &Server{
		startedAt:    time.Now(),
		workersTotal: workersTotal,
		ping:         ping,
		metrics:      m,
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	busy := s.metrics.WorkersBusy()
	st := Status{
		Healthy:      s.pingOK(r.Context()),
		WorkersTotal: s.workersTotal,
		WorkersBusy:  busy,
		// One worker holds at most one open transaction at a time, so the
		// live transaction count tracks the busy-worker count exactly.
		LiveTransactions:   busy,
		StatementsExecuted: s.metrics.StatementsExecuted(),
		Uptime:             time.Since(s.startedAt).Round(time.Second).String(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.pingOK(r.Context()) {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) pingOK(ctx context.Context) bool {
	if s.ping == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.ping(ctx) == nil
}

// Serve starts the ops HTTP server; it blocks until the server stops.
func (s *Server) Serve() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the ops HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
