// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability serves the harness metrics and health endpoints.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/holomush/harness/internal/loader"
)

// Shutdown request sources.
const (
	SourceSignal  = "signal"
	SourceControl = "control"
)

// ReadinessChecker returns whether the harness has reached readiness.
type ReadinessChecker func() bool

// PendingFunc lists the plugin instances readiness is still waiting for.
type PendingFunc func() []string

// Metrics contains process-level harness metrics. Per-plugin metrics live in
// the loader package and are registered alongside.
type Metrics struct {
	RunsTotal             *prometheus.CounterVec
	ShutdownRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers harness metrics, including the loader's.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_runs_total",
			Help: "Total number of loader runs by result",
		}, []string{"result"}),
		ShutdownRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harness_shutdown_requests_total",
			Help: "Total number of external shutdown requests by source",
		}, []string{"source"}),
	}
	reg.MustRegister(m.RunsTotal, m.ShutdownRequestsTotal)
	loader.RegisterMetrics(reg)
	return m
}

// RecordRun counts a finished loader run. Safe on a nil Metrics.
func (m *Metrics) RecordRun(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.RunsTotal.WithLabelValues(result).Inc()
}

// RecordShutdownRequest counts an external shutdown request. Safe on a nil
// Metrics.
func (m *Metrics) RecordShutdownRequest(source string) {
	if m == nil {
		return
	}
	m.ShutdownRequestsTotal.WithLabelValues(source).Inc()
}

// Server serves /metrics, /healthz/liveness and /healthz/readiness.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	pending    PendingFunc
	logger     *slog.Logger
	running    atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithPending lists waiting instances in the body of a failed readiness check.
func WithPending(fn PendingFunc) Option {
	return func(s *Server) {
		s.pending = fn
	}
}

// NewServer creates an observability server listening on addr ("host:port").
// A nil readiness checker reports ready.
func NewServer(addr string, readiness ReadinessChecker, opts ...Option) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  NewMetrics(registry),
		isReady:  readiness,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Metrics returns the harness metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("GET /healthz/liveness", s.handleLiveness)
	mux.HandleFunc("GET /healthz/readiness", s.handleReadiness)
	return mux
}

// Start begins serving. The returned channel receives a serve error, if any,
// and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.In("observability").Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.In("observability").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observability server error", "error", err)
			errCh <- err
		}
	}()

	s.logger.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the server. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.In("observability").With("operation", "shutdown").Wrap(err)
		}
	}

	s.logger.Info("observability server stopped")
	return nil
}

// Addr returns the listening address, or "" if not started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok\n")
}

// handleReadiness returns 200 once every plugin declaring readiness is ready.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.isReady == nil || s.isReady() {
		writeText(w, http.StatusOK, "ok\n")
		return
	}

	body := "not ready\n"
	if s.pending != nil {
		if waiting := s.pending(); len(waiting) > 0 {
			body = fmt.Sprintf("not ready: waiting for %s\n", strings.Join(waiting, ", "))
		}
	}
	writeText(w, http.StatusServiceUnavailable, body)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	w.Write([]byte(body))
}
