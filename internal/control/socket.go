// Package control provides HTTP control socket for process management.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/harness/internal/loader"
	"github.com/holomush/harness/internal/xdg"
)

// HealthResponse is returned by the /health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is returned by the /status endpoint.
type StatusResponse struct {
	Running       bool           `json:"running"`
	PID           int            `json:"pid"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Component     string         `json:"component,omitempty"`
	Loader        *loader.Status `json:"loader,omitempty"`
}

// ShutdownResponse is returned by the /shutdown endpoint.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// ShutdownFunc is called when shutdown is requested.
type ShutdownFunc func()

// StatusFunc returns the loader snapshot served by /status.
type StatusFunc func() loader.Status

// Server runs HTTP over a Unix socket for process management.
type Server struct {
	component    string
	startTime    time.Time
	listener     net.Listener
	httpServer   *http.Server
	socketPath   string
	shutdownFunc ShutdownFunc
	statusFunc   StatusFunc
	logger       *slog.Logger
	running      atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithStatus attaches a loader snapshot to /status responses.
func WithStatus(fn StatusFunc) Option {
	return func(s *Server) {
		s.statusFunc = fn
	}
}

// WithLogger sets the server logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a new control socket server.
// component names the socket, e.g. "run" for harness-run.sock.
func NewServer(component string, shutdownFunc ShutdownFunc, opts ...Option) *Server {
	s := &Server{
		component:    component,
		startTime:    time.Now(),
		shutdownFunc: shutdownFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", component)
	s.running.Store(true)
	return s
}

// SocketPath returns the path to the Unix socket.
// Returns an error if the runtime directory cannot be determined.
func SocketPath(component string) (string, error) {
	runtimeDir, err := xdg.RuntimeDir()
	if err != nil {
		return "", oops.In("control").Wrapf(err, "failed to get runtime directory")
	}
	return filepath.Join(runtimeDir, fmt.Sprintf("harness-%s.sock", component)), nil
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	socketPath, err := SocketPath(s.component)
	if err != nil {
		return err
	}
	s.socketPath = socketPath
	errb := oops.In("control").With("path", socketPath)

	if err := xdg.EnsureDir(filepath.Dir(socketPath)); err != nil {
		return errb.Wrapf(err, "failed to create runtime directory")
	}

	// A stale socket from a crashed process blocks Listen.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return errb.Wrapf(err, "failed to remove existing socket")
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return errb.Wrapf(err, "failed to listen on socket")
	}
	s.listener = listener

	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return errb.Wrapf(err, "failed to set socket permissions")
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control socket server error", "error", err)
		}
	}()

	return nil
}

// Handler returns the control endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	return mux
}

// Stop gracefully shuts down the control socket server.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return oops.In("control").Wrapf(err, "failed to shutdown http server")
		}
	}

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("failed to close control socket listener", "error", err)
		}
	}

	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove control socket file",
				"path", s.socketPath,
				"error", err,
			)
		}
	}

	return nil
}

// SocketFile returns the socket path once Start succeeded.
func (s *Server) SocketFile() string {
	return s.socketPath
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		s.logger.Error("failed to write health response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Component:     s.component,
	}
	if s.statusFunc != nil {
		st := s.statusFunc()
		resp.Loader = &st
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		s.logger.Error("failed to write status response", "error", err)
	}
}

// handleShutdown requests the external shutdown of the running plugins.
func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	resp := ShutdownResponse{
		Message: "shutdown initiated",
	}
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		s.logger.Error("failed to write shutdown response", "error", err)
	}

	if s.shutdownFunc != nil {
		go s.shutdownFunc()
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return oops.In("control").Wrapf(err, "failed to encode JSON response")
	}
	return nil
}
