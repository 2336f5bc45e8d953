package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/health"
)

const (
	DefaultPort = 9090
	DefaultPath = "/metrics"
)

// Server exposes a registry over HTTP, plus a /health probe
type Server struct {
	port     int
	path     string
	registry *MetricsRegistry
	health   func() health.Status

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithHealth makes /health report fn's status as JSON. Unhealthy answers 503.
func WithHealth(fn func() health.Status) ServerOption {
	return func(s *Server) {
		s.health = fn
	}
}

// NewServer creates a metrics server. Port 0 and an empty path take the defaults;
// a negative port asks the OS for a free one.
func NewServer(port int, path string, registry *MetricsRegistry, opts ...ServerOption) *Server {
	if path == "" {
		path = DefaultPath
	}
	if port == 0 {
		port = DefaultPort
	}
	s := &Server{port: port, path: path, registry: registry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", s.serveHealth)
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	status := s.health()
	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Listen binds the server port
func (s *Server) Listen() error {
	if s.registry == nil {
		return errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Listen", "check registry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Listen", "bind metrics port")
	}

	addr := fmt.Sprintf(":%d", s.port)
	if s.port < 0 {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailed, err), "Server", "Listen", "bind metrics port")
	}
	s.listener = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return nil
}

// Serve blocks until Stop is called. Listen must have succeeded.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.srv, s.listener
	s.mu.Unlock()
	if srv == nil {
		return errors.WrapInvalid(fmt.Errorf("not listening"), "Server", "Serve", "serve metrics")
	}

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.WrapTransient(err, "Server", "Serve", "serve metrics")
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.srv, s.listener
	s.srv, s.listener = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	// Shutdown only closes listeners Serve is using
	_ = ln.Close()
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown metrics server")
	}
	return nil
}

// Address returns the scrape URL
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Sprintf("http://%s%s", s.listener.Addr(), s.path)
	}
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
