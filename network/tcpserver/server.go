package tcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/metric"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/pipeline"
)

const (
	// DefaultBufferSize is the most one handler reads per receive
	DefaultBufferSize = 4096
	// DefaultQueueDepth is how many unread chunks a handler holds before it
	// stops reading its socket
	DefaultQueueDepth = 64
)

// Option configures a Server
type Option func(*Server)

// WithName sets the name used in logs and metrics
func WithName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.name = name
		}
	}
}

// WithBufferSize sets the most one handler reads per receive
func WithBufferSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithQueueDepth sets how many unread chunks a handler holds. A full queue
// leaves further data in the socket, so the client is slowed by TCP flow
// control instead of losing data.
func WithQueueDepth(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// WithPollInterval sets the accept and read deadline used to observe shutdown
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithLogger sets the base logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server accepts any number of clients and multiplexes them for one reader
// and one writer stage.
type Server struct {
	name       string
	listener   *net.TCPListener
	logger     *slog.Logger
	bufferSize int
	queueDepth int
	poll       time.Duration

	mu       sync.Mutex
	handlers []*handler // registration order
	metrics  *metric.Metrics

	shared     *network.Shared
	acceptOnce sync.Once
	closing    chan struct{}
	wg         sync.WaitGroup
}

// handler owns one accepted connection
type handler struct {
	id       string
	remote   string
	conn     net.Conn
	queue    *pipeline.Channel[[]byte]
	shutdown atomic.Bool
	ctx      context.Context // ends on close
	cancel   context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (h *handler) close() {
	h.closeOnce.Do(func() {
		h.shutdown.Store(true)
		h.cancel()
		_ = h.conn.Close()
		h.queue.Close()
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Listen binds addr. Clients are accepted once the first stage attaches.
// Bind failure is fatal.
func Listen(addr string, opts ...Option) (*Server, error) {
	s := &Server{
		name:       "tcpserver",
		logger:     slog.Default(),
		bufferSize: DefaultBufferSize,
		queueDepth: DefaultQueueDepth,
		poll:       pipeline.DefaultPollInterval,
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("server", s.name)

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			s.name, "Listen", fmt.Sprintf("resolve %q", addr))
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailed, err),
			s.name, "Listen", fmt.Sprintf("bind %s", addr))
	}
	s.listener = ln
	s.shared = network.NewShared(closerFunc(s.shutdown))

	s.logger.Info("Server listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Name returns the server name
func (s *Server) Name() string {
	return s.name
}

// acquire attaches a stage and starts accepting on the first attach
func (s *Server) acquire(stage string) error {
	if err := s.shared.Acquire(); err != nil {
		return errors.WrapFatal(errors.ErrServerClosed, stage, "acquire", "attach to closed server")
	}
	s.acceptOnce.Do(func() {
		s.wg.Add(1)
		go s.acceptLoop()
	})
	return nil
}

func (s *Server) release() error {
	return s.shared.Release()
}

func (s *Server) useMetrics(m *metric.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		s.metrics = m
	}
}

func (s *Server) coreMetrics() *metric.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *Server) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		_ = s.listener.SetDeadline(time.Now().Add(s.poll))
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosing() || network.IsClosed(err) {
				return
			}
			if network.IsTimeout(err) {
				continue
			}
			s.logger.Warn("Accept failed", "error", err)
			select {
			case <-s.closing:
				return
			case <-time.After(s.poll):
			}
			continue
		}
		s.register(conn)
	}
}

func (s *Server) register(conn net.Conn) {
	h := &handler{
		id:     uuid.NewString(),
		remote: conn.RemoteAddr().String(),
		conn:   conn,
		queue:  pipeline.NewChannel[[]byte](s.queueDepth, pipeline.WithOverflowPolicy(pipeline.Block)),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	s.mu.Lock()
	if s.isClosing() {
		s.mu.Unlock()
		h.close()
		return
	}
	s.handlers = append(s.handlers, h)
	count := len(s.handlers)
	metrics := s.metrics
	s.mu.Unlock()

	s.logger.Info("Client connected", "remote", h.remote, "handler", h.id, "clients", count)
	metrics.RecordConnectionEvent(s.name, "connect")
	metrics.RecordActiveConnections(s.name, count)

	s.wg.Add(1)
	go s.serve(h)
}

func (s *Server) unregister(h *handler) {
	h.close()

	s.mu.Lock()
	for i, other := range s.handlers {
		if other == h {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			break
		}
	}
	count := len(s.handlers)
	metrics := s.metrics
	s.mu.Unlock()

	s.logger.Info("Client disconnected", "remote", h.remote, "handler", h.id, "clients", count)
	metrics.RecordConnectionEvent(s.name, "disconnect")
	metrics.RecordActiveConnections(s.name, count)
}

// serve reads from one client until it goes away or is shut down. While the
// handler's queue is full it waits and leaves the socket unread.
func (s *Server) serve(h *handler) {
	defer s.wg.Done()
	defer s.unregister(h)

	buf := make([]byte, s.bufferSize)
	for !h.shutdown.Load() {
		_ = h.conn.SetReadDeadline(time.Now().Add(s.poll))
		n, err := h.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := h.queue.Send(h.ctx, chunk); err != nil {
				return
			}
		}
		if err != nil {
			if network.IsTimeout(err) {
				continue
			}
			if !h.shutdown.Load() {
				s.logger.Debug("Client read ended", "handler", h.id, "error", err)
			}
			return
		}
	}
}

// first returns the oldest active handler
func (s *Server) first() *handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.handlers {
		if !h.shutdown.Load() {
			return h
		}
	}
	return nil
}

func (s *Server) snapshot() []*handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		if !h.shutdown.Load() {
			out = append(out, h)
		}
	}
	return out
}

// Read returns the next chunk received from the oldest connected client,
// waiting at most one poll interval. Other clients are never read while it
// stays connected; their data waits in their queues and, once those fill,
// in their sockets. With no client, Read
// backs off for one poll interval and reports no data.
func (s *Server) Read(ctx context.Context) ([]byte, bool) {
	h := s.first()
	if h == nil {
		timer := time.NewTimer(s.poll)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-s.closing:
		case <-timer.C:
		}
		return nil, false
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.poll)
	defer cancel()

	data, err := h.queue.Receive(waitCtx)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Write sends data to every connected client and returns how many received
// it. A client that is slow to read holds the write until it catches up or
// ctx ends. A client whose connection is lost is shut down; delivery to the
// rest goes on.
func (s *Server) Write(ctx context.Context, data []byte) int {
	delivered := 0
	for _, h := range s.snapshot() {
		if s.writeTo(ctx, h, data) {
			delivered++
		}
	}
	return delivered
}

func (s *Server) writeTo(ctx context.Context, h *handler, data []byte) bool {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.shutdown.Load() {
		return false
	}
	_, err := network.WriteFull(ctx, h.conn, data, s.poll)
	switch {
	case err == nil:
		return true
	case ctx.Err() != nil:
		// Stopping; the client stays registered
		return false
	case network.IsConnectionLost(err):
		s.logger.Debug("Client connection lost on write", "handler", h.id, "remote", h.remote, "error", err)
		h.close()
	default:
		// A dead socket also fails the handler's next read, which closes it
		s.logger.Warn("Client write failed", "handler", h.id, "remote", h.remote, "error", err)
	}
	return false
}

// Handlers returns the ids of the connected clients in connection order
func (s *Server) Handlers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.handlers))
	for _, h := range s.handlers {
		if !h.shutdown.Load() {
			ids = append(ids, h.id)
		}
	}
	return ids
}

// Count returns the number of connected clients
func (s *Server) Count() int {
	return len(s.Handlers())
}

// Close stops accepting, disconnects every client and waits for their
// goroutines, even if stages still hold the server.
func (s *Server) Close() error {
	return s.shared.Close()
}

// Closed reports whether the server has shut down
func (s *Server) Closed() bool {
	return s.shared.Closed()
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	close(s.closing)
	handlers := append([]*handler(nil), s.handlers...)
	s.mu.Unlock()

	err := s.listener.Close()
	for _, h := range handlers {
		h.close()
	}
	s.wg.Wait()

	s.logger.Info("Server closed")
	return err
}
