package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/metric"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/pipeline"
)

const (
	// DefaultPath is the upgrade endpoint when the config leaves it empty
	DefaultPath = "/ws"
	// DefaultWriteTimeout bounds a single frame write to one client
	DefaultWriteTimeout = 10 * time.Second

	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 64 * 1024
)

// Envelope types
const (
	TypeData   = "data"
	TypeSignal = "signal"
)

// Envelope is the frame exchanged with clients. Outbound frames are "data"
// with the item as JSON payload. Inbound "signal" frames are raised on the
// bridge's signal port named by Signal.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Signal    string          `json:"signal,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is the payload raised for an inbound signal frame
type Event struct {
	Client  string
	Payload json.RawMessage
}

type client struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
	closed      atomic.Bool
	closeOnce   sync.Once
}

// Bridge is a sink that broadcasts every item to the connected WebSocket
// clients and turns client signal frames into signal port events.
type Bridge[T any] struct {
	*pipeline.Sink[T]

	listener     net.Listener
	server       *http.Server
	path         string
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	registrar metric.MetricsRegistrar
	broadcast prometheus.Histogram

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	sequence atomic.Uint64
	messages atomic.Int64
	events   atomic.Int64
}

// NewBridge listens on cfg.Listen and serves the upgrade endpoint at
// cfg.Path until the stage stops. registrar may be nil.
func NewBridge[T any](src pipeline.Source[T], cfg config.WebSocketConfig, registrar metric.MetricsRegistrar, opts ...network.Option) (*Bridge[T], error) {
	o := network.Apply("websocket", 0, opts)
	if cfg.Listen == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, o.Name, "NewBridge", "validate listen address")
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailed, err),
			o.Name, "NewBridge", fmt.Sprintf("listen on %s", cfg.Listen))
	}

	b := &Bridge[T]{
		listener:     listener,
		path:         cfg.Path,
		writeTimeout: cfg.WriteTimeout,
		registrar:    registrar,
		clients:      make(map[*websocket.Conn]*client),
		closing:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Visualization clients are served from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if b.path == "" {
		b.path = DefaultPath
	}
	if b.writeTimeout <= 0 {
		b.writeTimeout = DefaultWriteTimeout
	}

	b.Sink = pipeline.NewSink(o.Name, src, b.send, o.StageOptions(
		pipeline.WithDescription(fmt.Sprintf("websocket bridge on %s%s", listener.Addr(), b.path)),
		pipeline.WithCleanup(b.close),
	)...)

	if registrar != nil {
		b.broadcast = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "rtstreams",
			Subsystem:   "websocket",
			Name:        "broadcast_duration_seconds",
			Help:        "Time to deliver one item to every client",
			ConstLabels: prometheus.Labels{"stage": o.Name},
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		})
		if err := registrar.Register(o.Name, "broadcast_duration", b.broadcast); err != nil {
			b.Logger().Warn("Broadcast histogram not registered", "error", err)
			b.broadcast = nil
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(b.path, b.handleUpgrade)
	b.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	b.wg.Add(2)
	go b.serve()
	go b.keepAlive()

	b.Logger().Info("WebSocket bridge listening", "addr", b.Addr(), "path", b.path)
	return b, nil
}

func (b *Bridge[T]) serve() {
	defer b.wg.Done()
	if err := b.server.Serve(b.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		b.Logger().Error("WebSocket server failed", "error", err)
	}
}

func (b *Bridge[T]) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.Logger().Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
	}

	b.clientsMu.Lock()
	select {
	case <-b.closing:
		b.clientsMu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	b.clients[conn] = c
	count := len(b.clients)
	b.wg.Add(1)
	b.clientsMu.Unlock()

	b.CoreMetrics().RecordActiveConnections(b.Name(), count)
	b.CoreMetrics().RecordConnectionEvent(b.Name(), "connect")
	b.Logger().Info("Client connected", "client", c.id, "remote", r.RemoteAddr, "clients", count)

	go b.readLoop(c)
}

// readLoop owns all reads from one client until it disconnects
func (b *Bridge[T]) readLoop(c *client) {
	defer b.wg.Done()
	defer b.removeClient(c, "closed")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.Logger().Debug("Ignoring malformed frame", "client", c.id, "error", err)
			continue
		}

		switch env.Type {
		case TypeSignal:
			if env.Signal == "" {
				continue
			}
			b.events.Add(1)
			b.RaiseEvent(env.Signal, Event{Client: c.id, Payload: env.Payload})
		default:
			b.Logger().Debug("Ignoring frame", "client", c.id, "type", env.Type)
		}
	}
}

func (b *Bridge[T]) keepAlive() {
	defer b.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.closing:
			return
		case <-ticker.C:
			for _, c := range b.snapshot() {
				deadline := time.Now().Add(b.writeTimeout)
				if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					b.removeClient(c, "ping_failed")
				}
			}
		}
	}
}

func (b *Bridge[T]) snapshot() []*client {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	out := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		if !c.closed.Load() {
			out = append(out, c)
		}
	}
	return out
}

func (b *Bridge[T]) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		b.clientsMu.Lock()
		delete(b.clients, c.conn)
		count := len(b.clients)
		b.clientsMu.Unlock()

		_ = c.conn.Close()

		b.CoreMetrics().RecordActiveConnections(b.Name(), count)
		b.CoreMetrics().RecordConnectionEvent(b.Name(), "disconnect")
		b.Logger().Info("Client disconnected", "client", c.id, "reason", reason,
			"connected_for", time.Since(c.connectedAt).Round(time.Millisecond), "clients", count)
	})
}

func (b *Bridge[T]) write(c *client, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return errors.ErrConnectionLost
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge[T]) send(_ context.Context, item T) error {
	payload, err := network.Encode(network.EncodeJSON[T], item, b.Name())
	if err != nil {
		return err
	}

	data, err := json.Marshal(Envelope{
		Type:      TypeData,
		ID:        fmt.Sprintf("msg-%d", b.sequence.Add(1)),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrEncodeFailed, err), b.Name(), "send", "marshal envelope")
	}

	start := time.Now()
	var wg conc.WaitGroup
	for _, c := range b.snapshot() {
		wg.Go(func() {
			if err := b.write(c, data); err != nil {
				b.Logger().Debug("Write failed", "client", c.id, "error", err)
				b.removeClient(c, "write_failed")
				return
			}
			b.messages.Add(1)
			b.CoreMetrics().RecordPacket(b.Name(), "out", len(data))
		})
	}
	wg.Wait()

	if b.broadcast != nil {
		b.broadcast.Observe(time.Since(start).Seconds())
	}
	b.Tick()
	return nil
}

// close stops accepting clients, sends each a close frame and waits for
// their read loops to end
func (b *Bridge[T]) close() error {
	var err error
	b.closeOnce.Do(func() {
		b.clientsMu.Lock()
		close(b.closing)
		b.clientsMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
		defer cancel()
		if shutdownErr := b.server.Shutdown(ctx); shutdownErr != nil {
			err = errors.Wrap(shutdownErr, b.Name(), "close", "shutdown http server")
		}

		goingAway := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown")
		for _, c := range b.snapshot() {
			_ = c.conn.WriteControl(websocket.CloseMessage, goingAway, time.Now().Add(time.Second))
			b.removeClient(c, "shutdown")
		}

		b.wg.Wait()

		if b.registrar != nil && b.broadcast != nil {
			b.registrar.Unregister(b.Name(), "broadcast_duration")
		}
		b.Logger().Info("WebSocket bridge closed", "messages", b.messages.Load(), "events", b.events.Load())
	})
	return err
}

// Addr returns the listening address
func (b *Bridge[T]) Addr() string {
	return b.listener.Addr().String()
}

// URL returns the ws:// URL clients connect to
func (b *Bridge[T]) URL() string {
	return "ws://" + b.Addr() + b.path
}

// Clients returns the number of connected clients
func (b *Bridge[T]) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Messages returns the number of frames delivered, counted per client
func (b *Bridge[T]) Messages() int64 {
	return b.messages.Load()
}

// Events returns the number of signal frames raised
func (b *Bridge[T]) Events() int64 {
	return b.events.Load()
}
