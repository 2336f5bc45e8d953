package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/health"
)

// ConnectionStatus is the state of the client's connection
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("not connected to NATS")
	ErrCircuitOpen  = errors.New("circuit breaker is open")
	ErrClosed       = errors.New("client is closed")
)

// Client owns one NATS connection with a circuit breaker in front of Connect.
// Subscriptions live as long as the context they were made with.
type Client struct {
	url     string
	opts    options
	logger  *slog.Logger
	breaker *breaker
	status  atomic.Int32

	mu   sync.RWMutex
	conn *nats.Conn
	subs map[*nats.Subscription]struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// NewClient creates a client for url. Several servers may be given as a
// comma-separated list.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	return &Client{
		url:     url,
		opts:    o,
		logger:  o.logger.With("component", "natsclient"),
		breaker: newBreaker(o.breakerThreshold, time.Second, o.breakerMaxWait),
		subs:    make(map[*nats.Subscription]struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (c *Client) URL() string { return c.url }

func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures counts failed connects since the last successful one
func (c *Client) Failures() int {
	return c.breaker.state().Failures
}

func (c *Client) setStatus(s ConnectionStatus) {
	old := ConnectionStatus(c.status.Swap(int32(s)))
	if old == s {
		return
	}
	c.opts.metrics.RecordNATSStatus(s == StatusConnected)
	if fn := c.opts.onStatus; fn != nil {
		go fn(s)
	}
}

// Health reports the connection as a health status named "nats"
func (c *Client) Health() health.Status {
	s := c.Status()
	var status health.Status
	switch s {
	case StatusConnected:
		status = health.NewHealthy("nats", "Connected")
	case StatusConnecting, StatusReconnecting:
		status = health.NewDegraded("nats", "Connection "+s.String())
	default:
		status = health.NewUnhealthy("nats", "Connection "+s.String())
	}

	b := c.breaker.state()
	status.Metrics = &health.Metrics{ErrorCount: b.Failures, LastActivity: b.LastFail}
	return status
}

func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.Timeout(c.opts.timeout),
		nats.MaxReconnects(c.opts.maxReconnects),
		nats.ReconnectWait(c.opts.reconnectWait),
		nats.DrainTimeout(c.opts.drainTimeout),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onAsyncError),
	}
	if c.opts.name != "" {
		opts = append(opts, nats.Name(c.opts.name))
	}
	if c.opts.username != "" {
		opts = append(opts, nats.UserInfo(c.opts.username, c.opts.password))
	}
	if c.opts.token != "" {
		opts = append(opts, nats.Token(c.opts.token))
	}
	return opts
}

// Connect dials the server. While the circuit is open it fails fast with
// ErrCircuitOpen. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.breaker.allow(time.Now()) {
		return ErrCircuitOpen
	}
	if c.IsHealthy() {
		return nil
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	type dialed struct {
		conn *nats.Conn
		err  error
	}
	result := make(chan dialed, 1)
	opts := c.natsOptions()
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		result <- dialed{conn, err}
	}()

	var r dialed
	select {
	case r = <-result:
	case <-ctx.Done():
		go func() {
			if late := <-result; late.conn != nil {
				late.conn.Close()
			}
		}()
		r.err = ctx.Err()
	}

	if r.err != nil {
		if opened, wait := c.breaker.failure(time.Now()); opened {
			c.setStatus(StatusCircuitOpen)
			c.logger.Warn("Circuit breaker opened", "failures", c.Failures(), "wait", wait)
			return errors.WrapTransient(fmt.Errorf("%w: %v", ErrCircuitOpen, r.err), "Client", "Connect", "establish connection")
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
	}

	c.mu.Lock()
	c.conn = r.conn
	c.mu.Unlock()

	c.breaker.success()
	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "url", r.conn.ConnectedUrl())
	return nil
}

// Close ends every subscription and drains the connection, bounded by the
// drain timeout and ctx. Closing twice is a no-op.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.shutdown(ctx)
	})
	return err
}

func (c *Client) shutdown(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn = nil
	c.subs = make(map[*nats.Subscription]struct{})
	c.mu.Unlock()

	var errs []error
	for sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe "+sub.Subject))
		}
	}

	if conn != nil {
		drainCtx, cancel := context.WithTimeout(ctx, c.opts.drainTimeout)
		defer cancel()

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-drainCtx.Done():
			errs = append(errs, errors.WrapTransient(drainCtx.Err(), "Client", "Close", "drain connection"))
		}
		conn.Close()
	}

	c.setStatus(StatusDisconnected)
	c.logger.Info("NATS client closed")
	return errors.Join(errs...)
}

func (c *Client) connected() (*nats.Conn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// RTT measures the round trip to the server
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.connected()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Subscribe delivers messages on subject to handler until ctx ends or the
// client closes. Each handler call gets a context derived from ctx, bounded
// by the handler timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn == nil || !c.conn.IsConnected() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		msgCtx, cancel := context.WithTimeout(ctx, c.opts.handlerTimeout)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		c.mu.Unlock()
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe to "+subject)
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug("Subscribed", "subject", subject)

	go func() {
		select {
		case <-ctx.Done():
			c.unsubscribe(sub)
		case <-c.done:
		}
	}()
	return nil
}

func (c *Client) unsubscribe(sub *nats.Subscription) {
	c.mu.Lock()
	_, live := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()

	if !live {
		return
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.logger.Warn("Unsubscribe failed", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Debug("Unsubscribed", "subject", sub.Subject)
}

// Subscriptions counts live subscriptions
func (c *Client) Subscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Flush waits until the server has processed everything published so far
func (c *Client) Flush(ctx context.Context) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	return conn.FlushWithContext(ctx)
}

func (c *Client) onDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("Disconnected from NATS", "error", err)
}

func (c *Client) onReconnect(conn *nats.Conn) {
	c.breaker.success()
	c.setStatus(StatusConnected)
	c.opts.metrics.RecordNATSReconnect()
	c.logger.Info("Reconnected to NATS", "url", conn.ConnectedUrl())
}

func (c *Client) onClosed(_ *nats.Conn) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusDisconnected)
	c.logger.Warn("NATS connection closed, reconnects exhausted")
}

func (c *Client) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}
