package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/pipeline"
	"github.com/c360/rtstreams/pkg/retry"
)

const (
	// DefaultBufferSize is the most a reader takes from the stream per receive
	DefaultBufferSize = 4096
	// DefaultDialTimeout bounds a single connection attempt
	DefaultDialTimeout = 2 * time.Second
	// DefaultDialAttempts is how many times Dial tries before giving up
	DefaultDialAttempts = 3
)

// DialOption configures Dial
type DialOption func(*dialOptions)

type dialOptions struct {
	timeout  time.Duration
	attempts int
	policy   retry.Policy
	logger   *slog.Logger
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDialAttempts sets how many connection attempts are made
func WithDialAttempts(n int) DialOption {
	return func(o *dialOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithDialBackoff replaces the delay policy between attempts. Its Attempts
// is ignored in favour of WithDialAttempts.
func WithDialBackoff(p retry.Policy) DialOption {
	return func(o *dialOptions) {
		o.policy = p
	}
}

// WithDialLogger receives a debug line for every failed attempt
func WithDialLogger(logger *slog.Logger) DialOption {
	return func(o *dialOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Conn is a connected TCP stream that a reader and a writer can share
type Conn struct {
	net.Conn
	shared *network.Shared
}

// Dial connects to addr, retrying with backoff. The connection is made before
// any stage exists, so a peer that never answers fails construction.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Conn, error) {
	o := dialOptions{
		timeout:  DefaultDialTimeout,
		attempts: DefaultDialAttempts,
		policy:   retry.DialPolicy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.policy.Attempts = o.attempts

	dialer := &net.Dialer{Timeout: o.timeout}
	conn, err := retry.Value(ctx, o.policy, func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}, func(attempt int, err error, wait time.Duration) {
		o.logger.Debug("Dial failed, retrying", "addr", addr, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrNoConnection, err),
			"tcp", "Dial", fmt.Sprintf("connect to %s", addr))
	}
	return &Conn{Conn: conn, shared: network.NewShared(conn)}, nil
}

// Close closes the connection even if stages still hold it
func (c *Conn) Close() error {
	return c.shared.Close()
}

func (c *Conn) acquire(stage string) error {
	if err := c.shared.Acquire(); err != nil {
		return errors.WrapFatal(errors.ErrNoConnection, stage, "acquire", "attach to closed connection")
	}
	return nil
}

// Reader is a producer emitting one item per successful receive. Stream
// boundaries are not preserved: a receive returns whatever bytes are ready.
type Reader[T any] struct {
	*pipeline.Producer[T]
	conn    *Conn
	parse   network.ParseFunc[T]
	opts    network.Options
	buf     []byte
	packets atomic.Int64
}

// NewReader creates a reader on conn
func NewReader[T any](conn *Conn, parse network.ParseFunc[T], opts ...network.Option) (*Reader[T], error) {
	o := network.Apply("tcp-reader", DefaultBufferSize, opts)
	parse, err := network.TextParser(parse, o.Name)
	if err != nil {
		return nil, err
	}
	if err := conn.acquire(o.Name); err != nil {
		return nil, err
	}

	r := &Reader[T]{
		conn:  conn,
		parse: parse,
		opts:  o,
		buf:   make([]byte, o.BufferSize),
	}
	r.Producer = pipeline.NewProducer(o.Name, r.receive,
		o.StageOptions(pipeline.WithCleanup(conn.shared.Release))...)
	return r, nil
}

// NewTextReader creates a reader decoding each receive as UTF-8 text
func NewTextReader(conn *Conn, opts ...network.Option) (*Reader[string], error) {
	return NewReader(conn, network.ParseText, opts...)
}

func (r *Reader[T]) receive(ctx context.Context) (T, error) {
	var zero T

	_ = r.conn.SetReadDeadline(time.Now().Add(r.opts.PollInterval))
	n, err := r.conn.Read(r.buf)
	if n == 0 && err != nil {
		switch {
		case network.IsTimeout(err):
			return zero, pipeline.ErrSkip
		case ctx.Err() != nil:
			return zero, ctx.Err()
		case network.IsConnectionLost(err):
			r.Logger().Info("Connection lost", "remote", r.conn.RemoteAddr().String())
			return zero, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				r.Name(), "receive", "read stream")
		default:
			return zero, errors.WrapTransient(err, r.Name(), "receive", "read stream")
		}
	}
	if n == 0 {
		return zero, pipeline.ErrSkip
	}

	r.packets.Add(1)
	r.CoreMetrics().RecordPacket(r.Name(), "in", n)

	data := make([]byte, n)
	copy(data, r.buf[:n])

	item, err := network.Decode(r.parse, data, r.Name())
	if err != nil {
		return zero, err
	}
	r.Tick()
	return item, nil
}

// Packets returns the number of successful receives
func (r *Reader[T]) Packets() int64 {
	return r.packets.Load()
}

// Writer is a sink writing the encoded form of each item to the stream.
// No delimiter is added.
type Writer[T any] struct {
	*pipeline.Sink[T]
	conn    *Conn
	encode  network.EncodeFunc[T]
	opts    network.Options
	packets atomic.Int64
}

// NewWriter creates a writer on conn. src may be nil and attached later.
func NewWriter[T any](src pipeline.Source[T], conn *Conn, encode network.EncodeFunc[T], opts ...network.Option) (*Writer[T], error) {
	o := network.Apply("tcp-writer", DefaultBufferSize, opts)
	if err := conn.acquire(o.Name); err != nil {
		return nil, err
	}

	w := &Writer[T]{
		conn:   conn,
		encode: network.TextEncoder(encode),
		opts:   o,
	}
	w.Sink = pipeline.NewSink(o.Name, src, w.send,
		o.StageOptions(pipeline.WithCleanup(conn.shared.Release))...)
	return w, nil
}

func (w *Writer[T]) send(ctx context.Context, item T) error {
	data, err := network.Encode(w.encode, item, w.Name())
	if err != nil {
		return err
	}

	n, err := network.WriteFull(ctx, w.conn, data, w.opts.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if network.IsConnectionLost(err) {
			err = fmt.Errorf("%w: %v", errors.ErrConnectionLost, err)
		}
		return errors.WrapTransient(err, w.Name(), "send", "write stream")
	}

	w.packets.Add(1)
	w.CoreMetrics().RecordPacket(w.Name(), "out", n)
	w.Tick()
	return nil
}

// Packets returns the number of items written
func (w *Writer[T]) Packets() int64 {
	return w.packets.Load()
}

// NewLayers connects to cfg.Remote and returns a text reader and a writer
// sharing the connection. The connection closes when both stages stop.
func NewLayers[W any](ctx context.Context, cfg config.TCPConfig, opts ...network.Option) (*Reader[string], *Writer[W], error) {
	return NewLayersWithCodec[string, W](ctx, cfg, network.ParseText, nil, opts...)
}

// NewLayersWithCodec is NewLayers with custom parse and encode functions
func NewLayersWithCodec[R, W any](ctx context.Context, cfg config.TCPConfig, parse network.ParseFunc[R], encode network.EncodeFunc[W], opts ...network.Option) (*Reader[R], *Writer[W], error) {
	conn, err := Dial(ctx, cfg.Remote, WithDialTimeout(cfg.DialTimeout), WithDialAttempts(cfg.DialRetries))
	if err != nil {
		return nil, nil, err
	}

	reader, err := NewReader(conn, parse, pairOptions(cfg, opts, "reader")...)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	writer, err := NewWriter[W](nil, conn, encode, pairOptions(cfg, opts, "writer")...)
	if err != nil {
		_ = reader.Stop(0)
		_ = conn.Close()
		return nil, nil, err
	}
	return reader, writer, nil
}

func pairOptions(cfg config.TCPConfig, opts []network.Option, role string) []network.Option {
	all := make([]network.Option, 0, len(opts)+2)
	all = append(all, network.WithBufferSize(cfg.BufferSize))
	all = append(all, opts...)
	return append(all, network.WithName(network.PairName(opts, "tcp", role)))
}
