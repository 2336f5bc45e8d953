package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/pipeline"
)

// DefaultBufferSize is the largest datagram a reader accepts by default
const DefaultBufferSize = 1024

// Conn is a bound UDP socket that reader and writer stages can share
type Conn struct {
	*net.UDPConn
	shared *network.Shared
}

// Listen binds a UDP socket on local ("host:port"; port 0 picks a free one).
// Bind failure is fatal.
func Listen(local string) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"udp", "Listen", fmt.Sprintf("resolve %q", local))
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailed, err),
			"udp", "Listen", fmt.Sprintf("bind %s", local))
	}
	return newConn(conn), nil
}

func newConn(conn *net.UDPConn) *Conn {
	return &Conn{UDPConn: conn, shared: network.NewShared(conn)}
}

// Close closes the socket even if stages still hold it
func (c *Conn) Close() error {
	return c.shared.Close()
}

// Addr returns the bound local address
func (c *Conn) Addr() *net.UDPAddr {
	addr, _ := c.LocalAddr().(*net.UDPAddr)
	return addr
}

func (c *Conn) acquire(stage string) error {
	if err := c.shared.Acquire(); err != nil {
		return errors.WrapFatal(errors.ErrNoConnection, stage, "acquire", "attach to closed socket")
	}
	return nil
}

// Reader is a producer emitting one item per received datagram
type Reader[T any] struct {
	*pipeline.Producer[T]
	conn    *Conn
	parse   network.ParseFunc[T]
	opts    network.Options
	buf     []byte
	packets atomic.Int64
}

// NewReader creates a reader on conn. Datagrams larger than the buffer size
// are truncated by the OS.
func NewReader[T any](conn *Conn, parse network.ParseFunc[T], opts ...network.Option) (*Reader[T], error) {
	o := network.Apply("udp-reader", DefaultBufferSize, opts)
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

// NewTextReader creates a reader decoding datagrams as UTF-8 text
func NewTextReader(conn *Conn, opts ...network.Option) (*Reader[string], error) {
	return NewReader(conn, network.ParseText, opts...)
}

func (r *Reader[T]) receive(ctx context.Context) (T, error) {
	var zero T

	_ = r.conn.SetReadDeadline(time.Now().Add(r.opts.PollInterval))
	n, from, err := r.conn.ReadFromUDP(r.buf)
	if err != nil {
		if network.IsTimeout(err) {
			return zero, pipeline.ErrSkip
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, errors.WrapTransient(err, r.Name(), "receive", "read datagram")
	}

	r.packets.Add(1)
	r.CoreMetrics().RecordPacket(r.Name(), "in", n)
	r.Logger().Debug("Received datagram", "bytes", n, "from", from.String())

	data := make([]byte, n)
	copy(data, r.buf[:n])

	item, err := network.Decode(r.parse, data, r.Name())
	if err != nil {
		return zero, err
	}
	r.Tick()
	return item, nil
}

// Packets returns the number of datagrams received
func (r *Reader[T]) Packets() int64 {
	return r.packets.Load()
}

// Writer is a sink sending one datagram per item to a fixed destination
type Writer[T any] struct {
	*pipeline.Sink[T]
	encode  network.EncodeFunc[T]
	remote  *net.UDPAddr
	opts    network.Options
	packets atomic.Int64

	connMu sync.Mutex
	conn   *Conn
}

// NewWriter creates a writer sending from conn to remote. src may be nil and
// attached later.
func NewWriter[T any](src pipeline.Source[T], conn *Conn, remote string, encode network.EncodeFunc[T], opts ...network.Option) (*Writer[T], error) {
	o := network.Apply("udp-writer", DefaultBufferSize, opts)
	raddr, err := resolveRemote(o.Name, remote)
	if err != nil {
		return nil, err
	}
	if err := conn.acquire(o.Name); err != nil {
		return nil, err
	}

	w := newWriter(raddr, encode, o)
	w.conn = conn
	w.Sink = pipeline.NewSink(o.Name, src, w.send,
		o.StageOptions(pipeline.WithCleanup(conn.shared.Release))...)
	return w, nil
}

// NewWriterTo creates a writer whose socket is bound to an ephemeral port on
// the first send
func NewWriterTo[T any](src pipeline.Source[T], remote string, encode network.EncodeFunc[T], opts ...network.Option) (*Writer[T], error) {
	o := network.Apply("udp-writer", DefaultBufferSize, opts)
	raddr, err := resolveRemote(o.Name, remote)
	if err != nil {
		return nil, err
	}

	w := newWriter(raddr, encode, o)
	w.Sink = pipeline.NewSink(o.Name, src, w.send, o.StageOptions(pipeline.WithCleanup(w.closeOwned))...)
	return w, nil
}

func newWriter[T any](remote *net.UDPAddr, encode network.EncodeFunc[T], o network.Options) *Writer[T] {
	return &Writer[T]{encode: network.TextEncoder(encode), remote: remote, opts: o}
}

func resolveRemote(stage, remote string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			stage, "resolveRemote", fmt.Sprintf("resolve %q", remote))
	}
	return raddr, nil
}

func (w *Writer[T]) socket() (*Conn, error) {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn != nil {
		return w.conn, nil
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.WrapTransient(err, w.Name(), "socket", "open unbound socket")
	}
	w.conn = newConn(conn)
	return w.conn, nil
}

func (w *Writer[T]) closeOwned() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

func (w *Writer[T]) send(ctx context.Context, item T) error {
	data, err := network.Encode(w.encode, item, w.Name())
	if err != nil {
		return err
	}

	conn, err := w.socket()
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(w.opts.PollInterval))
	n, err := conn.WriteToUDP(data, w.remote)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.WrapTransient(err, w.Name(), "send", "write datagram")
	}

	w.packets.Add(1)
	w.CoreMetrics().RecordPacket(w.Name(), "out", n)
	w.Tick()
	return nil
}

// Remote returns the destination address
func (w *Writer[T]) Remote() *net.UDPAddr {
	return w.remote
}

// Packets returns the number of datagrams sent
func (w *Writer[T]) Packets() int64 {
	return w.packets.Load()
}

// NewLayers binds cfg.Local and returns a text reader and a writer to
// cfg.Remote sharing that socket. The socket closes when both stages stop.
func NewLayers[W any](cfg config.UDPConfig, opts ...network.Option) (*Reader[string], *Writer[W], error) {
	return NewLayersWithCodec[string, W](cfg, network.ParseText, nil, opts...)
}

// NewLayersWithCodec is NewLayers with custom parse and encode functions.
// A nil encode uses network.EncodeText.
func NewLayersWithCodec[R, W any](cfg config.UDPConfig, parse network.ParseFunc[R], encode network.EncodeFunc[W], opts ...network.Option) (*Reader[R], *Writer[W], error) {
	conn, err := Listen(cfg.Local)
	if err != nil {
		return nil, nil, err
	}

	reader, err := NewReader(conn, parse, pairOptions(cfg, opts, "reader")...)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	writer, err := NewWriter[W](nil, conn, cfg.Remote, encode, pairOptions(cfg, opts, "writer")...)
	if err != nil {
		_ = reader.Stop(0)
		_ = conn.Close()
		return nil, nil, err
	}
	return reader, writer, nil
}

func pairOptions(cfg config.UDPConfig, opts []network.Option, role string) []network.Option {
	all := make([]network.Option, 0, len(opts)+2)
	all = append(all, network.WithBufferSize(cfg.BufferSize))
	all = append(all, opts...)
	return append(all, network.WithName(network.PairName(opts, "udp", role)))
}
