package tcpserver

import (
	"context"
	"sync/atomic"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/pipeline"
)

// Delimiter is appended to every item the writer sends
const Delimiter = '\n'

// Reader is a producer emitting what the oldest connected client sends
type Reader[T any] struct {
	*pipeline.Producer[T]
	server  *Server
	parse   network.ParseFunc[T]
	packets atomic.Int64
}

// NewReader creates a reader on s
func NewReader[T any](s *Server, parse network.ParseFunc[T], opts ...network.Option) (*Reader[T], error) {
	o := network.Apply(s.name+"-reader", s.bufferSize, opts)
	parse, err := network.TextParser(parse, o.Name)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(o.Name); err != nil {
		return nil, err
	}

	r := &Reader[T]{server: s, parse: parse}
	r.Producer = pipeline.NewProducer(o.Name, r.receive,
		o.StageOptions(pipeline.WithCleanup(s.release))...)
	s.useMetrics(r.CoreMetrics())
	return r, nil
}

// NewTextReader creates a reader decoding client data as UTF-8 text
func NewTextReader(s *Server, opts ...network.Option) (*Reader[string], error) {
	return NewReader(s, network.ParseText, opts...)
}

func (r *Reader[T]) receive(ctx context.Context) (T, error) {
	var zero T

	data, ok := r.server.Read(ctx)
	if !ok {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, pipeline.ErrSkip
	}

	r.packets.Add(1)
	r.CoreMetrics().RecordPacket(r.Name(), "in", len(data))

	item, err := network.Decode(r.parse, data, r.Name())
	if err != nil {
		return zero, err
	}
	r.Tick()
	return item, nil
}

// Packets returns the number of chunks read
func (r *Reader[T]) Packets() int64 {
	return r.packets.Load()
}

// Writer is a sink broadcasting each item, newline terminated, to every
// connected client
type Writer[T any] struct {
	*pipeline.Sink[T]
	server  *Server
	encode  network.EncodeFunc[T]
	packets atomic.Int64
}

// NewWriter creates a writer on s. src may be nil and attached later.
func NewWriter[T any](src pipeline.Source[T], s *Server, encode network.EncodeFunc[T], opts ...network.Option) (*Writer[T], error) {
	o := network.Apply(s.name+"-writer", s.bufferSize, opts)
	if err := s.acquire(o.Name); err != nil {
		return nil, err
	}

	w := &Writer[T]{server: s, encode: network.TextEncoder(encode)}
	w.Sink = pipeline.NewSink(o.Name, src, w.send,
		o.StageOptions(pipeline.WithCleanup(s.release))...)
	s.useMetrics(w.CoreMetrics())
	return w, nil
}

func (w *Writer[T]) send(ctx context.Context, item T) error {
	data, err := network.Encode(w.encode, item, w.Name())
	if err != nil {
		return err
	}

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, Delimiter)

	if delivered := w.server.Write(ctx, line); delivered > 0 {
		w.packets.Add(int64(delivered))
		w.CoreMetrics().RecordPacket(w.Name(), "out", len(line)*delivered)
	}
	w.Tick()
	return nil
}

// Packets returns the number of per-client deliveries
func (w *Writer[T]) Packets() int64 {
	return w.packets.Load()
}

// NewLayers binds cfg.Listen and returns a text reader and a writer backed by
// one Server. The server closes when both stages stop.
func NewLayers[W any](cfg config.ServerConfig, opts ...network.Option) (*Reader[string], *Writer[W], *Server, error) {
	return NewLayersWithCodec[string, W](cfg, network.ParseText, nil, opts...)
}

// NewLayersWithCodec is NewLayers with custom parse and encode functions
func NewLayersWithCodec[R, W any](cfg config.ServerConfig, parse network.ParseFunc[R], encode network.EncodeFunc[W], opts ...network.Option) (*Reader[R], *Writer[W], *Server, error) {
	o := network.Apply("tcpserver", cfg.BufferSize, opts)
	s, err := Listen(cfg.Listen,
		WithName(o.Name),
		WithBufferSize(cfg.BufferSize),
		WithQueueDepth(cfg.QueueDepth),
		WithPollInterval(o.PollInterval),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	reader, err := NewReader(s, parse, pairOptions(opts, "reader")...)
	if err != nil {
		_ = s.Close()
		return nil, nil, nil, err
	}

	writer, err := NewWriter[W](nil, s, encode, pairOptions(opts, "writer")...)
	if err != nil {
		_ = reader.Stop(0)
		_ = s.Close()
		return nil, nil, nil, err
	}
	return reader, writer, s, nil
}

func pairOptions(opts []network.Option, role string) []network.Option {
	all := make([]network.Option, 0, len(opts)+1)
	all = append(all, opts...)
	return append(all, network.WithName(network.PairName(opts, "tcpserver", role)))
}
