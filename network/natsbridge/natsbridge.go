package natsbridge

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/pipeline"
)

// DefaultInboxSize is how many undelivered messages a reader holds before
// dropping the oldest
const DefaultInboxSize = 1024

// Publisher publishes raw payloads; natsclient.Client satisfies it
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Subscriber delivers payloads on subject to handler until ctx ends;
// natsclient.Client satisfies it
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Conn is both a Publisher and a Subscriber
type Conn interface {
	Publisher
	Subscriber
}

// Reader is a producer emitting one item per message received on a subject.
// The subscription is made when the stage starts and ends when it stops.
type Reader[T any] struct {
	*pipeline.Producer[T]
	sub        Subscriber
	subject    string
	parse      network.ParseFunc[T]
	inbox      *pipeline.Channel[[]byte]
	subscribed bool
	retryAt    time.Time
	messages   atomic.Int64
}

// NewReader creates a reader for subject. The buffer size option sets the
// inbox depth in messages.
func NewReader[T any](sub Subscriber, subject string, parse network.ParseFunc[T], opts ...network.Option) (*Reader[T], error) {
	o := network.Apply("nats-reader", DefaultInboxSize, opts)
	if subject == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, o.Name, "NewReader", "validate subject")
	}
	parse, err := network.TextParser(parse, o.Name)
	if err != nil {
		return nil, err
	}

	r := &Reader[T]{
		sub:     sub,
		subject: subject,
		parse:   parse,
		inbox:   pipeline.NewChannel[[]byte](o.BufferSize, pipeline.WithOverflowPolicy(pipeline.DropOldest)),
	}
	r.Producer = pipeline.NewProducer(o.Name, r.receive, o.StageOptions(
		pipeline.WithDescription("subscribe "+subject),
		pipeline.WithCleanup(func() error {
			r.inbox.Close()
			return nil
		}),
	)...)
	return r, nil
}

// NewTextReader creates a reader decoding payloads as UTF-8 text
func NewTextReader(sub Subscriber, subject string, opts ...network.Option) (*Reader[string], error) {
	return NewReader(sub, subject, network.ParseText, opts...)
}

func (r *Reader[T]) enqueue(_ context.Context, data []byte) {
	payload := make([]byte, len(data))
	copy(payload, data)
	_ = r.inbox.Send(context.Background(), payload)
}

func (r *Reader[T]) receive(ctx context.Context) (T, error) {
	var zero T

	// Only the stage loop touches subscribed and retryAt
	if !r.subscribed {
		if time.Now().Before(r.retryAt) {
			return zero, pipeline.ErrSkip
		}
		if err := r.sub.Subscribe(ctx, r.subject, r.enqueue); err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			r.retryAt = time.Now().Add(r.PollInterval())
			return zero, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNoConnection, err),
				r.Name(), "receive", fmt.Sprintf("subscribe to %s", r.subject))
		}
		r.subscribed = true
		r.Logger().Info("Subscribed", "subject", r.subject)
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.PollInterval())
	defer cancel()

	data, err := r.inbox.Receive(waitCtx)
	if err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, pipeline.ErrSkip
	}

	r.messages.Add(1)
	r.CoreMetrics().RecordPacket(r.Name(), "in", len(data))

	item, err := network.Decode(r.parse, data, r.Name())
	if err != nil {
		return zero, err
	}
	r.Tick()
	return item, nil
}

// Subject returns the subscribed subject
func (r *Reader[T]) Subject() string {
	return r.subject
}

// Messages returns the number of messages taken from the inbox
func (r *Reader[T]) Messages() int64 {
	return r.messages.Load()
}

// Writer is a sink publishing the encoded form of each item to a subject
type Writer[T any] struct {
	*pipeline.Sink[T]
	pub      Publisher
	subject  string
	encode   network.EncodeFunc[T]
	messages atomic.Int64
}

// NewWriter creates a writer publishing to subject. src may be nil and
// attached later.
func NewWriter[T any](src pipeline.Source[T], pub Publisher, subject string, encode network.EncodeFunc[T], opts ...network.Option) (*Writer[T], error) {
	o := network.Apply("nats-writer", 0, opts)
	if subject == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, o.Name, "NewWriter", "validate subject")
	}

	w := &Writer[T]{
		pub:     pub,
		subject: subject,
		encode:  network.TextEncoder(encode),
	}
	w.Sink = pipeline.NewSink(o.Name, src, w.send,
		o.StageOptions(pipeline.WithDescription("publish "+subject))...)
	return w, nil
}

func (w *Writer[T]) send(ctx context.Context, item T) error {
	data, err := network.Encode(w.encode, item, w.Name())
	if err != nil {
		return err
	}
	if err := w.pub.Publish(ctx, w.subject, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.WrapTransient(err, w.Name(), "send", fmt.Sprintf("publish to %s", w.subject))
	}

	w.messages.Add(1)
	w.CoreMetrics().RecordPacket(w.Name(), "out", len(data))
	w.Tick()
	return nil
}

// Subject returns the publish subject
func (w *Writer[T]) Subject() string {
	return w.subject
}

// Messages returns the number of messages published
func (w *Writer[T]) Messages() int64 {
	return w.messages.Load()
}

// NewLayers returns a text reader on cfg.Subject and a writer to
// cfg.PublishSubject, both over conn. A missing subject leaves that side nil.
func NewLayers[W any](conn Conn, cfg config.NATSConfig, opts ...network.Option) (*Reader[string], *Writer[W], error) {
	var (
		reader *Reader[string]
		writer *Writer[W]
		err    error
	)

	if cfg.Subject != "" {
		reader, err = NewTextReader(conn, cfg.Subject, pairOptions(opts, "reader")...)
		if err != nil {
			return nil, nil, err
		}
	}
	if cfg.PublishSubject != "" {
		writer, err = NewWriter[W](nil, conn, cfg.PublishSubject, nil, pairOptions(opts, "writer")...)
		if err != nil {
			if reader != nil {
				_ = reader.Stop(0)
			}
			return nil, nil, err
		}
	}
	if reader == nil && writer == nil {
		return nil, nil, errors.WrapFatal(errors.ErrMissingConfig, "nats", "NewLayers", "validate subjects")
	}
	return reader, writer, nil
}

// ServerURL joins the configured server URLs into the form NATS dials
func ServerURL(cfg config.NATSConfig) string {
	return strings.Join(cfg.URLs, ",")
}

func pairOptions(opts []network.Option, role string) []network.Option {
	all := make([]network.Option, 0, len(opts)+1)
	all = append(all, opts...)
	return append(all, network.WithName(network.PairName(opts, "nats", role)))
}
