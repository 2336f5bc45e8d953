package pipeline

import (
	"context"
	"sync"

	"github.com/c360/rtstreams/errors"
)

// SinkFunc consumes one item for its side effect.
type SinkFunc[In any] func(ctx context.Context, item In) error

// Sink is a terminal stage: it consumes items and emits nothing.
type Sink[In any] struct {
	*core
	fn SinkFunc[In]

	inMu sync.Mutex
	in   *Channel[In]
}

// NewSink creates a sink reading from src. src may be nil when the input is
// attached later with Attach or AttachChannel.
func NewSink[In any](name string, src Source[In], fn SinkFunc[In], opts ...Option) *Sink[In] {
	s := &Sink[In]{
		core: newCore(name, RoleSink, opts),
		fn:   fn,
	}
	if src != nil {
		s.in = src.Subscribe()
	}

	s.loop = s.run
	s.check = func() error {
		if s.fn == nil {
			return errors.WrapFatal(errors.ErrInvalidConfig, s.meta.Name, "check", "sink function is nil")
		}
		if s.input() == nil {
			return errors.ErrNoInput
		}
		return nil
	}
	s.register(s)
	return s
}

// Attach subscribes to src as this stage's input. It must be called before Start.
func (s *Sink[In]) Attach(src Source[In]) {
	s.AttachChannel(src.Subscribe())
}

// AttachChannel uses ch as this stage's input. It must be called before Start.
func (s *Sink[In]) AttachChannel(ch *Channel[In]) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	s.in = ch
}

func (s *Sink[In]) input() *Channel[In] {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	return s.in
}

func (s *Sink[In]) run(ctx context.Context) error {
	in := s.input()
	for {
		item, err := in.Receive(ctx)
		if err != nil {
			return nil
		}
		s.countIn()

		err = s.call(func() error { return s.fn(ctx, item) })
		if err != nil {
			if errors.Is(err, ErrSkip) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if s.handleError(err, "consume") {
				return err
			}
		}
	}
}
