package pipeline

import (
	"context"
	"sync"

	"github.com/c360/rtstreams/errors"
)

// TransformFunc maps one input item to one output item. Returning ErrSkip
// suppresses output for that input.
type TransformFunc[In, Out any] func(ctx context.Context, item In) (Out, error)

// Transform is a stage that consumes one input channel and emits mapped items.
type Transform[In, Out any] struct {
	*core
	fn  TransformFunc[In, Out]
	out *outputs[Out]

	inMu sync.Mutex
	in   *Channel[In]
}

// NewTransform creates a transform reading from src and registers it with its
// manager. src may be nil when the input is attached later with Attach or
// AttachChannel.
func NewTransform[In, Out any](name string, src Source[In], fn TransformFunc[In, Out], opts ...Option) *Transform[In, Out] {
	t := &Transform[In, Out]{fn: fn}
	t.init(src, name, opts)
	return t
}

func (t *Transform[In, Out]) init(src Source[In], name string, opts []Option) {
	t.core = newCore(name, RoleTransform, opts)
	t.out = newOutputs[Out](t.core)
	if src != nil {
		t.in = src.Subscribe()
	}

	t.loop = t.run
	t.check = func() error {
		if t.fn == nil {
			return errors.WrapFatal(errors.ErrInvalidConfig, t.meta.Name, "check", "transform function is nil")
		}
		if t.input() == nil {
			return errors.ErrNoInput
		}
		return nil
	}
	t.closeOutputs = t.out.close
	t.register(t)
}

// Attach subscribes to src as this stage's input. It must be called before Start.
func (t *Transform[In, Out]) Attach(src Source[In]) {
	t.AttachChannel(src.Subscribe())
}

// AttachChannel uses ch as this stage's input. It must be called before Start.
func (t *Transform[In, Out]) AttachChannel(ch *Channel[In]) {
	t.inMu.Lock()
	defer t.inMu.Unlock()
	t.in = ch
}

func (t *Transform[In, Out]) input() *Channel[In] {
	t.inMu.Lock()
	defer t.inMu.Unlock()
	return t.in
}

// Subscribe adds an output channel fed with every emitted item.
func (t *Transform[In, Out]) Subscribe(opts ...ChannelOption) *Channel[Out] {
	return t.out.subscribe(opts)
}

func (t *Transform[In, Out]) run(ctx context.Context) error {
	in := t.input()
	for {
		item, err := in.Receive(ctx)
		if err != nil {
			// upstream closed or shutdown requested
			return nil
		}
		t.countIn()

		var result Out
		err = t.call(func() error {
			var innerErr error
			result, innerErr = t.fn(ctx, item)
			return innerErr
		})
		if err != nil {
			if errors.Is(err, ErrSkip) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if t.handleError(err, "transform") {
				return err
			}
			continue
		}

		if err := t.out.send(ctx, result); err != nil {
			return nil
		}
	}
}
