package pipeline

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/c360/rtstreams/errors"
)

// ProduceFunc generates the next item. Returning ErrSkip means no item this
// cycle; the producer backs off for its idle interval and calls again.
type ProduceFunc[Out any] func(ctx context.Context) (Out, error)

// Producer is a stage with no input that emits items generated by its ProduceFunc.
type Producer[Out any] struct {
	*core
	produce ProduceFunc[Out]
	out     *outputs[Out]
	limiter *rate.Limiter
}

// NewProducer creates a producer stage and registers it with its manager.
func NewProducer[Out any](name string, produce ProduceFunc[Out], opts ...Option) *Producer[Out] {
	p := &Producer[Out]{
		core:    newCore(name, RoleProducer, opts),
		produce: produce,
	}
	p.out = newOutputs[Out](p.core)
	if p.settings.rateHz > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.settings.rateHz), 1)
	}

	p.loop = p.run
	p.check = func() error {
		if p.produce == nil {
			return errors.WrapFatal(errors.ErrInvalidConfig, p.meta.Name, "check", "produce function is nil")
		}
		return nil
	}
	p.closeOutputs = p.out.close
	p.register(p)
	return p
}

// Subscribe adds an output channel fed with every produced item.
func (p *Producer[Out]) Subscribe(opts ...ChannelOption) *Channel[Out] {
	return p.out.subscribe(opts)
}

// Outputs returns the number of subscribed output channels.
func (p *Producer[Out]) Outputs() int {
	return p.out.count()
}

func (p *Producer[Out]) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		var item Out
		err := p.call(func() error {
			var innerErr error
			item, innerErr = p.produce(ctx)
			return innerErr
		})
		if err != nil {
			if errors.Is(err, ErrSkip) {
				if !sleep(ctx, p.settings.idleBackoff) {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if p.handleError(err, "produce") {
				return err
			}
			continue
		}

		p.touch()
		if err := p.out.send(ctx, item); err != nil {
			return nil
		}
	}
}

// Clock is a producer that emits an increasing count at hz. It is mostly
// useful as a clock for downstream stages and in tests.
func Clock(name string, hz float64, opts ...Option) *Producer[int64] {
	var n int64
	opts = append([]Option{WithRate(hz)}, opts...)
	return NewProducer(name, func(context.Context) (int64, error) {
		n++
		return n, nil
	}, opts...)
}
