package pipeline

import (
	"context"
	"sync"

	"github.com/c360/rtstreams/errors"
)

// outputs holds the output channels of a producer or transform. Every emitted
// item is sent to each channel in subscription order.
type outputs[T any] struct {
	owner *core

	mu     sync.RWMutex
	chans  []*Channel[T]
	closed bool
}

func newOutputs[T any](owner *core) *outputs[T] {
	return &outputs[T]{owner: owner}
}

func (o *outputs[T]) subscribe(opts []ChannelOption) *Channel[T] {
	all := make([]ChannelOption, 0, len(opts)+2)
	all = append(all,
		WithOverflowPolicy(o.owner.settings.overflow),
		withDropHook(func() { o.owner.countDrop("overflow") }),
	)
	all = append(all, opts...)
	ch := NewChannel[T](o.owner.settings.channelCapacity, all...)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		ch.Close()
		return ch
	}
	o.chans = append(o.chans, ch)
	return ch
}

// send delivers item to every output. It only fails when ctx ends while a
// blocking channel is full.
func (o *outputs[T]) send(ctx context.Context, item T) error {
	o.mu.RLock()
	chans := o.chans
	o.mu.RUnlock()

	for _, ch := range chans {
		if err := ch.Send(ctx, item); err != nil {
			if errors.Is(err, errors.ErrChannelClosed) {
				continue
			}
			return err
		}
	}
	o.owner.countOut()
	return nil
}

func (o *outputs[T]) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true
	for _, ch := range o.chans {
		ch.Close()
	}
}

func (o *outputs[T]) count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.chans)
}
