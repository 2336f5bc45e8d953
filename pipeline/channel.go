package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/rtstreams/errors"
)

// OverflowPolicy defines how a bounded Channel behaves when it is full.
type OverflowPolicy int

const (
	// Block makes Send wait until there is room or the context ends.
	Block OverflowPolicy = iota

	// DropOldest discards the oldest queued item to make room.
	DropOldest

	// DropNewest discards the item being sent.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ChannelOption configures a Channel.
type ChannelOption func(*channelConfig)

type channelConfig struct {
	policy OverflowPolicy
	onDrop func()
}

// WithOverflowPolicy sets the overflow behavior of a bounded channel.
// Unbounded channels never overflow and ignore it.
func WithOverflowPolicy(policy OverflowPolicy) ChannelOption {
	return func(c *channelConfig) {
		c.policy = policy
	}
}

// withDropHook is used by stages to count drops in their own metrics.
func withDropHook(fn func()) ChannelOption {
	return func(c *channelConfig) {
		c.onDrop = fn
	}
}

// ChannelStats is a snapshot of a channel's counters.
type ChannelStats struct {
	Sent     int64
	Received int64
	Dropped  int64
}

// Channel is a FIFO conduit carrying items from one writer stage to one reader
// stage. Items are delivered in send order and at most once; under the Block
// policy every successfully sent item is delivered exactly once.
type Channel[T any] struct {
	mu       sync.Mutex
	items    []T // ring buffer
	head     int
	size     int
	capacity int // 0 = unbounded
	closed   bool
	changed  chan struct{} // closed and replaced on every state change

	cfg channelConfig

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
}

// NewChannel creates a channel. A capacity <= 0 makes it unbounded.
func NewChannel[T any](capacity int, opts ...ChannelOption) *Channel[T] {
	if capacity < 0 {
		capacity = 0
	}
	initial := capacity
	if initial == 0 {
		initial = 16
	}

	ch := &Channel[T]{
		items:    make([]T, initial),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&ch.cfg)
		}
	}
	return ch
}

// notifyLocked wakes every goroutine waiting on the current state.
func (c *Channel[T]) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel[T]) pushLocked(item T) {
	if c.size == len(c.items) {
		grown := make([]T, len(c.items)*2)
		for i := 0; i < c.size; i++ {
			grown[i] = c.items[(c.head+i)%len(c.items)]
		}
		c.items = grown
		c.head = 0
	}
	c.items[(c.head+c.size)%len(c.items)] = item
	c.size++
}

func (c *Channel[T]) popLocked() T {
	var zero T
	item := c.items[c.head]
	c.items[c.head] = zero
	c.head = (c.head + 1) % len(c.items)
	c.size--
	return item
}

func (c *Channel[T]) drop() {
	c.dropped.Add(1)
	if c.cfg.onDrop != nil {
		c.cfg.onDrop()
	}
}

// Send appends item to the channel. On a full bounded channel the overflow
// policy decides: Block waits until there is room or ctx ends, DropOldest
// evicts the head, DropNewest discards item and returns nil.
// Sending on a closed channel returns ErrChannelClosed.
func (c *Channel[T]) Send(ctx context.Context, item T) error {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return errors.ErrChannelClosed
		}
		if c.capacity == 0 || c.size < c.capacity {
			break
		}

		switch c.cfg.policy {
		case DropOldest:
			c.popLocked()
			c.drop()
			continue
		case DropNewest:
			c.mu.Unlock()
			c.drop()
			return nil
		}

		wait := c.changed
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		c.mu.Lock()
	}

	c.pushLocked(item)
	c.sent.Add(1)
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

// Receive removes and returns the oldest item, blocking until one is available
// or ctx ends. After Close, remaining items are still drained; once empty,
// Receive returns ErrChannelClosed.
func (c *Channel[T]) Receive(ctx context.Context) (T, error) {
	var zero T

	c.mu.Lock()
	for c.size == 0 {
		if c.closed {
			c.mu.Unlock()
			return zero, errors.ErrChannelClosed
		}
		wait := c.changed
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
		c.mu.Lock()
	}

	item := c.popLocked()
	c.received.Add(1)
	c.notifyLocked()
	c.mu.Unlock()
	return item, nil
}

// TryReceive returns the oldest item without blocking.
func (c *Channel[T]) TryReceive() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.size == 0 {
		var zero T
		return zero, false
	}
	item := c.popLocked()
	c.received.Add(1)
	c.notifyLocked()
	return item, true
}

// Close marks the channel closed and wakes all waiters. It is safe to call more than once.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.notifyLocked()
}

// Closed reports whether Close has been called.
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len returns the number of queued items.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Cap returns the capacity, 0 for unbounded channels.
func (c *Channel[T]) Cap() int {
	return c.capacity
}

// Stats returns a snapshot of the channel counters.
func (c *Channel[T]) Stats() ChannelStats {
	return ChannelStats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
	}
}
