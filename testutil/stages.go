package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/rtstreams/pipeline"
)

// DefaultWait bounds how long the Wait helpers poll before failing the test
const DefaultWait = 3 * time.Second

// SliceSource returns a producer that emits items in order and then idles
// until it is stopped.
func SliceSource[T any](name string, items []T, opts ...pipeline.Option) *pipeline.Producer[T] {
	var mu sync.Mutex
	next := 0
	return pipeline.NewProducer(name, func(context.Context) (T, error) {
		mu.Lock()
		defer mu.Unlock()

		var zero T
		if next >= len(items) {
			return zero, pipeline.ErrSkip
		}
		item := items[next]
		next++
		return item, nil
	}, opts...)
}

// Feed is a producer driven by the test: every value pushed with Push is
// emitted once, in order.
type Feed[T any] struct {
	*pipeline.Producer[T]
	queue *pipeline.Channel[T]
}

// NewFeed creates a test-driven producer
func NewFeed[T any](name string, opts ...pipeline.Option) *Feed[T] {
	f := &Feed[T]{queue: pipeline.NewChannel[T](0)}
	f.Producer = pipeline.NewProducer(name, func(ctx context.Context) (T, error) {
		return f.queue.Receive(ctx)
	}, opts...)
	return f
}

// Push queues items for emission
func (f *Feed[T]) Push(items ...T) {
	for _, item := range items {
		_ = f.queue.Send(context.Background(), item)
	}
}

// Collector records every item it consumes
type Collector[T any] struct {
	*pipeline.Sink[T]

	mu    sync.Mutex
	items []T
}

// NewCollector creates a sink reading from src that records every item
func NewCollector[T any](name string, src pipeline.Source[T], opts ...pipeline.Option) *Collector[T] {
	c := &Collector[T]{}
	c.Sink = pipeline.NewSink(name, src, func(_ context.Context, item T) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.items = append(c.items, item)
		return nil
	}, opts...)
	return c
}

// Items returns a copy of the items consumed so far
func (c *Collector[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of items consumed so far
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// WaitFor blocks until at least n items were consumed and returns them
func (c *Collector[T]) WaitFor(t *testing.T, n int) []T {
	t.Helper()
	if !Eventually(func() bool { return c.Len() >= n }, DefaultWait) {
		t.Fatalf("collector %s: timeout waiting for %d items (got %d)", c.Name(), n, c.Len())
	}
	return c.Items()
}

// WaitForState blocks until s reaches want
func WaitForState(t *testing.T, s pipeline.Stage, want pipeline.State) {
	t.Helper()
	if !Eventually(func() bool { return s.State() == want }, DefaultWait) {
		t.Fatalf("stage %s: timeout waiting for state %s (state %s)", s.Meta().Name, want, s.State())
	}
}

// Eventually polls cond every 5ms until it holds or timeout passes
func Eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// StartManager starts m and shuts it down when the test ends
func StartManager(t *testing.T, m *pipeline.Manager) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() {
		_ = m.Shutdown(2 * time.Second)
	})
}
