package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sliceSource emits items in order and then idles until stopped.
func sliceSource[T any](m *Manager, name string, items ...T) *Producer[T] {
	i := 0
	return NewProducer(name, func(ctx context.Context) (T, error) {
		var zero T
		if i >= len(items) {
			return zero, ErrSkip
		}
		item := items[i]
		i++
		return item, nil
	}, WithManager(m))
}

type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collector[T]) add(_ context.Context, item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	return nil
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *collector[T]) waitFor(t *testing.T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return c.len() >= n }, 2*time.Second, 5*time.Millisecond,
		"expected at least %d items", n)
	return c.snapshot()
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		_ = m.Shutdown(2 * time.Second)
	})
}

func waitState(t *testing.T, s Stage, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"stage %s never reached %s (state %s)", s.Meta().Name, want, s.State())
}
