package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/rtstreams/errors"
)

func drain[T any](t *testing.T, ch *Channel[T]) []T {
	t.Helper()
	var out []T
	for {
		item, ok := ch.TryReceive()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

func TestChannel_FIFO(t *testing.T) {
	ch := NewChannel[int](0)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, ch.Send(ctx, i))
	}
	assert.Equal(t, 100, ch.Len())

	for i := 0; i < 100; i++ {
		item, err := ch.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, item)
	}

	stats := ch.Stats()
	assert.Equal(t, int64(100), stats.Sent)
	assert.Equal(t, int64(100), stats.Received)
	assert.Equal(t, int64(0), stats.Dropped)
}

func TestChannel_FIFOAcrossWraparound(t *testing.T) {
	ch := NewChannel[int](4)
	ctx := context.Background()

	next := 0
	for round := 0; round < 10; round++ {
		for ch.Len() < ch.Cap() {
			require.NoError(t, ch.Send(ctx, next))
			next++
		}
		item, err := ch.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, round, item)
	}
}

func TestChannel_OverflowPolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  OverflowPolicy
		want    []int
		dropped int64
	}{
		{"drop oldest", DropOldest, []int{3, 4}, 2},
		{"drop newest", DropNewest, []int{1, 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hooked int
			ch := NewChannel[int](2, WithOverflowPolicy(tt.policy), withDropHook(func() { hooked++ }))
			for i := 1; i <= 4; i++ {
				require.NoError(t, ch.Send(context.Background(), i))
			}

			assert.Equal(t, tt.want, drain(t, ch))
			assert.Equal(t, tt.dropped, ch.Stats().Dropped)
			assert.Equal(t, int(tt.dropped), hooked)
		})
	}
}

func TestChannel_BlockWaitsForRoom(t *testing.T) {
	ch := NewChannel[int](1)
	require.NoError(t, ch.Send(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ch.Send(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sent := make(chan error, 1)
	go func() {
		sent <- ch.Send(context.Background(), 3)
	}()

	item, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, item)

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked send never completed")
	}
	assert.Equal(t, []int{3}, drain(t, ch))
}

func TestChannel_ReceiveWakesOnSend(t *testing.T) {
	ch := NewChannel[string](0)

	got := make(chan string, 1)
	go func() {
		item, err := ch.Receive(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Send(context.Background(), "hello"))

	select {
	case item := <-got:
		assert.Equal(t, "hello", item)
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken")
	}
}

func TestChannel_ReceiveHonoursContext(t *testing.T) {
	ch := NewChannel[int](0)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Receive(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("receive ignored cancellation")
	}
}

func TestChannel_CloseDrainsThenFails(t *testing.T) {
	ch := NewChannel[int](0)
	ctx := context.Background()
	require.NoError(t, ch.Send(ctx, 1))
	require.NoError(t, ch.Send(ctx, 2))

	ch.Close()
	ch.Close()
	assert.True(t, ch.Closed())
	assert.ErrorIs(t, ch.Send(ctx, 3), errors.ErrChannelClosed)

	item, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, item)
	item, err = ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, item)

	_, err = ch.Receive(ctx)
	assert.ErrorIs(t, err, errors.ErrChannelClosed)
}

func TestChannel_CloseWakesBlockedSender(t *testing.T) {
	ch := NewChannel[int](1)
	require.NoError(t, ch.Send(context.Background(), 1))

	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Send(context.Background(), 2)
	}()

	time.Sleep(10 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errors.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked sender was not woken by Close")
	}
}

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "block", Block.String())
	assert.Equal(t, "drop_oldest", DropOldest.String())
	assert.Equal(t, "drop_newest", DropNewest.String())
	assert.Equal(t, "unknown", OverflowPolicy(42).String())
}
