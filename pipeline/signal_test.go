package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalPort_BroadcastsToAllSubscribers(t *testing.T) {
	port := NewSignalPort("click")

	var a, b atomic.Int64
	subA := port.Subscribe(func(p any) { a.Add(int64(p.(int))) })
	subB := port.Subscribe(func(p any) { b.Add(int64(p.(int))) })
	defer subA.Cancel()
	defer subB.Cancel()

	assert.Equal(t, 2, port.Subscribers())

	port.Raise(1)
	port.Raise(2)

	require.Eventually(t, func() bool { return a.Load() == 3 && b.Load() == 3 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), port.Raised())
	assert.Equal(t, int64(4), port.Delivered())
}

func TestSignalPort_PreservesOrderPerSubscriber(t *testing.T) {
	port := NewSignalPort("seq")

	var mu sync.Mutex
	var got []int
	sub := port.Subscribe(func(p any) {
		mu.Lock()
		got = append(got, p.(int))
		mu.Unlock()
	})
	defer sub.Cancel()

	for i := 0; i < 50; i++ {
		port.Raise(i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 50
	}, time.Second, 5*time.Millisecond)

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSignalPort_SlowHandlerIsolated(t *testing.T) {
	port := NewSignalPort("click")

	release := make(chan struct{})
	slow := port.Subscribe(func(any) { <-release })
	var fast atomic.Int64
	quick := port.Subscribe(func(any) { fast.Add(1) })
	defer quick.Cancel()

	start := time.Now()
	for i := 0; i < 10; i++ {
		port.Raise(i)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Raise must not wait for handlers")

	require.Eventually(t, func() bool { return fast.Load() == 10 }, time.Second, 5*time.Millisecond)
	assert.Positive(t, slow.Pending())

	close(release)
	slow.Cancel()
	<-slow.Done()
}

func TestSignalPort_HandlerPanicIsContained(t *testing.T) {
	port := NewSignalPort("boom")

	var calls atomic.Int64
	sub := port.Subscribe(func(p any) {
		calls.Add(1)
		if p == "panic" {
			panic("handler exploded")
		}
	})
	defer sub.Cancel()

	port.Raise("panic")
	port.Raise("ok")

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return port.Delivered() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscription_Cancel(t *testing.T) {
	port := NewSignalPort("click")

	var calls atomic.Int64
	sub := port.Subscribe(func(any) { calls.Add(1) })

	sub.Cancel()
	sub.Cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not exit after Cancel")
	}
	assert.Equal(t, 0, port.Subscribers())

	port.Raise(1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load())
}

func TestSignalPort_NoReplayForLateSubscribers(t *testing.T) {
	port := NewSignalPort("click")
	port.Raise("early")

	var calls atomic.Int64
	sub := port.Subscribe(func(any) { calls.Add(1) })
	defer sub.Cancel()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load())

	port.Raise("late")
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}
