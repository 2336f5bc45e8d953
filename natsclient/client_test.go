package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/metric"
)

// unreachable is a local port nothing listens on
const unreachable = "nats://127.0.0.1:1"

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Zero(t, client.Subscriptions())
	assert.True(t, client.Health().IsUnhealthy())
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithCircuitBreaker(0, time.Minute))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithCircuitBreaker(3, time.Millisecond))
	assert.Error(t, err)
}

func TestConnectionStatus_String(t *testing.T) {
	for _, s := range []ConnectionStatus{StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting, StatusCircuitOpen} {
		assert.NotEqual(t, "unknown", s.String())
	}
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestConnect_OpensCircuit(t *testing.T) {
	client, err := NewClient(unreachable,
		WithTimeout(100*time.Millisecond),
		WithCircuitBreaker(2, time.Minute),
	)
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, 2, client.Failures())

	// Fails fast without dialing while open
	assert.Same(t, ErrCircuitOpen, client.Connect(context.Background()))
	assert.Equal(t, 2, client.Failures())
}

func TestConnect_CancelledContext(t *testing.T) {
	client, err := NewClient(unreachable, WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 1, client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestNotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()
	noop := func(context.Context, []byte) {}

	assert.ErrorIs(t, client.Publish(ctx, "a", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, client.Subscribe(ctx, "a", noop), ErrNotConnected)
	assert.ErrorIs(t, client.Flush(ctx), ErrNotConnected)
	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, client.Subscribe(cancelled, "a", noop), context.Canceled)
}

func TestClose_Twice(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()))
	assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)
}

func TestStatusChanges(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	changes := make(chan ConnectionStatus, 8)
	client, err := NewClient("nats://localhost:4222",
		WithMetrics(registry),
		WithStatusCallback(func(s ConnectionStatus) { changes <- s }),
	)
	require.NoError(t, err)
	gauge := registry.CoreMetrics().NATSConnected

	client.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))
	assert.True(t, client.Health().IsHealthy())

	client.setStatus(StatusReconnecting)
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
	assert.True(t, client.Health().IsDegraded())

	// Repeating a status is not a change
	client.setStatus(StatusReconnecting)

	var got []ConnectionStatus
	for len(got) < 2 {
		select {
		case s := <-changes:
			got = append(got, s)
		case <-time.After(time.Second):
			t.Fatalf("status callbacks: got %v", got)
		}
	}
	assert.ElementsMatch(t, []ConnectionStatus{StatusConnected, StatusReconnecting}, got)
	assert.Empty(t, changes)
}

func TestNatsOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "secret"),
		WithName("rtstreams"),
	)
	require.NoError(t, err)

	// 8 defaults plus name and credentials
	assert.Len(t, client.natsOptions(), 10)
}
