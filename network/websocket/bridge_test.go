package websocket

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/pipeline"
	"github.com/c360/rtstreams/testutil"
)

type reading struct {
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
}

func newTestManager(t *testing.T) *pipeline.Manager {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
	return pipeline.NewManager(pipeline.WithManagerName(t.Name()))
}

func testConfig() config.WebSocketConfig {
	return config.WebSocketConfig{Listen: "127.0.0.1:0", Path: "/ws", WriteTimeout: time.Second}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testutil.DefaultWait))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func waitForClients(t *testing.T, b interface{ Clients() int }, n int) {
	t.Helper()
	require.True(t, testutil.Eventually(func() bool { return b.Clients() == n }, testutil.DefaultWait),
		"want %d clients, have %d", n, b.Clients())
}

func TestBridge_BroadcastsToEveryClient(t *testing.T) {
	m := newTestManager(t)
	readings := testutil.NewFeed[reading]("readings", pipeline.WithManager(m))

	bridge, err := NewBridge[reading](readings, testConfig(), m.Metrics(),
		network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)
	assert.Equal(t, "websocket", bridge.Name())

	a := dial(t, bridge.URL())
	b := dial(t, bridge.URL())
	waitForClients(t, bridge, 2)

	testutil.StartManager(t, m)
	readings.Push(reading{Sensor: "t1", Value: 21.5})

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		assert.Equal(t, TypeData, env.Type)
		assert.Equal(t, "msg-1", env.ID)
		assert.JSONEq(t, `{"sensor":"t1","value":21.5}`, string(env.Payload))
	}
	assert.True(t, testutil.Eventually(func() bool { return bridge.Messages() == 2 }, testutil.DefaultWait))
}

func TestBridge_SignalFramesRaiseEvents(t *testing.T) {
	m := newTestManager(t)
	feed := testutil.NewFeed[int]("numbers", pipeline.WithManager(m))

	bridge, err := NewBridge[int](feed, testConfig(), nil, network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)

	clicks := make(chan Event, 4)
	bridge.OnSignal(bridge.Port("click"), func(payload any) {
		if ev, ok := payload.(Event); ok {
			clicks <- ev
		}
	})

	testutil.StartManager(t, m)
	conn := dial(t, bridge.URL())
	waitForClients(t, bridge, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeSignal}))
	require.NoError(t, conn.WriteJSON(Envelope{
		Type:    TypeSignal,
		Signal:  "click",
		Payload: json.RawMessage(`{"x":3,"y":4}`),
	}))

	select {
	case ev := <-clicks:
		assert.JSONEq(t, `{"x":3,"y":4}`, string(ev.Payload))
		assert.NotEmpty(t, ev.Client)
	case <-time.After(testutil.DefaultWait):
		t.Fatal("timeout waiting for click event")
	}
	assert.Equal(t, int64(1), bridge.Events())
	assert.Equal(t, int64(1), bridge.Port("click").Raised())
}

func TestBridge_DisconnectedClientIsRemoved(t *testing.T) {
	m := newTestManager(t)
	feed := testutil.NewFeed[string]("words", pipeline.WithManager(m))

	bridge, err := NewBridge[string](feed, testConfig(), nil, network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)
	testutil.StartManager(t, m)

	stays := dial(t, bridge.URL())
	leaves := dial(t, bridge.URL())
	waitForClients(t, bridge, 2)

	require.NoError(t, leaves.Close())
	waitForClients(t, bridge, 1)

	feed.Push("still here")
	env := readEnvelope(t, stays)
	assert.Equal(t, `"still here"`, string(env.Payload))
}

func TestBridge_ShutdownClosesClients(t *testing.T) {
	m := newTestManager(t)
	feed := testutil.NewFeed[string]("words", pipeline.WithManager(m))

	bridge, err := NewBridge[string](feed, testConfig(), m.Metrics(), network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)
	require.NoError(t, m.Start(t.Context()))

	conn := dial(t, bridge.URL())
	waitForClients(t, bridge, 1)
	url := bridge.URL()

	require.NoError(t, m.Shutdown(time.Second))
	assert.Zero(t, bridge.Clients())

	_ = conn.SetReadDeadline(time.Now().Add(testutil.DefaultWait))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)

	// The histogram was released with the stage
	assert.False(t, m.Metrics().Unregister(bridge.Name(), "broadcast_duration"))
}

func TestBridge_StopWithoutStart(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	defer goleak.VerifyNone(t, ignore)

	bridge, err := NewBridge[int](nil, testConfig(), nil, network.WithStageOptions(pipeline.WithoutManager()))
	require.NoError(t, err)

	require.NoError(t, bridge.Stop(time.Second))
	_, err = net.DialTimeout("tcp", bridge.Addr(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestNewBridge_Errors(t *testing.T) {
	t.Run("missing listen address", func(t *testing.T) {
		_, err := NewBridge[int](nil, config.WebSocketConfig{}, nil)
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
		assert.ErrorIs(t, err, errors.ErrMissingConfig)
	})

	t.Run("address in use", func(t *testing.T) {
		taken, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer taken.Close()

		cfg := testConfig()
		cfg.Listen = taken.Addr().String()
		_, err = NewBridge[int](nil, cfg, nil)
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
		assert.ErrorIs(t, err, errors.ErrBindFailed)
	})
}

func TestBridge_Defaults(t *testing.T) {
	bridge, err := NewBridge[int](nil, config.WebSocketConfig{Listen: "127.0.0.1:0"}, nil,
		network.WithName("viz"), network.WithStageOptions(pipeline.WithoutManager()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Stop(time.Second) })

	assert.Equal(t, "viz", bridge.Name())
	assert.Equal(t, DefaultPath, bridge.path)
	assert.Equal(t, DefaultWriteTimeout, bridge.writeTimeout)
	assert.Equal(t, "ws://"+bridge.Addr()+"/ws", bridge.URL())
}
