package tcpserver

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/pipeline"
	"github.com/c360/rtstreams/testutil"
)

const testPoll = 50 * time.Millisecond

func newTestManager(t *testing.T) *pipeline.Manager {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
	return pipeline.NewManager(pipeline.WithManagerName(t.Name()))
}

func newLayers(t *testing.T, m *pipeline.Manager) (*Reader[string], *Writer[string], *Server) {
	t.Helper()
	reader, writer, server, err := NewLayers[string](config.ServerConfig{
		Listen:     "127.0.0.1:0",
		QueueDepth: 8,
	}, network.WithPollInterval(testPoll), network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)
	return reader, writer, server
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	if !testutil.Eventually(func() bool { return s.Count() == n }, testutil.DefaultWait) {
		t.Fatalf("timeout waiting for %d clients (have %d)", n, s.Count())
	}
}

func TestServer_ReadsOnlyFromOldestClient(t *testing.T) {
	m := newTestManager(t)
	reader, writer, server := newLayers(t, m)
	writer.Attach(testutil.NewFeed[string]("idle", pipeline.WithManager(m)))
	got := testutil.NewCollector[string]("got", reader, pipeline.WithManager(m))
	testutil.StartManager(t, m)

	first := testutil.DialLines(t, server.Addr().String())
	waitForClients(t, server, 1)
	second := testutil.DialLines(t, server.Addr().String())
	waitForClients(t, server, 2)

	second.Send(t, "from-second")
	time.Sleep(3 * testPoll)
	assert.Zero(t, got.Len(), "newer client must not be read while the oldest is connected")

	first.Send(t, "from-first")
	assert.Equal(t, []string{"from-first"}, got.WaitFor(t, 1))

	require.NoError(t, first.Close())
	assert.Equal(t, []string{"from-first", "from-second"}, got.WaitFor(t, 2))
}

func TestServer_BroadcastSurvivesDroppedClient(t *testing.T) {
	m := newTestManager(t)
	_, writer, server := newLayers(t, m)
	lines := testutil.NewFeed[string]("lines", pipeline.WithManager(m))
	writer.Attach(lines)
	testutil.StartManager(t, m)

	a := testutil.DialLines(t, server.Addr().String())
	b := testutil.DialLines(t, server.Addr().String())
	c := testutil.DialLines(t, server.Addr().String())
	waitForClients(t, server, 3)

	require.NoError(t, c.Conn.(*net.TCPConn).SetLinger(0))
	require.NoError(t, c.Close())

	lines.Push("hello", "again")

	assert.Equal(t, "hello", a.ReadLine(t, testutil.DefaultWait))
	assert.Equal(t, "hello", b.ReadLine(t, testutil.DefaultWait))
	assert.Equal(t, "again", a.ReadLine(t, testutil.DefaultWait))
	assert.Equal(t, "again", b.ReadLine(t, testutil.DefaultWait))

	waitForClients(t, server, 2)
	assert.Equal(t, pipeline.StateRunning, writer.State())
}

func TestServer_DisconnectCleanup(t *testing.T) {
	m := newTestManager(t)
	reader, writer, server := newLayers(t, m)
	writer.Attach(testutil.NewFeed[string]("idle", pipeline.WithManager(m)))
	_ = testutil.NewCollector[string]("got", reader, pipeline.WithManager(m))
	testutil.StartManager(t, m)

	client := testutil.DialLines(t, server.Addr().String())
	waitForClients(t, server, 1)
	ids := server.Handlers()
	require.Len(t, ids, 1)
	_, err := uuid.Parse(ids[0])
	assert.NoError(t, err, "handler ids are uuids")

	require.NoError(t, client.Close())
	start := time.Now()
	waitForClients(t, server, 0)
	assert.Less(t, time.Since(start), 4*testPoll, "handler must leave the set within a poll interval")
	assert.Empty(t, server.Handlers())

	// Reading with no clients backs off and reports no data
	data, ok := server.Read(context.Background())
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.Zero(t, server.Write(context.Background(), []byte("nobody\n")))
}

func TestServer_ShutdownClosesEverything(t *testing.T) {
	m := newTestManager(t)
	reader, writer, server := newLayers(t, m)
	writer.Attach(testutil.NewFeed[string]("idle", pipeline.WithManager(m)))
	_ = testutil.NewCollector[string]("got", reader, pipeline.WithManager(m))
	require.NoError(t, m.Start(context.Background()))

	clients := []*testutil.LineClient{
		testutil.DialLines(t, server.Addr().String()),
		testutil.DialLines(t, server.Addr().String()),
	}
	waitForClients(t, server, 2)

	start := time.Now()
	require.NoError(t, m.Shutdown(time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, server.Closed())
	assert.Zero(t, server.Count())

	for _, c := range clients {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
		_, err := c.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	}

	_, err := net.DialTimeout("tcp", server.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestServer_StaysOpenUntilBothStagesStop(t *testing.T) {
	m := newTestManager(t)
	reader, writer, server := newLayers(t, m)
	writer.Attach(testutil.NewFeed[string]("idle", pipeline.WithManager(m)))

	require.NoError(t, reader.Stop(time.Second))
	assert.False(t, server.Closed())

	require.NoError(t, writer.Stop(time.Second))
	assert.True(t, server.Closed())

	_, err := NewTextReader(server, network.WithStageOptions(pipeline.WithManager(m)))
	assert.ErrorIs(t, err, errors.ErrServerClosed)
}

func TestServer_FullQueueLeavesDataInSocket(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	defer goleak.VerifyNone(t, ignore)

	server, err := Listen("127.0.0.1:0", WithQueueDepth(2), WithPollInterval(testPoll))
	require.NoError(t, err)
	require.NoError(t, server.acquire("test"))
	defer server.Close()

	client := testutil.DialLines(t, server.Addr().String())
	waitForClients(t, server, 1)

	// Separate writes with pauses so each arrives as its own chunk
	for _, msg := range []string{"1\n", "2\n", "3\n", "4\n"} {
		client.Send(t, msg)
		time.Sleep(2 * testPoll)
	}

	h := server.first()
	require.NotNil(t, h)
	assert.Equal(t, 2, h.queue.Len(), "a full queue stops reading")

	var got strings.Builder
	deadline := time.Now().Add(testutil.DefaultWait)
	for got.String() != "1\n2\n3\n4\n" && time.Now().Before(deadline) {
		if data, ok := server.Read(context.Background()); ok {
			got.Write(data)
		}
	}
	assert.Equal(t, "1\n2\n3\n4\n", got.String())
	assert.Zero(t, h.queue.Stats().Dropped)
	require.NoError(t, client.Close())
}

func TestServer_SlowClientIsNotDropped(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	defer goleak.VerifyNone(t, ignore)

	server, err := Listen("127.0.0.1:0", WithPollInterval(testPoll))
	require.NoError(t, err)
	require.NoError(t, server.acquire("test"))
	defer server.Close()

	conn, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadBuffer(4096))
	waitForClients(t, server, 1)

	const lines = 32
	line := append(bytes.Repeat([]byte("x"), 256<<10), Delimiter)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	delivered := make(chan int, 1)
	go func() {
		total := 0
		for i := 0; i < lines; i++ {
			total += server.Write(ctx, line)
		}
		delivered <- total
	}()

	// The client reads nothing for several write deadlines
	time.Sleep(6 * testPoll)
	assert.Equal(t, 1, server.Count(), "a client that pauses reading stays connected")

	reader := bufio.NewReaderSize(conn, len(line))
	for i := 0; i < lines; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(testutil.DefaultWait)))
		got, err := reader.ReadBytes(Delimiter)
		require.NoError(t, err)
		require.Len(t, got, len(line), "line %d arrived whole", i)
	}

	assert.Equal(t, lines, <-delivered)
	assert.Equal(t, 1, server.Count())
}

func TestServer_WriteStopsWithContext(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	defer goleak.VerifyNone(t, ignore)

	server, err := Listen("127.0.0.1:0", WithPollInterval(testPoll))
	require.NoError(t, err)
	require.NoError(t, server.acquire("test"))
	defer server.Close()

	conn, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadBuffer(4096))
	waitForClients(t, server, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 4*testPoll)
	defer cancel()

	// Far more than the socket buffers hold, never read
	big := bytes.Repeat([]byte("y"), 64<<20)
	start := time.Now()
	assert.Zero(t, server.Write(ctx, big))
	assert.Less(t, time.Since(start), testutil.DefaultWait)
	assert.Equal(t, 1, server.Count(), "ending the write does not disconnect the client")
}

func TestListen_BindConflictIsFatal(t *testing.T) {
	first, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()

	_, err = Listen(first.Addr().String())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrBindFailed)
}

func TestNewLayers_Names(t *testing.T) {
	m := newTestManager(t)
	reader, writer, server, err := NewLayers[int](config.ServerConfig{Listen: "127.0.0.1:0"},
		network.WithName("telemetry"), network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)
	defer server.Close()

	assert.Equal(t, "telemetry", server.Name())
	assert.Equal(t, "telemetry-reader", reader.Name())
	assert.Equal(t, "telemetry-writer", writer.Name())
}
