package tcp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360/rtstreams/config"
	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/network"
	"github.com/c360/rtstreams/pipeline"
	"github.com/c360/rtstreams/pkg/retry"
	"github.com/c360/rtstreams/testutil"
)

// peer accepts a single connection on a loopback listener
type peer struct {
	listener net.Listener
	accepted chan net.Conn
}

func newPeer(t *testing.T) *peer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &peer{listener: ln, accepted: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(p.accepted)
			return
		}
		p.accepted <- conn
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return p
}

func (p *peer) addr() string {
	return p.listener.Addr().String()
}

func (p *peer) conn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn, ok := <-p.accepted:
		require.True(t, ok, "accept failed")
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(testutil.DefaultWait):
		t.Fatal("timeout waiting for client connection")
		return nil
	}
}

func newTestManager(t *testing.T) *pipeline.Manager {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
	return pipeline.NewManager(pipeline.WithManagerName(t.Name()))
}

func TestLayers_WritesTextAndReadsReplies(t *testing.T) {
	m := newTestManager(t)
	p := newPeer(t)

	reader, writer, err := NewLayers[int](context.Background(), config.TCPConfig{
		Remote:     p.addr(),
		BufferSize: 64,
	}, network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)
	assert.Equal(t, "tcp-reader", reader.Name())
	assert.Equal(t, "tcp-writer", writer.Name())

	numbers := testutil.NewFeed[int]("numbers", pipeline.WithManager(m))
	writer.Attach(numbers)
	got := testutil.NewCollector[string]("got", reader, pipeline.WithManager(m))

	testutil.StartManager(t, m)
	server := p.conn(t)

	numbers.Push(100)

	buf := make([]byte, 3)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(testutil.DefaultWait)))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "100", string(buf), "no delimiter is appended")

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pong"}, got.WaitFor(t, 1))

	assert.Equal(t, int64(1), writer.Packets())
	assert.Equal(t, int64(1), reader.Packets())
}

func TestReader_StopsWhenPeerCloses(t *testing.T) {
	m := newTestManager(t)
	p := newPeer(t)

	conn, err := Dial(context.Background(), p.addr())
	require.NoError(t, err)
	reader, err := NewTextReader(conn, network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)
	_ = testutil.NewCollector[string]("got", reader, pipeline.WithManager(m))

	testutil.StartManager(t, m)
	require.NoError(t, p.conn(t).Close())

	testutil.WaitForState(t, reader, pipeline.StateFailed)
	assert.ErrorIs(t, reader.Err(), errors.ErrConnectionLost)
	assert.True(t, errors.IsTransient(reader.Err()))
	assert.True(t, conn.shared.Closed(), "released connection must be closed")
}

func TestWriter_StopsWhenPeerIsGone(t *testing.T) {
	m := newTestManager(t)
	p := newPeer(t)

	conn, err := Dial(context.Background(), p.addr())
	require.NoError(t, err)

	words := testutil.NewFeed[string]("words", pipeline.WithManager(m))
	writer, err := NewWriter[string](words, conn, nil, network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)

	testutil.StartManager(t, m)
	server := p.conn(t)
	require.NoError(t, server.(*net.TCPConn).SetLinger(0))
	require.NoError(t, server.Close())

	// A reset peer fails the write on the first or second attempt
	ok := testutil.Eventually(func() bool {
		words.Push("ping")
		return writer.State() == pipeline.StateFailed
	}, testutil.DefaultWait)
	require.True(t, ok, "writer still %s", writer.State())
	assert.True(t, errors.IsTransient(writer.Err()))
}

func TestLayers_ShutdownClosesConnection(t *testing.T) {
	m := newTestManager(t)
	p := newPeer(t)

	reader, writer, err := NewLayers[string](context.Background(), config.TCPConfig{Remote: p.addr()},
		network.WithName("link"), network.WithStageOptions(pipeline.WithManager(m)))
	require.NoError(t, err)
	assert.Equal(t, "link-reader", reader.Name())
	assert.Equal(t, "link-writer", writer.Name())
	assert.Equal(t, 2, reader.conn.shared.Refs())

	writer.Attach(testutil.NewFeed[string]("words", pipeline.WithManager(m)))
	require.NoError(t, m.Start(context.Background()))
	server := p.conn(t)

	start := time.Now()
	require.NoError(t, m.Shutdown(time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, reader.conn.shared.Closed())

	// The peer sees end of stream
	require.NoError(t, server.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDial_GivesUpAfterAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr,
		WithDialAttempts(2),
		WithDialTimeout(100*time.Millisecond),
		WithDialBackoff(retry.Policy{Initial: time.Millisecond, Max: time.Millisecond}))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestDial_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, "127.0.0.1:1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewReader_ClosedConnection(t *testing.T) {
	p := newPeer(t)

	conn, err := Dial(context.Background(), p.addr())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = NewTextReader(conn, network.WithStageOptions(pipeline.WithoutManager()))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}
