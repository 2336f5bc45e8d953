package testutil

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

// LineClient is a TCP client that reads newline-delimited messages
type LineClient struct {
	net.Conn
	reader *bufio.Reader
}

// DialLines connects to addr, retrying briefly while the listener comes up
func DialLines(t *testing.T, addr string) *LineClient {
	t.Helper()

	var conn net.Conn
	var err error
	ok := Eventually(func() bool {
		conn, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
		return err == nil
	}, DefaultWait)
	if !ok {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &LineClient{Conn: conn, reader: bufio.NewReader(conn)}
}

// ReadLine reads one line without its trailing newline
func (c *LineClient) ReadLine(t *testing.T, timeout time.Duration) string {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read line from %s: %v", c.RemoteAddr(), err)
	}
	return strings.TrimSuffix(line, "\n")
}

// Send writes data to the server
func (c *LineClient) Send(t *testing.T, data string) {
	t.Helper()

	_ = c.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := c.Write([]byte(data)); err != nil {
		t.Fatalf("write to %s: %v", c.RemoteAddr(), err)
	}
}

// ListenUDP binds a loopback UDP socket on a free port and closes it when the test ends
func ListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
