package network

import (
	"context"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/c360/rtstreams/errors"
)

// Shared reference-counts a socket used by more than one stage. The socket is
// closed when the last holder releases it, or immediately by Close.
type Shared struct {
	mu       sync.Mutex
	closer   io.Closer
	refs     int
	closed   bool
	closeErr error
}

// NewShared wraps closer with no holders
func NewShared(closer io.Closer) *Shared {
	return &Shared{closer: closer}
}

// Acquire adds a holder. It returns ErrChannelClosed once the socket is closed.
func (s *Shared) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrChannelClosed
	}
	s.refs++
	return nil
}

// Release drops a holder and closes the socket when none remain
func (s *Shared) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs > 0 {
		s.refs--
	}
	if s.refs > 0 {
		return nil
	}
	return s.closeLocked()
}

// Close closes the socket regardless of holders
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Shared) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeErr = s.closer.Close()
	if errors.Is(s.closeErr, net.ErrClosed) {
		s.closeErr = nil
	}
	return s.closeErr
}

// Closed reports whether the socket has been closed
func (s *Shared) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Refs returns the number of current holders
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// IsTimeout reports whether err is an expired socket deadline
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err comes from using a closed socket
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// IsConnectionLost reports whether err means the peer is gone or the socket
// was closed under us
func IsConnectionLost(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		IsClosed(err)
}

// WriteFull writes all of data to conn. Each write waits at most poll, and
// writes that time out are retried until ctx ends, so a peer that stops
// reading cannot hold up shutdown.
func WriteFull(ctx context.Context, conn net.Conn, data []byte, poll time.Duration) (int, error) {
	written := 0
	for written < len(data) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(poll))
		n, err := conn.Write(data[written:])
		written += n
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return written, err
		}
	}
	return written, nil
}
