// Package retry runs connect-style operations with exponential backoff.
//
// Do and Value run a function until it succeeds, the Policy's attempts are
// spent, the context ends, or the function returns an error wrapped with
// Stop. Delays come from github.com/cenkalti/backoff/v4.
//
// The TCP client endpoint dials through this package and logs each failed
// attempt:
//
//	conn, err := retry.Value(ctx, retry.DialPolicy(), func() (net.Conn, error) {
//	    return dialer.DialContext(ctx, "tcp", addr)
//	}, func(attempt int, err error, wait time.Duration) {
//	    logger.Debug("Dial failed, retrying", "attempt", attempt, "wait", wait, "error", err)
//	})
package retry
