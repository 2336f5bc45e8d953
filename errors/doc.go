// Package errors provides the error classification used by every stage and endpoint
// in rtstreams.
//
// # Overview
//
// Failures are sorted into three classes, and the class decides what the runtime
// does with the failure:
//
//   - Transient: an I/O failure local to one endpoint or connection handler
//     (connection reset, broken pipe, EOF on a stream, timeouts). The endpoint
//     that observed it shuts itself down. Nothing else in the pipeline is affected.
//   - Invalid: malformed input such as a datagram that is not valid UTF-8. The
//     item is logged and dropped; the loop keeps running.
//   - Fatal: no valid resource to run on, for example a bind failure or an
//     invalid configuration. Construction fails and the error reaches the caller.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format "stage.op: action failed: cause":
//
//	conn, err := net.ListenUDP("udp", addr)
//	if err != nil {
//	    return nil, errors.WrapFatal(err, "udp", "Listen", "bind socket")
//	}
//
// The wrapped error keeps the cause in its chain, so errors.Is and errors.As work
// against the original sentinel or syscall error.
//
// # Classification
//
// Classify looks for a ClassifiedError in the chain first. Otherwise it checks a
// table of sentinel and syscall errors and, as a last resort, message fragments. net.Error timeouts, io.EOF, net.ErrClosed and the
// ECONNRESET / ECONNABORTED / EPIPE family are transient. EADDRINUSE and the
// configuration sentinels are fatal. ErrInvalidData, ErrParsingFailed and
// ErrEncodeFailed are invalid.
//
//	switch errors.Classify(err) {
//	case errors.ErrorInvalid:
//	    logger.Debug("Dropping malformed item", "error", err)
//	case errors.ErrorTransient:
//	    return err // endpoint stops, peers keep running
//	case errors.ErrorFatal:
//	    return err
//	}
package errors
