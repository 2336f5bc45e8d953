// Package tcp provides TCP client reader and writer stages.
//
// # Quick Start
//
//	reader, writer, err := tcp.NewLayers[int](ctx, config.TCPConfig{
//	    Remote:      "127.0.0.1:6000",
//	    BufferSize:  4096,
//	    DialTimeout: 2 * time.Second,
//	    DialRetries: 3,
//	})
//	if err != nil {
//	    return err // the peer was unreachable
//	}
//	writer.Attach(counter)
//
// The connection is made by Dial before any stage exists, with backoff between
// attempts. Both stages share it and the last one to stop closes it.
//
// # Stream Semantics
//
// The reader emits one item per successful receive of up to BufferSize bytes.
// TCP does not keep message boundaries, so a receive may hold part of a
// message or several. The writer writes the encoded item as is; callers that
// need framing add it in their encode function.
//
// # Errors
//
// End of stream or a reset connection stops the stage with ErrConnectionLost.
// There is no reconnect: a new connection means new stages.
package tcp
