// Package udp provides datagram reader and writer stages.
//
// # Quick Start
//
// Bind one socket and use it for both directions:
//
//	reader, writer, err := udp.NewLayers[int](config.UDPConfig{
//	    Local:      "0.0.0.0:5000",
//	    Remote:     "127.0.0.1:5001",
//	    BufferSize: 1024,
//	})
//	if err != nil {
//	    return err // bind failures are fatal
//	}
//	writer.Attach(counter)
//
// The reader emits each datagram decoded as UTF-8 text; the writer sends the
// text form of each item as one datagram. NewLayersWithCodec takes custom
// parse and encode functions.
//
// # Sockets
//
// Listen binds a socket that any number of readers and writers can share. Each
// stage releases the socket when it stops and the last release closes it.
// NewWriterTo opens its own unbound socket on the first send.
//
// # Errors
//
// Reads wait at most the poll interval; an expired deadline only means no data
// yet. Any other receive or send error stops the stage in StateFailed and is
// never retried. Payloads that fail to decode are dropped and counted.
//
// # Metrics
//
// Every datagram is counted by the reader or writer (Packets) and in the
// rtstreams_endpoint_packets_total and rtstreams_endpoint_bytes_total series
// with direction "in" or "out".
package udp
