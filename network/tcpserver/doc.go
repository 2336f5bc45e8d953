// Package tcpserver provides a multi-client TCP server with reader and writer
// stages on top of it.
//
// # Quick Start
//
//	reader, writer, server, err := tcpserver.NewLayers[string](config.ServerConfig{
//	    Listen:     "0.0.0.0:7000",
//	    BufferSize: 4096,
//	    QueueDepth: 64,
//	})
//	if err != nil {
//	    return err // bind failures are fatal
//	}
//	writer.Attach(status)
//	log.Printf("listening on %s", server.Addr())
//
// # Connection Handling
//
// Every accepted client gets a handler with its own goroutine and a bounded
// queue of received chunks. When the queue is full the handler stops reading
// and the rest waits in the socket, so the client is slowed by TCP flow
// control rather than losing data. A handler that hits end of stream or an
// error shuts itself down, leaves the active set and closes its connection
// within one poll interval.
//
// # Reading
//
// The reader only takes data from the oldest connected client. Data from
// clients that connected later stays queued until every older client has
// gone. There is no round-robin.
//
// # Writing
//
// The writer appends a newline to each item and sends it to every connected
// client. A client that is slow to read holds the write until it catches up
// or the writer stops; it is not disconnected. A client whose connection
// fails is shut down; the others still receive the item.
//
// # Lifecycle
//
// Listen binds immediately; clients are accepted from the moment the first
// stage attaches. The server closes when both stages have stopped, or
// directly through Close.
package tcpserver
