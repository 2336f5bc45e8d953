// Package network holds what the socket endpoint packages share: payload
// codecs, endpoint options, and reference-counted sockets.
//
// Endpoints live in sub-packages:
//
//   - udp: datagram reader and writer stages
//   - tcp: client reader and writer stages over one dialed connection
//   - tcpserver: a multi-client TCP server exposed as a reader and a
//     broadcasting writer
//   - natsbridge: stages that publish to and subscribe from NATS subjects
//   - websocket: a bridge that broadcasts items to browser clients and routes
//     their events into signal ports
//
// Every reader is a pipeline producer and every writer a pipeline sink. Reads
// wait on a socket deadline no longer than the poll interval, so stopping a
// stage never waits on the network. Endpoint stages default to
// pipeline.StopOnError: a lost socket ends the stage, never the pipeline.
//
// # Codecs
//
// Inbound bytes are decoded with a ParseFunc, UTF-8 text by default. Outbound
// items are encoded with an EncodeFunc, by default the UTF-8 text of the item's
// string form with byte slices passed through. Decode and encode failures are
// classified invalid: the item is dropped and the stage keeps running.
package network
