// Package rtstreams is a small runtime for real-time data pipelines: stages
// that produce, transform and consume typed values, connected by bounded
// channels and driven by one manager.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Manager                  │  Stage lifecycle, health,
//	│   (start, stop, poll, supervise)    │  metrics registry
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│             Stages                  │  Producer, Transform,
//	│  (producer, transform, sink)        │  Sink, signal ports
//	└─────────────────────────────────────┘
//	           ↓ talk to the outside via
//	┌─────────────────────────────────────┐
//	│         Network layers              │  UDP, TCP client, TCP server,
//	│   (reader/writer pairs)             │  NATS, WebSocket fan-out
//	└─────────────────────────────────────┘
//
// # Packages
//
//   - pipeline: stages, channels, manager, error policies, signal ports
//   - network: shared options and text/JSON codecs for the layer packages
//   - network/udp, network/tcp, network/tcpserver: socket reader/writer pairs
//   - network/natsbridge: subject reader/writer pairs over a NATS connection
//   - network/websocket: broadcast sink with client signal frames
//   - natsclient: managed NATS connection with reconnect and circuit breaker
//   - config: YAML + environment configuration
//   - errors: classified errors (transient, invalid, fatal)
//   - metric: Prometheus registry and metrics endpoint
//   - health: health status aggregation
//   - pkg/retry: exponential backoff helpers
//
// # Example
//
//	m := pipeline.NewManager(pipeline.WithManagerName("relay"))
//	conn, _ := udp.Listen("0.0.0.0:5000")
//	in, _ := udp.NewTextReader(conn, network.WithStageOptions(pipeline.WithManager(m)))
//	out, _ := tcp.Dial(ctx, "collector:7000")
//	_, _ = tcp.NewWriter[string](in, out, nil,
//		network.WithStageOptions(pipeline.WithManager(m)))
//	_ = m.Run(ctx)
//
// See cmd/rtstreams for a configurable relay built from these pieces.
package rtstreams
