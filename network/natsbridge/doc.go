// Package natsbridge provides pipeline stages that move items over NATS
// subjects.
//
// A Reader subscribes when its stage starts and emits one item per message.
// Messages are copied into an inbox of fixed depth (DefaultInboxSize unless
// WithBufferSize is given); when the stage falls behind, the oldest messages
// are dropped. The subscription ends when the stage stops.
//
// A Writer publishes the encoded form of every item it receives. Publish
// failures are transient, so under ContinueOnError the writer keeps going.
//
//	client, err := natsclient.NewClient(natsbridge.ServerURL(cfg.NATS))
//	...
//	reader, writer, err := natsbridge.NewLayers[float64](client, cfg.NATS)
//
// Both stages accept anything with natsclient.Client's Publish and Subscribe
// methods, which keeps them testable with testutil.MockNATSClient.
package natsbridge
