// Package natsclient wraps a NATS connection with a circuit breaker,
// connection status tracking and context-scoped subscriptions. It is the
// transport behind the natsbridge stages.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithMetrics(manager.Metrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	err = client.Subscribe(ctx, "sensors.>", func(msgCtx context.Context, data []byte) {
//	    // runs until ctx is cancelled or the client closes
//	})
//
//	err = client.Publish(ctx, "sensors.temp", []byte("21.5"))
//
// # Circuit Breaker
//
// Every failed Connect counts toward the breaker. After the threshold
// (default 5) the circuit opens and Connect fails fast with ErrCircuitOpen
// until the current wait has passed; the next Connect then tries again. The
// wait starts at one second and doubles with every opening, up to the max
// wait (default one minute). A successful connect resets it.
//
// # Connection Status
//
//	Disconnected -> Connecting -> Connected <-> Reconnecting
//	                     \-> CircuitOpen -> Connecting
//
// Status changes are mirrored in the rtstreams_nats_connected gauge, and every
// reconnect increments rtstreams_nats_reconnects_total, when WithMetrics is
// set. Health maps the status onto a health.Status named "nats".
//
// # Subscriptions
//
// A subscription ends when the context passed to Subscribe ends; there is no
// separate handle to release. Each handler call gets a context derived from
// it, bounded by the handler timeout (default 30s).
//
// # Testing
//
// NewTestClient starts a NATS server with testcontainers and connects a Client
// to it. Tests that use it are gated on INTEGRATION_TESTS=1.
package natsclient
