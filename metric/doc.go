// Package metric provides Prometheus-based metrics for the rtstreams runtime.
//
// Every pipeline Manager owns a MetricsRegistry backed by a private Prometheus
// registry. The registry carries the core runtime metrics (Metrics type): stage
// state, items in/out/dropped, errors by class, heartbeat ticks, signal traffic
// and network endpoint packet, byte and connection counters. All series are
// labelled by stage name.
//
// Stages that need their own series register them through MetricsRegistrar:
//
//	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
//	    Namespace:   "rtstreams",
//	    Subsystem:   "websocket",
//	    Name:        "broadcast_duration_seconds",
//	    ConstLabels: prometheus.Labels{"stage": name},
//	})
//	if err := registrar.Register(name, "broadcast_duration", hist); err != nil {
//	    return err
//	}
//	defer registrar.Unregister(name, "broadcast_duration")
//
// Server exposes the registry at /metrics. With WithHealth, /health reports the
// pipeline health as JSON and answers 503 while any stage is unhealthy:
//
//	server := metric.NewServer(9090, "/metrics", manager.Metrics(), metric.WithHealth(manager.Health))
//	if err := server.Listen(); err != nil {
//	    return err
//	}
//	go func() { _ = server.Serve() }()
//	defer server.Stop(context.Background())
package metric
