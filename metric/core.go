package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rtstreams"

// Metrics contains the runtime-level metrics shared by every stage.
// All Record methods are safe on a nil receiver.
type Metrics struct {
	// Stage metrics
	StageState         *prometheus.GaugeVec
	ItemsIn            *prometheus.CounterVec
	ItemsOut           *prometheus.CounterVec
	ItemsDropped       *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	Ticks              *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec

	// Signal metrics
	SignalsRaised    *prometheus.CounterVec
	SignalsDelivered *prometheus.CounterVec

	// Endpoint metrics
	Packets           *prometheus.CounterVec
	Bytes             *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
	ConnectionEvents  *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all runtime metrics
func NewMetrics() *Metrics {
	return &Metrics{
		StageState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "state",
				Help:      "Stage state (0=created, 1=running, 2=stopping, 3=stopped, 4=failed)",
			},
			[]string{"stage"},
		),

		ItemsIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "items_in_total",
				Help:      "Total number of items received by a stage",
			},
			[]string{"stage"},
		),

		ItemsOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "items_out_total",
				Help:      "Total number of items emitted by a stage",
			},
			[]string{"stage"},
		),

		ItemsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "items_dropped_total",
				Help:      "Total number of items dropped by a stage",
			},
			[]string{"stage", "reason"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "errors_total",
				Help:      "Total number of stage errors by class",
			},
			[]string{"stage", "class"},
		),

		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "ticks_total",
				Help:      "Total number of heartbeat ticks",
			},
			[]string{"stage"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "processing_duration_seconds",
				Help:      "Time spent in a stage's user function per item",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"stage"},
		),

		SignalsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "raised_total",
				Help:      "Total number of signals raised on a port",
			},
			[]string{"stage", "port"},
		),

		SignalsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "delivered_total",
				Help:      "Total number of signal deliveries to handlers",
			},
			[]string{"stage", "port"},
		),

		Packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "endpoint",
				Name:      "packets_total",
				Help:      "Total number of packets or chunks moved by a network endpoint",
			},
			[]string{"stage", "direction"},
		),

		Bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "endpoint",
				Name:      "bytes_total",
				Help:      "Total number of bytes moved by a network endpoint",
			},
			[]string{"stage", "direction"},
		),

		ActiveConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "endpoint",
				Name:      "active_connections",
				Help:      "Number of connections currently held by a server",
			},
			[]string{"server"},
		),

		ConnectionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "endpoint",
				Name:      "connection_events_total",
				Help:      "Connection lifecycle events (accepted, closed, write_failed)",
			},
			[]string{"server", "event"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.StageState,
		c.ItemsIn,
		c.ItemsOut,
		c.ItemsDropped,
		c.ErrorsTotal,
		c.Ticks,
		c.ProcessingDuration,
		c.SignalsRaised,
		c.SignalsDelivered,
		c.Packets,
		c.Bytes,
		c.ActiveConnections,
		c.ConnectionEvents,
		c.NATSConnected,
		c.NATSReconnects,
	}
}

// RecordStageState updates the stage state gauge
func (c *Metrics) RecordStageState(stage string, state int) {
	if c == nil {
		return
	}
	c.StageState.WithLabelValues(stage).Set(float64(state))
}

// RecordItemIn increments the received item counter
func (c *Metrics) RecordItemIn(stage string) {
	if c == nil {
		return
	}
	c.ItemsIn.WithLabelValues(stage).Inc()
}

// RecordItemOut increments the emitted item counter
func (c *Metrics) RecordItemOut(stage string) {
	if c == nil {
		return
	}
	c.ItemsOut.WithLabelValues(stage).Inc()
}

// RecordDropped increments the dropped item counter
func (c *Metrics) RecordDropped(stage, reason string) {
	if c == nil {
		return
	}
	c.ItemsDropped.WithLabelValues(stage, reason).Inc()
}

// RecordError increments the error counter
func (c *Metrics) RecordError(stage, class string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(stage, class).Inc()
}

// RecordTick increments the heartbeat counter
func (c *Metrics) RecordTick(stage string) {
	if c == nil {
		return
	}
	c.Ticks.WithLabelValues(stage).Inc()
}

// RecordProcessingDuration records time spent in a user function
func (c *Metrics) RecordProcessingDuration(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	c.ProcessingDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordSignalRaised increments the raised signal counter
func (c *Metrics) RecordSignalRaised(stage, port string) {
	if c == nil {
		return
	}
	c.SignalsRaised.WithLabelValues(stage, port).Inc()
}

// RecordSignalDelivered increments the delivered signal counter
func (c *Metrics) RecordSignalDelivered(stage, port string) {
	if c == nil {
		return
	}
	c.SignalsDelivered.WithLabelValues(stage, port).Inc()
}

// RecordPacket counts one packet of n bytes. direction is "in" or "out".
func (c *Metrics) RecordPacket(stage, direction string, n int) {
	if c == nil {
		return
	}
	c.Packets.WithLabelValues(stage, direction).Inc()
	c.Bytes.WithLabelValues(stage, direction).Add(float64(n))
}

// RecordActiveConnections sets the active connection gauge
func (c *Metrics) RecordActiveConnections(server string, count int) {
	if c == nil {
		return
	}
	c.ActiveConnections.WithLabelValues(server).Set(float64(count))
}

// RecordConnectionEvent increments the connection event counter
func (c *Metrics) RecordConnectionEvent(server, event string) {
	if c == nil {
		return
	}
	c.ConnectionEvents.WithLabelValues(server, event).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}
