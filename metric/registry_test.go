package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/health"
)

func gatheredNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range metricFamilies {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_Register(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "A test histogram"})

	require.NoError(t, registry.Register("udp-in", "test_counter", counter))
	require.NoError(t, registry.Register("udp-in", "test_histogram", histogram))

	counter.Inc()
	histogram.Observe(0.5)

	names := gatheredNames(t, registry)
	assert.True(t, names["test_counter"])
	assert.True(t, names["test_histogram"])
	assert.Equal(t, 1.0, testutil.ToFloat64(counter))
	assert.ElementsMatch(t, []string{"test_counter", "test_histogram"}, registry.Owned("udp-in"))
	assert.Empty(t, registry.Owned("tcp-in"))
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "duplicate_counter", Help: "First counter"})
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "duplicate_counter", Help: "First counter"})

	require.NoError(t, registry.Register("stage1", "duplicate_counter", first))

	// Same key is caught by our own tracking
	err := registry.Register("stage1", "duplicate_counter", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "duplicate metric registration")

	// Different key, same collector identity is caught by prometheus
	err = registry.Register("stage2", "duplicate_counter", second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestMetricsRegistry_SameNameDifferentStageLabels(t *testing.T) {
	var registrar MetricsRegistrar = NewMetricsRegistry()

	for _, stage := range []string{"bridge-a", "bridge-b"} {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "clients",
			Help:        "Connected clients",
			ConstLabels: prometheus.Labels{"stage": stage},
		})
		require.NoError(t, registrar.Register(stage, "clients", gauge))
	}
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unregister_counter", Help: "A counter to unregister"})

	require.NoError(t, registry.Register("test-stage", "unregister_counter", counter))
	assert.True(t, gatheredNames(t, registry)["unregister_counter"])

	assert.True(t, registry.Unregister("test-stage", "unregister_counter"))
	assert.False(t, gatheredNames(t, registry)["unregister_counter"])
	assert.False(t, registry.Unregister("test-stage", "unregister_counter"))

	// The name is free again
	assert.NoError(t, registry.Register("test-stage", "unregister_counter", counter))
}

func TestMetricsRegistry_ConcurrentRegister(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	const workers = 10

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("concurrent_counter_%d", id)
			counter := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "A concurrent counter"})
			assert.NoError(t, registry.Register("concurrent-stage", name, counter))
		}(i)
	}
	wg.Wait()

	count := 0
	for name := range gatheredNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			count++
		}
	}
	assert.Equal(t, workers, count)
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordStageState("sq", 1)
	m.RecordItemIn("sq")
	m.RecordItemOut("sq")
	m.RecordItemOut("sq")
	m.RecordDropped("sq", "overflow")
	m.RecordError("sq", "invalid")
	m.RecordTick("sq")
	m.RecordProcessingDuration("sq", time.Millisecond)
	m.RecordSignalRaised("sq", "click")
	m.RecordSignalDelivered("sq", "click")
	m.RecordPacket("udp-in", "in", 2)
	m.RecordActiveConnections("srv", 3)
	m.RecordConnectionEvent("srv", "accepted")
	m.RecordNATSStatus(true)
	m.RecordNATSReconnect()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageState.WithLabelValues("sq")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsOut.WithLabelValues("sq")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Bytes.WithLabelValues("udp-in", "in")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveConnections.WithLabelValues("srv")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))

	names := gatheredNames(t, registry)
	for _, expected := range []string{
		"rtstreams_stage_state",
		"rtstreams_stage_items_in_total",
		"rtstreams_stage_items_out_total",
		"rtstreams_stage_items_dropped_total",
		"rtstreams_stage_errors_total",
		"rtstreams_stage_ticks_total",
		"rtstreams_stage_processing_duration_seconds",
		"rtstreams_signal_raised_total",
		"rtstreams_signal_delivered_total",
		"rtstreams_endpoint_packets_total",
		"rtstreams_endpoint_bytes_total",
		"rtstreams_endpoint_active_connections",
		"rtstreams_endpoint_connection_events_total",
		"rtstreams_nats_connected",
		"rtstreams_nats_reconnects_total",
	} {
		assert.True(t, names[expected], "core metric %s should be gathered", expected)
	}
}

func TestCoreMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordItemIn("x")
		m.RecordPacket("x", "out", 10)
		m.RecordSignalRaised("x", "p")
	})
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordTick("heartbeat")

	server := NewServer(0, "", registry)
	assert.Equal(t, "http://localhost:9090/metrics", server.Address())

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rtstreams_stage_ticks_total")

	probe, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	probe.Body.Close()
	assert.Equal(t, http.StatusOK, probe.StatusCode)
}

func TestServer_HealthReport(t *testing.T) {
	var current atomic.Pointer[health.Status]
	ok := health.NewHealthy("relay", "All stages are healthy")
	current.Store(&ok)
	server := NewServer(0, "", NewMetricsRegistry(), WithHealth(func() health.Status { return *current.Load() }))

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	get := func() (int, health.Status) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		var got health.Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		return resp.StatusCode, got
	}

	code, got := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "relay", got.Stage)

	bad := health.NewUnhealthy("relay", "One or more stages are unhealthy")
	current.Store(&bad)
	code, got = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.True(t, got.IsUnhealthy())
}

func TestServer_ListenServeStop(t *testing.T) {
	server := NewServer(-1, "/scrape", NewMetricsRegistry())
	require.NoError(t, server.Listen())
	assert.True(t, errors.IsInvalid(server.Listen()))

	done := make(chan error, 1)
	go func() { done <- server.Serve() }()

	addr := server.Address()
	assert.True(t, strings.HasPrefix(addr, "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(addr, "/scrape"))

	resp, err := http.Get(addr)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
