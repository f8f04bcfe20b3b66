package metric

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
}

func gatherNames(t *testing.T, registry *Registry) map[string]bool {
	t.Helper()

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := make(map[string]bool)
	for _, mf := range metricFamilies {
		found[mf.GetName()] = true
	}
	return found
}

func TestRegistry_RegisterCounter(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	err := registry.RegisterCounter("test-component", "test_counter", counter)
	require.NoError(t, err)

	// Should be able to increment the counter
	counter.Inc()

	assert.True(t, gatherNames(t, registry)["test_counter"],
		"Counter should be registered in Prometheus registry")
}

func TestRegistry_RegisterGauge(t *testing.T) {
	registry := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "A test gauge",
	})

	err := registry.RegisterGauge("test-component", "test_gauge", gauge)
	require.NoError(t, err)

	gauge.Set(42.0)

	assert.True(t, gatherNames(t, registry)["test_gauge"],
		"Gauge should be registered in Prometheus registry")
}

func TestRegistry_RegisterHistogram(t *testing.T) {
	registry := NewRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_histogram",
		Help:    "A test histogram",
		Buckets: prometheus.DefBuckets,
	})

	err := registry.RegisterHistogram("test-component", "test_histogram", histogram)
	require.NoError(t, err)

	histogram.Observe(1.5)

	assert.True(t, gatherNames(t, registry)["test_histogram"],
		"Histogram should be registered in Prometheus registry")
}

func TestRegistry_RegisterVectors(t *testing.T) {
	registry := NewRegistry()

	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_counter_vec",
		Help: "A test counter vector",
	}, []string{"sensor"})
	require.NoError(t, registry.RegisterCounterVec("test-component", "test_counter_vec", counterVec))
	counterVec.WithLabelValues("ECG6543").Inc()

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_gauge_vec",
		Help: "A test gauge vector",
	}, []string{"sensor"})
	require.NoError(t, registry.RegisterGaugeVec("test-component", "test_gauge_vec", gaugeVec))
	gaugeVec.WithLabelValues("EDA7852").Set(8)

	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_histogram_vec",
		Help:    "A test histogram vector",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	require.NoError(t, registry.RegisterHistogramVec("test-component", "test_histogram_vec", histogramVec))
	histogramVec.WithLabelValues("ecg").Observe(0.002)

	names := gatherNames(t, registry)
	assert.True(t, names["test_counter_vec"])
	assert.True(t, names["test_gauge_vec"])
	assert.True(t, names["test_histogram_vec"])
}

func TestRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewRegistry()

	counter1 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "First counter",
	})

	counter2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_counter",
		Help: "First counter", // Same help to avoid Prometheus validation error
	})

	// First registration should succeed
	err := registry.RegisterCounter("component1", "duplicate_counter", counter1)
	require.NoError(t, err)

	// Same key should be rejected by local tracking
	err = registry.RegisterCounter("component1", "duplicate_counter", counter1)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate metric registration")

	// Different key but colliding Prometheus name should be rejected upstream
	err = registry.RegisterCounter("component2", "duplicate_counter", counter2)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus conflict")
}

func TestRegistry_UnregisterMetric(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unregister_counter",
		Help: "A counter to unregister",
	})

	err := registry.RegisterCounter("test-component", "unregister_counter", counter)
	require.NoError(t, err)

	assert.True(t, gatherNames(t, registry)["unregister_counter"])

	success := registry.Unregister("test-component", "unregister_counter")
	assert.True(t, success)

	assert.False(t, gatherNames(t, registry)["unregister_counter"])

	// Second unregister is a no-op
	assert.False(t, registry.Unregister("test-component", "unregister_counter"))
}

func TestRegistry_ThreadSafety(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	numGoroutines := 10

	// Register metrics concurrently
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", id),
				Help: "A concurrent counter",
			})

			err := registry.RegisterCounter("concurrent-component",
				fmt.Sprintf("concurrent_counter_%d", id), counter)
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	// Verify all metrics were registered
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	counterCount := 0
	for _, mf := range metricFamilies {
		if strings.HasPrefix(mf.GetName(), "concurrent_counter_") {
			counterCount++
		}
	}

	assert.Equal(t, numGoroutines, counterCount,
		"All concurrent counters should be registered")
}

func TestRegistrar_Interface(t *testing.T) {
	registry := NewRegistry()

	// Verify registry implements the Registrar interface
	var registrar Registrar = registry
	assert.NotNil(t, registrar)

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "interface_counter",
		Help: "Counter registered through interface",
	})

	err := registrar.RegisterCounter("interface-component", "interface_counter", counter)
	require.NoError(t, err)
}

func TestRegistry_CoreMetricsInitialization(t *testing.T) {
	registry := NewRegistry()

	// Vector metrics don't appear in Gather() until they have at least one
	// value set, so record through the core metrics first.
	coreMetrics := registry.CoreMetrics()

	coreMetrics.RecordComponentStatus("manager", 2)
	coreMetrics.RecordRecordDecoded("ECG6543", "ecg")
	coreMetrics.RecordSampleDistributed("csvfile", "ECG6543")
	coreMetrics.RecordDecodeDuration("ECG6543", "frame", 100*time.Microsecond)
	coreMetrics.RecordError("session", "transient")
	coreMetrics.RecordHealthStatus("manager", true)
	coreMetrics.RecordSessionState("ECG6543", 3)
	coreMetrics.RecordSessionAttempt("ECG6543")
	coreMetrics.RecordSyncRTT("ECG6543", 40*time.Millisecond)
	coreMetrics.RecordBatteryLevel("ECG6543", 87)
	coreMetrics.RecordSinkQueueDepth("outlet", "ECG6543", 12)
	coreMetrics.RecordSinkDrop("outlet", "ECG6543")

	expectedCoreMetrics := []string{
		"biostream_component_status",
		"biostream_records_decoded_total",
		"biostream_samples_distributed_total",
		"biostream_decode_duration_seconds",
		"biostream_errors_total",
		"biostream_health_status",
		"biostream_session_state",
		"biostream_session_attempts_total",
		"biostream_session_sync_rtt_seconds",
		"biostream_session_battery_percent",
		"biostream_sink_queue_depth",
		"biostream_sink_drops_total",
		"biostream_nats_connected",
		"biostream_nats_rtt_milliseconds",
		"biostream_nats_reconnects_total",
		"biostream_nats_circuit_breaker",
	}

	foundMetrics := gatherNames(t, registry)
	for _, expectedMetric := range expectedCoreMetrics {
		assert.True(t, foundMetrics[expectedMetric],
			"core metric %s should be initialized", expectedMetric)
	}
}

func TestRegistry_GetCoreMetrics(t *testing.T) {
	registry := NewRegistry()

	coreMetrics := registry.CoreMetrics()
	assert.NotNil(t, coreMetrics)

	// Verify core metrics are accessible
	assert.NotNil(t, coreMetrics.ComponentStatus)
	assert.NotNil(t, coreMetrics.RecordsDecoded)
	assert.NotNil(t, coreMetrics.SamplesDistributed)
	assert.NotNil(t, coreMetrics.DecodeDuration)
	assert.NotNil(t, coreMetrics.ErrorsTotal)
	assert.NotNil(t, coreMetrics.HealthCheckStatus)
	assert.NotNil(t, coreMetrics.SessionState)
	assert.NotNil(t, coreMetrics.SessionAttempts)
	assert.NotNil(t, coreMetrics.SyncRTT)
	assert.NotNil(t, coreMetrics.BatteryLevel)
	assert.NotNil(t, coreMetrics.SinkQueueDepth)
	assert.NotNil(t, coreMetrics.SinkDrops)
	assert.NotNil(t, coreMetrics.NATSConnected)
	assert.NotNil(t, coreMetrics.NATSRTT)
	assert.NotNil(t, coreMetrics.NATSReconnects)
	assert.NotNil(t, coreMetrics.NATSCircuitBreaker)
}

func TestCoreMetrics_RecordMethods(t *testing.T) {
	registry := NewRegistry()
	coreMetrics := registry.CoreMetrics()

	coreMetrics.RecordComponentStatus("manager", 2)
	coreMetrics.RecordRecordDecoded("EDA7852", "eda")
	coreMetrics.RecordSampleDistributed("live", "EDA7852")
	coreMetrics.RecordDecodeDuration("EDA7852", "record", time.Millisecond)
	coreMetrics.RecordError("outlet", "transient")
	coreMetrics.RecordHealthStatus("outlet", true)
	coreMetrics.RecordSessionState("EDA7852", 2)
	coreMetrics.RecordSessionAttempt("EDA7852")
	coreMetrics.RecordSyncRTT("EDA7852", 25*time.Millisecond)
	coreMetrics.RecordBatteryLevel("EDA7852", 64)
	coreMetrics.RecordSinkQueueDepth("csvfile", "EDA7852", 3)
	coreMetrics.RecordSinkDrop("csvfile", "EDA7852")

	// NATS metrics
	coreMetrics.RecordNATSStatus(true)
	coreMetrics.RecordNATSRTT(50 * time.Millisecond)
	coreMetrics.RecordNATSReconnect()
	coreMetrics.RecordCircuitBreakerState(0)

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	assert.Greater(t, len(metricFamilies), 0, "Should have recorded metrics")
}
