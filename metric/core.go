package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all pipeline-level metrics (not component-specific)
type Metrics struct {
	// Component metrics
	ComponentStatus    *prometheus.GaugeVec
	RecordsDecoded     *prometheus.CounterVec
	SamplesDistributed *prometheus.CounterVec
	DecodeDuration     *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec

	// Session metrics
	SessionState    *prometheus.GaugeVec
	SessionAttempts *prometheus.CounterVec
	SyncRTT         *prometheus.HistogramVec
	BatteryLevel    *prometheus.GaugeVec

	// Distribution metrics
	SinkQueueDepth *prometheus.GaugeVec
	SinkDrops      *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Component metrics
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "biostream",
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		RecordsDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "biostream",
				Subsystem: "records",
				Name:      "decoded_total",
				Help:      "Total number of records decoded from frames",
			},
			[]string{"sensor", "kind"},
		),

		SamplesDistributed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "biostream",
				Subsystem: "samples",
				Name:      "distributed_total",
				Help:      "Total number of sample batches handed to sinks",
			},
			[]string{"sink", "sensor"},
		),

		DecodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "biostream",
				Subsystem: "decode",
				Name:      "duration_seconds",
				Help:      "Frame-to-record decode duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sensor", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "biostream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "biostream",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		// Session metrics
		SessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "biostream",
				Subsystem: "session",
				Name:      "state",
				Help:      "Session state (0=idle, 1=connecting, 2=syncing, 3=streaming, 4=closing, 5=closed, 6=failed)",
			},
			[]string{"sensor"},
		),

		SessionAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "biostream",
				Subsystem: "session",
				Name:      "attempts_total",
				Help:      "Total number of connection attempts",
			},
			[]string{"sensor"},
		),

		SyncRTT: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "biostream",
				Subsystem: "session",
				Name:      "sync_rtt_seconds",
				Help:      "Clock-sync acknowledgment round-trip time in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sensor"},
		),

		BatteryLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "biostream",
				Subsystem: "session",
				Name:      "battery_percent",
				Help:      "Last polled device battery charge (0-100)",
			},
			[]string{"sensor"},
		),

		// Distribution metrics
		SinkQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "biostream",
				Subsystem: "sink",
				Name:      "queue_depth",
				Help:      "Current number of queued batches per sink and sensor",
			},
			[]string{"sink", "sensor"},
		),

		SinkDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "biostream",
				Subsystem: "sink",
				Name:      "drops_total",
				Help:      "Total number of batches dropped due to sink overflow",
			},
			[]string{"sink", "sensor"},
		),

		// NATS metrics
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "biostream",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "biostream",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "biostream",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "biostream",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordComponentStatus updates component status metric
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordRecordDecoded increments the decoded record counter
func (c *Metrics) RecordRecordDecoded(sensor, kind string) {
	c.RecordsDecoded.WithLabelValues(sensor, kind).Inc()
}

// RecordSampleDistributed increments the distributed batch counter
func (c *Metrics) RecordSampleDistributed(sink, sensor string) {
	c.SamplesDistributed.WithLabelValues(sink, sensor).Inc()
}

// RecordDecodeDuration records frame decode time
func (c *Metrics) RecordDecodeDuration(sensor, operation string, duration time.Duration) {
	c.DecodeDuration.WithLabelValues(sensor, operation).Observe(duration.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordSessionState updates the session state metric
func (c *Metrics) RecordSessionState(sensor string, state int) {
	c.SessionState.WithLabelValues(sensor).Set(float64(state))
}

// RecordSessionAttempt increments the connection attempt counter
func (c *Metrics) RecordSessionAttempt(sensor string) {
	c.SessionAttempts.WithLabelValues(sensor).Inc()
}

// RecordSyncRTT records one clock-sync acknowledgment round trip
func (c *Metrics) RecordSyncRTT(sensor string, rtt time.Duration) {
	c.SyncRTT.WithLabelValues(sensor).Observe(rtt.Seconds())
}

// RecordBatteryLevel updates the last polled battery charge
func (c *Metrics) RecordBatteryLevel(sensor string, percent int) {
	c.BatteryLevel.WithLabelValues(sensor).Set(float64(percent))
}

// RecordSinkQueueDepth updates the per-sink queue depth gauge
func (c *Metrics) RecordSinkQueueDepth(sink, sensor string, depth int) {
	c.SinkQueueDepth.WithLabelValues(sink, sensor).Set(float64(depth))
}

// RecordSinkDrop increments the sink overflow drop counter
func (c *Metrics) RecordSinkDrop(sink, sensor string) {
	c.SinkDrops.WithLabelValues(sink, sensor).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
