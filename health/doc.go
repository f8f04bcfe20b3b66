// Package health provides health monitoring for biostream components and the
// acquisition service, with thread-safe status tracking and aggregation.
//
// The package tracks the health of individual components (sensor sessions,
// sinks, the dispatcher, the NATS client) and aggregates them into the
// system-wide status served on /healthz.
//
// # Health States
//
// The package supports three health states:
//   - Healthy: component operating normally
//   - Degraded: component operating with reduced functionality
//   - Unhealthy: component not functioning properly
//
// The three-state model enables nuanced operational responses: a degraded CSV
// sink (slow disk, queue filling) keeps the acquisition running while flagging
// the problem, whereas an unhealthy session (device unreachable past the retry
// ceiling) warrants operator attention.
//
// # Core Components
//
// Status: Individual component health state containing status level,
// descriptive message, timestamp, optional metrics, and hierarchical
// sub-statuses.
//
// Monitor: Thread-safe centralized tracking for multiple component health
// statuses with concurrent read/write access and automatic timestamp
// management.
//
// Helpers: Convenience constructors and the Aggregate function implementing
// the system-wide rollup rules.
//
// # Basic Usage
//
// Creating and tracking component health:
//
//	monitor := health.NewMonitor()
//
//	monitor.UpdateHealthy("csv-sink", "Writing to session files")
//	monitor.UpdateDegraded("live-sink", "No viewer connected")
//	monitor.UpdateUnhealthy("session-ECG1", "Retries exhausted after 5 attempts")
//
//	if status, exists := monitor.Get("csv-sink"); exists && status.IsHealthy() {
//	    log.Println("CSV sink is healthy")
//	}
//
// # System-Wide Aggregation
//
// Combining component statuses into a single indicator:
//
//	systemHealth := monitor.AggregateHealth("biostream")
//	if systemHealth.IsUnhealthy() {
//	    log.Printf("System unhealthy: %s", systemHealth.Message)
//	}
//
// Aggregation uses hierarchical worst-case rules:
//   - Any unhealthy component → system unhealthy
//   - Any degraded component (with no unhealthy) → system degraded
//   - All healthy → system healthy
//
// A single unhealthy component marks the whole system unhealthy so problems
// are not masked by the healthy majority.
//
// # Health Metrics
//
// Operational metrics ride along with the status:
//
//	metrics := &health.Metrics{
//	    Uptime:           time.Since(started),
//	    ErrorCount:       3,
//	    SamplesProcessed: 150000,
//	    LastActivity:     time.Now(),
//	}
//	status := health.NewHealthy("csv-sink", "Writing").WithMetrics(metrics)
//
// # Integration with Components
//
// Components expose component.HealthStatus through their Health() method;
// FromComponentHealth converts that snapshot into a health.Status with
// automatic error sanitization:
//
//	healthStatus := health.FromComponentHealth(sink.Name(), sink.Health())
//
// Error messages are sanitized to remove URLs, file paths, IP addresses,
// ports, and credentials before they can reach a dashboard:
//
//	// "failed to connect to nats://10.0.0.5:4222 with token=abc"
//	// becomes
//	// "failed to connect to [URL] with [REDACTED]"
//
// Sanitization has no opt-out; over-redaction during debugging is preferred
// over leaking a credential.
//
// # Thread Safety
//
// All Monitor operations are safe for concurrent use. The Monitor uses an
// RWMutex internally so reads proceed concurrently while writes are
// serialized. Status is a value type; WithMetrics and WithSubStatus return
// copies rather than mutating the receiver.
//
// # HTTP Health Endpoint
//
// The metric server's /healthz handler is built on AggregateHealth:
//
//	func healthHandler(monitor *health.Monitor) http.HandlerFunc {
//	    return func(w http.ResponseWriter, r *http.Request) {
//	        systemHealth := monitor.AggregateHealth("biostream")
//
//	        statusCode := http.StatusOK
//	        if systemHealth.IsUnhealthy() {
//	            statusCode = http.StatusServiceUnavailable
//	        }
//
//	        w.Header().Set("Content-Type", "application/json")
//	        w.WriteHeader(statusCode)
//	        json.NewEncoder(w).Encode(systemHealth)
//	    }
//	}
//
// Degraded still returns 200: the pipeline is serving, just not at full
// capacity.
package health
