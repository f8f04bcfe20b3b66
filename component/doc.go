// Package component provides the core component infrastructure for the
// biostream pipeline: a unified lifecycle contract, health reporting, and
// per-component logging with optional NATS mirroring.
//
// # Overview
//
// Everything the service supervises implements the Component interface:
// sensor sessions, the sample dispatcher, the storage and streaming sinks,
// and the connection manager. A single contract keeps startup, shutdown,
// and health aggregation uniform across very different kinds of work, from
// a CSV writer flushing on a timer to a session goroutine driving a device
// handshake.
//
// # Lifecycle Pattern
//
// All components follow the same three-phase pattern:
//
//	Initialize() error                  // Setup/create only, NO context
//	Start(ctx context.Context) error    // Start with context passed through
//	Stop(timeout time.Duration) error   // Stop with timeout for graceful shutdown
//
// Initialize allocates resources and validates configuration but starts no
// goroutines. Start launches the component's goroutines bounded by the given
// context and returns promptly. Stop drains in-flight work within the
// timeout and is safe to call more than once, and safe to call on a
// component that was never started.
//
// The service layer tracks each component in a ManagedComponent, creating a
// named child context per component:
//
//	ctx, cancel := context.WithCancel(parentCtx)
//	mc := &component.ManagedComponent{
//		Component: sink,
//		Context:   ctx,
//		Cancel:    cancel,
//	}
//	if err := mc.Component.Start(mc.Context); err != nil {
//		mc.State = component.StateFailed
//		mc.LastError = err
//	}
//
// Components receive the context as a parameter and never store it; only the
// service stores contexts, to coordinate ordered startup and reverse-order
// shutdown.
//
// # Health
//
// Health() returns a point-in-time HealthStatus snapshot:
//
//	status := sink.Health()
//	if !status.Healthy {
//		log.Printf("%s unhealthy: %s", sink.Name(), status.LastError)
//	}
//
// The health package aggregates these snapshots across components for the
// service-level /healthz endpoint.
//
// # Component Logging
//
// Logger wraps a slog.Logger and mirrors every entry to NATS as a JSON
// LogEntry on the subject logs.{run_id}.{component}, letting a dashboard
// follow a live acquisition run without tailing files:
//
//	cl := component.NewLogger("csv-sink", runID, natsConn, slog.Default())
//	cl.Info("session started")
//	cl.Error("write failed", err)
//
// When no NATS connection is available the logger degrades to plain slog
// output; publishing failures never propagate to the caller.
//
// # Testing
//
// RunLifecycleTests is a conformance suite that any Component implementation
// should pass. Component packages run it from their own tests:
//
//	func TestCSVSinkLifecycle(t *testing.T) {
//		component.RunLifecycleTests(t, func() component.Component {
//			return newTestSink(t)
//		})
//	}
//
// The suite covers state transitions, double-stop idempotency, stop without
// start, restart after stop, and concurrent lifecycle calls.
package component
