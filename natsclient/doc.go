// Package natsclient provides a NATS client with circuit breaker protection
// and automatic reconnection for the acquisition pipeline.
//
// The natsclient package wraps the standard NATS Go client with additional
// reliability features including circuit breaker pattern for failure
// protection, exponential backoff between connection rounds, and proper
// context propagation throughout all operations. It is the transport behind
// the streaming outlet and the log mirror; both depend on narrow interfaces
// (Publish, or the raw connection) satisfied by this client.
//
// # Core Features
//
// Circuit Breaker Pattern: Prevents cascading failures by failing fast after
// a threshold of consecutive failures (default: 5). The circuit opens to
// prevent further attempts, then moves to half-open after an exponentially
// growing backoff so the next Connect acts as the trial.
//
// Connection Lifecycle Management: Handles connection states automatically
// through the lifecycle: Disconnected → Connecting → Connected →
// Reconnecting → Connected. Reconnection itself is delegated to the NATS
// client library; this package tracks the transitions and exposes them
// through Status, callbacks, and the pipeline metrics.
//
// Sample streams survive short broker outages because the NATS library
// buffers published messages while reconnecting. A session never stops over
// a NATS outage; at worst chunks are dropped once the reconnect buffer
// overflows.
//
// # Basic Usage
//
// Creating and connecting to NATS:
//
//	client, err := natsclient.NewClient("nats://localhost:4222")
//	if err != nil {
//	    return err
//	}
//
//	ctx := context.Background()
//	err = client.Connect(ctx)
//	if err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	// Publish a message
//	err = client.Publish(ctx, "biostream.samples.ecg.ECG1234", payload)
//
//	// Subscribe to messages
//	err = client.Subscribe(ctx, "biostream.samples.>", func(msgCtx context.Context, data []byte) {
//	    // Handle message with context (30s timeout per message)
//	    fmt.Printf("Received: %s\n", string(data))
//	})
//
// # Advanced Configuration
//
// Creating client with options:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithMaxReconnects(-1),  // Infinite reconnects
//	    natsclient.WithReconnectWait(2*time.Second),
//	    natsclient.WithCircuitBreakerThreshold(10),
//	    natsclient.WithName("biostream"),
//	    natsclient.WithMetrics(metrics),
//	    natsclient.WithDisconnectCallback(func(err error) {
//	        logger.Warn("NATS disconnected", "error", err)
//	    }),
//	    natsclient.WithConnectionLostCallback(func(err error) {
//	        // Reconnect budget exhausted; the outlet degrades.
//	    }),
//	)
//
// # Circuit Breaker Pattern
//
// The circuit breaker protects against hammering an unreachable broker:
//
//	// Circuit states:
//	// - Closed: Normal operation, requests pass through
//	// - Open: Failures exceeded threshold, failing fast
//	// - Half-Open: Backoff elapsed, next Connect is the trial
//
//	err := client.Connect(ctx)
//	if errors.Is(err, natsclient.ErrCircuitOpen) {
//	    // Circuit is open, wait before retrying
//	    status := client.GetStatus()
//	    logger.Info("circuit open", "failures", status.FailureCount)
//	}
//
// Each failed connect doubles the backoff up to WithMaxBackoff (default one
// minute). A successful connect closes the circuit and resets the backoff.
//
// # Metrics
//
// When configured with WithMetrics, the client reports connection status,
// round-trip time, reconnect count, and circuit breaker state through the
// pipeline metrics. Round-trip time is sampled by the health monitor at the
// interval set by WithHealthInterval.
//
// # Testing
//
// Unit tests run without a server. Integration tests use TestClient, which
// connects to the server named by NATS_TEST_URL (default
// nats://127.0.0.1:4222) and are gated behind INTEGRATION_TESTS:
//
//	func TestPublishRoundTrip(t *testing.T) {
//	    natsclient.RequireIntegration(t)
//	    tc := natsclient.NewTestClient(t)
//	    // tc.Client is connected; cleanup is registered.
//	}
package natsclient
