// Package testutil provides testing utilities for biostream pipeline tests.
//
// # Overview
//
// The testutil package contains in-memory mock implementations, deterministic
// test data generators, and wait helpers that keep component tests free of
// real network and filesystem dependencies.
//
// # Core Components
//
// Mock Implementations:
//
// MockNATSClient - In-memory NATS client for testing pub/sub patterns:
//   - Thread-safe for concurrent use
//   - Stores all published messages for verification
//   - Supports subscription handlers and injected publish failures
//   - No external NATS server required
//
// MockComponent - Lifecycle component for testing service assembly:
//   - Implements component.Component
//   - Tracks Initialize/Start/Stop call counts
//   - Injectable behavior per lifecycle phase
//
// LogRecorder - slog.Handler capturing records in memory:
//   - Count occurrences of a message or level
//   - Assert once-per-episode warnings without parsing output
//
// Test Data Generators:
//
//   - ECGRamp / EDAFixed: deterministic records with known sample values
//   - ECGEnvelope / EDAEnvelope: sequenced envelopes for dispatch and
//     sink tests, timestamps advancing with Seq
//
// Test Helpers:
//
//   - WaitForMessage: polls for a message with timeout
//   - WaitForMessageCount: waits for N messages
//   - AssertMessageReceived / AssertNoMessages: delivery checks
//
// # Design Principles
//
// Thread Safety:
//
// All mock types are safe for concurrent use from multiple goroutines, so
// concurrent publish paths can be tested without data races.
//
// Real Dependencies Preferred:
//
// Use mocks only when real dependencies are impractical. The transport/sim
// package provides a full in-process device; prefer it over hand-rolled
// stream fakes. For NATS-backed integration tests, gate on INTEGRATION_TESTS
// and use natsclient's shared test client against a real server; use
// MockNATSClient for unit tests of publish/subscribe logic.
//
// # Usage Examples
//
// Basic MockNATSClient:
//
//	func TestPublishSubscribe(t *testing.T) {
//	    client := testutil.NewMockNATSClient()
//
//	    var received []byte
//	    err := client.Subscribe(ctx, "biostream.samples.ecg.ECG1234",
//	        func(_ context.Context, data []byte) {
//	            received = data
//	        })
//	    require.NoError(t, err)
//
//	    err = client.Publish(ctx, "biostream.samples.ecg.ECG1234", []byte("chunk"))
//	    require.NoError(t, err)
//	    assert.Equal(t, []byte("chunk"), received)
//	}
//
// Envelope generators:
//
//	env := testutil.ECGEnvelope(t, "ECG1234", 1)
//	dispatcher.Publish(env)
//
// LogRecorder:
//
//	rec := testutil.NewLogRecorder()
//	d, _ := dispatch.NewDispatcher(cfg, dispatch.Deps{Logger: rec.Logger()})
//	// ... drive the dispatcher past its soft threshold ...
//	assert.Equal(t, 1, rec.Count("sink under pressure"))
//
// # Known Limitations
//
//  1. WaitForMessage uses polling (10ms), adding latency to tests
//  2. MockNATSClient has no wildcard subjects, headers, or request/reply
//  3. LogRecorder ignores attributes added with Logger.With
//
// These are design trade-offs; the mocks prioritize simplicity over
// completeness.
//
// # See Also
//
//   - component: Component interface and lifecycle conformance suite
//   - transport/sim: full in-process device and scanner
//   - natsclient: real NATS client wrapper with shared test client
package testutil
