// Package retry provides exponential backoff retry logic for transient failures.
//
// The connection manager uses it to drive per-device connection attempts up
// to the configured ceiling, and the streaming outlet uses it for publish
// and broker reconnect paths.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithResult: Execute function with retry, returns both result and error
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (per-message publishes)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//
// Basic usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect()
//	})
//
// Wrap an error with retry.NonRetryable to stop the loop immediately, for
// failures that repeating cannot fix (for example an identity that never
// advertises). The optional Config.Notify hook observes each failed attempt
// and the backoff that follows it, which the connection manager uses to
// report retry status events.
//
// The package is intentionally minimal: no circuit breakers, no metrics
// collection, no error classification - the caller decides what to retry.
// All operations respect context cancellation, both during the attempt and
// during the backoff sleep. Jitter uses a thread-safe random source.
package retry
