// Package errors provides standardized error handling patterns for biostream.
//
// The package implements a three-class error classification: Transient
// (temporary, retryable), Invalid (bad input, non-retryable), and Fatal
// (unrecoverable, stop processing). Classification drives the connection
// manager's retry decisions and the startup abort policy: anything fatal
// discovered before acquisition begins stops the process, while errors
// after acquisition only degrade the affected session or sink path.
//
// Errors are wrapped with context in a standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Session", "connect", "dial device")
//	errors.WrapInvalid(err, "Config", "Validate", "parse sensor list")
//	errors.WrapFatal(err, "CSVWriter", "Initialize", "create directory")
//
// The generic Wrap() preserves the original classification. All types
// support errors.Is, errors.As, and Unwrap, so classification survives
// wrapping chains:
//
//	wrapped := errors.WrapTransient(err, "Session", "sync", "await ack")
//	errors.IsTransient(wrapped) // true
//
// Standard error variables cover the common conditions (lifecycle,
// transport, clock sync, configuration, connection management); prefer
// them over ad-hoc error strings so callers can branch with errors.Is.
package errors
