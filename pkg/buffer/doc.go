// Package buffer provides thread-safe circular buffers with configurable
// overflow policies, built-in statistics, a soft pressure threshold, and
// optional Prometheus metrics integration.
//
// The distribution pipeline owns one buffer per (sink, sensor) pair, so
// one slow sink surfaces as queue pressure and bounded drops instead of
// unbounded memory.
//
// Basic creation:
//
//	buf, err := buffer.NewCircularBuffer[*sensor.Envelope](256,
//		buffer.WithOverflowPolicy[*sensor.Envelope](buffer.DropOldest),
//		buffer.WithDropCallback[*sensor.Envelope](countOverflow),
//		buffer.WithPressureThreshold[*sensor.Envelope](64, warnPressure),
//	)
//
// # Overflow Policies
//
//   - DropOldest: remove the stalest item to make room (default)
//   - DropNewest: reject new items when full
//   - Block: Write waits for space; WriteWithTimeout bounds the wait
//
// # Pressure Reporting
//
// WithPressureThreshold installs a callback fired once per pressure
// episode: the first write that reaches the threshold from below. The
// episode re-arms when the size drains back below the threshold, so a
// congested consumer produces one warning, not one per sample.
//
// # Observability
//
// Statistics (writes, reads, overflows, drops, size high-water mark) are
// always collected and available via Stats(). WithMetrics additionally
// exports them as Prometheus metrics labeled with the owning component.
//
// All operations are safe for concurrent use. Drop and pressure callbacks
// run outside the buffer lock and may call back into the buffer.
package buffer
