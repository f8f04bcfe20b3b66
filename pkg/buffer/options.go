package buffer

import "github.com/sensors-inl/biostream/metric"

// Option configures a buffer at construction.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy   OverflowPolicy
	dropCallback     DropCallback[T]
	softThreshold    int
	pressureCallback PressureCallback

	metricsReg    *metric.Registry
	metricsPrefix string
}

// WithOverflowPolicy picks the full-buffer behavior. The default is
// DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *bufferOptions[T]) { o.overflowPolicy = policy }
}

// WithPressureThreshold arms the soft pressure warning. The callback
// fires once when a write reaches threshold from below, then stays
// quiet until the depth drains back under it. A threshold at or below
// zero or a nil callback leaves pressure reporting off.
func WithPressureThreshold[T any](threshold int, callback PressureCallback) Option[T] {
	return func(o *bufferOptions[T]) {
		if threshold > 0 && callback != nil {
			o.softThreshold = threshold
			o.pressureCallback = callback
		}
	}
}

// WithMetrics additionally mirrors buffer statistics into Prometheus,
// labeled with prefix as the owning component. Ignored when registry
// is nil or prefix empty.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(o *bufferOptions[T]) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

// WithDropCallback hands every item lost to the overflow policy or a
// Clear to callback.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(o *bufferOptions[T]) { o.dropCallback = callback }
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	o := &bufferOptions[T]{overflowPolicy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
