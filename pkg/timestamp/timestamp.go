// Package timestamp provides the split-epoch clock representation shared
// with sensor firmware.
//
// Sensors keep time as whole Unix seconds plus a microsecond remainder,
// and every record they emit carries that pair. This package uses the
// same pair as the canonical timestamp format so conversions happen at
// the edges (capture, display, CSV rows) instead of being scattered
// through the pipeline.
//
// Zero Value Semantics:
//   - A zero Timestamp means "not set" or "unknown"
//   - Functions handle zero values gracefully, returning appropriate defaults
//
// Usage Examples:
//
//	// Current time
//	now := timestamp.Now()
//
//	// Convert from time.Time
//	ts := timestamp.FromTime(time.Now())
//
//	// Convert to time.Time
//	t := ts.Time()
//
//	// Fractional seconds since epoch, for sample axes
//	secs := ts.Seconds()
package timestamp

import (
	"fmt"
	"time"
)

const microsPerSecond = 1_000_000

// Timestamp is a Unix epoch instant split into whole seconds and a
// microsecond remainder, matching the sensor clock format.
// Micros is always below one million for normalized values.
type Timestamp struct {
	Secs   uint64
	Micros uint32
}

// Now returns the current wall clock time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to a Timestamp.
// Returns the zero Timestamp for the zero time or times before the epoch.
func FromTime(t time.Time) Timestamp {
	if t.IsZero() || t.Unix() < 0 {
		return Timestamp{}
	}
	return Timestamp{
		Secs:   uint64(t.Unix()),
		Micros: uint32(t.Nanosecond() / 1000),
	}
}

// FromSeconds converts fractional seconds since the epoch to a Timestamp.
// Negative input yields the zero Timestamp.
func FromSeconds(secs float64) Timestamp {
	if secs <= 0 {
		return Timestamp{}
	}
	whole := uint64(secs)
	frac := secs - float64(whole)
	micros := uint32(frac*microsPerSecond + 0.5)
	if micros >= microsPerSecond {
		whole++
		micros -= microsPerSecond
	}
	return Timestamp{Secs: whole, Micros: micros}
}

// Time converts the Timestamp to a time.Time in UTC.
// Returns the zero time for the zero Timestamp.
func (ts Timestamp) Time() time.Time {
	if ts.IsZero() {
		return time.Time{}
	}
	return time.Unix(int64(ts.Secs), int64(ts.Micros)*1000).UTC()
}

// Seconds returns the Timestamp as fractional seconds since the epoch.
// Sample axes and CSV rows use this form.
func (ts Timestamp) Seconds() float64 {
	return float64(ts.Secs) + float64(ts.Micros)/microsPerSecond
}

// IsZero reports whether the Timestamp is unset.
func (ts Timestamp) IsZero() bool {
	return ts.Secs == 0 && ts.Micros == 0
}

// Add returns the Timestamp advanced by d. Negative durations move the
// Timestamp backward; results before the epoch clamp to zero.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	if ts.IsZero() {
		return Timestamp{}
	}
	total := int64(ts.Secs)*microsPerSecond + int64(ts.Micros) + d.Microseconds()
	if total <= 0 {
		return Timestamp{}
	}
	return Timestamp{
		Secs:   uint64(total / microsPerSecond),
		Micros: uint32(total % microsPerSecond),
	}
}

// Sub returns the duration ts - other. Either side being zero yields 0.
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	if ts.IsZero() || other.IsZero() {
		return 0
	}
	us := int64(ts.Secs)*microsPerSecond + int64(ts.Micros) -
		int64(other.Secs)*microsPerSecond - int64(other.Micros)
	return time.Duration(us) * time.Microsecond
}

// Before reports whether ts is strictly earlier than other.
func (ts Timestamp) Before(other Timestamp) bool {
	if ts.Secs != other.Secs {
		return ts.Secs < other.Secs
	}
	return ts.Micros < other.Micros
}

// String formats the Timestamp as RFC3339 with microsecond precision.
// The zero Timestamp formats as an empty string.
func (ts Timestamp) String() string {
	if ts.IsZero() {
		return ""
	}
	return ts.Time().Format("2006-01-02T15:04:05.000000Z07:00")
}

// Since returns the duration elapsed since ts, or 0 for the zero Timestamp.
func Since(ts Timestamp) time.Duration {
	if ts.IsZero() {
		return 0
	}
	return time.Since(ts.Time())
}

// Validate checks that a Timestamp is normalized and reasonable.
// Returns an error when Micros overflows a second or the instant lies
// past year 3000, which indicates a corrupt wire value.
func Validate(ts Timestamp) error {
	if ts.Micros >= microsPerSecond {
		return fmt.Errorf("microseconds out of range: %d", ts.Micros)
	}
	if ts.Secs > 32503680000 {
		return fmt.Errorf("timestamp too far in future: %d", ts.Secs)
	}
	return nil
}
