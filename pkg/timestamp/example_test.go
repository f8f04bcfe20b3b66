package timestamp_test

import (
	"fmt"
	"time"

	"github.com/sensors-inl/biostream/pkg/timestamp"
)

// ExampleFromTime demonstrates converting a time.Time to the wire format
func ExampleFromTime() {
	t := time.Date(2023, 1, 15, 12, 30, 45, 123456000, time.UTC)
	ts := timestamp.FromTime(t)
	fmt.Printf("secs=%d micros=%d\n", ts.Secs, ts.Micros)

	// Output:
	// secs=1673785845 micros=123456
}

// ExampleTimestamp_Seconds demonstrates the fractional-second form used
// for sample time axes
func ExampleTimestamp_Seconds() {
	ts := timestamp.Timestamp{Secs: 1673785845, Micros: 250000}
	fmt.Printf("%.3f\n", ts.Seconds())

	// Output:
	// 1673785845.250
}

// ExampleTimestamp_Sub demonstrates measuring clock drift between the
// sensor clock and the host clock
func ExampleTimestamp_Sub() {
	device := timestamp.Timestamp{Secs: 1673785845, Micros: 40000}
	host := timestamp.Timestamp{Secs: 1673785845, Micros: 10000}

	drift := device.Sub(host)
	fmt.Printf("drift: %v\n", drift)

	// Output:
	// drift: 30ms
}

// ExampleTimestamp_Add demonstrates advancing a timestamp by a sample period
func ExampleTimestamp_Add() {
	start := timestamp.Timestamp{Secs: 100, Micros: 999500}
	next := start.Add(time.Millisecond)
	fmt.Printf("secs=%d micros=%d\n", next.Secs, next.Micros)

	// Output:
	// secs=101 micros=500
}
