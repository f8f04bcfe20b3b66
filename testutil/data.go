package testutil

// Deterministic records and envelopes for dispatch and sink tests.
// Values are fixed so assertions can be exact.

import (
	"testing"
	"time"

	"github.com/sensors-inl/biostream/codec"
	"github.com/sensors-inl/biostream/pkg/timestamp"
	"github.com/sensors-inl/biostream/sensor"
)

// BaseTime is the epoch used by the envelope generators.
var BaseTime = timestamp.Timestamp{Secs: 1700000000}

// ECGRamp builds an ECG record whose samples count up from start.
func ECGRamp(start int16, count int, ts timestamp.Timestamp) *codec.ECGRecord {
	data := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		v := uint16(start + int16(i))
		data = append(data, byte(v), byte(v>>8))
	}
	return &codec.ECGRecord{Data: data, LeadOff: codec.LeadOffBothOn, Time: ts}
}

// EDAFixed builds an EDA record with count copies of a purely resistive
// impedance.
func EDAFixed(realOhms float32, count int, ts timestamp.Timestamp) *codec.EDARecord {
	impedances := make([]codec.Impedance, count)
	for i := range impedances {
		impedances[i] = codec.Impedance{Real: realOhms}
	}
	return &codec.EDARecord{Impedances: impedances, Time: ts}
}

// ECGEnvelope wraps an 8-sample ECG ramp for the named sensor. The record
// time advances from BaseTime with seq, so per-sensor sequences are ordered
// in both Seq and time.
func ECGEnvelope(t *testing.T, name string, seq uint64) *sensor.Envelope {
	t.Helper()

	identity, err := sensor.ParseIdentity(name)
	if err != nil {
		t.Fatalf("parse identity %q: %v", name, err)
	}
	ts := BaseTime.Add(time.Duration(seq) * time.Second / 8)
	return &sensor.Envelope{
		Sensor:   identity,
		Record:   ECGRamp(int16(seq), 8, ts),
		HostTime: ts,
		Seq:      seq,
	}
}

// EDAEnvelope wraps a single-impedance EDA record for the named sensor.
// The default 50 kOhm resistive impedance expands to 20 uS.
func EDAEnvelope(t *testing.T, name string, seq uint64) *sensor.Envelope {
	t.Helper()

	identity, err := sensor.ParseIdentity(name)
	if err != nil {
		t.Fatalf("parse identity %q: %v", name, err)
	}
	ts := BaseTime.Add(time.Duration(seq) * time.Second / 8)
	return &sensor.Envelope{
		Sensor:   identity,
		Record:   EDAFixed(50_000, 1, ts),
		HostTime: ts,
		Seq:      seq,
	}
}
