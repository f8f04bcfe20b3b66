package sensor

import (
	"time"

	"github.com/sensors-inl/biostream/codec"
	"github.com/sensors-inl/biostream/pkg/timestamp"
)

// Sample is one plottable measurement point. Time carries nanosecond
// resolution: the 512 Hz sampling period is 1953125 ns, which the wire
// timestamp's whole microseconds cannot represent.
type Sample struct {
	Time  time.Time
	Value float64
}

// EpochSeconds returns t as fractional Unix seconds, the form sample
// axes and stream chunks use.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// Envelope carries one decoded record from a session to the distribution
// pipeline. Envelopes are immutable once created.
type Envelope struct {
	Sensor   Identity
	Record   codec.Record
	HostTime timestamp.Timestamp
	Seq      uint64 // 1-based record index within the session
}

// Samples expands the enveloped record into measurement points.
// Acknowledgment records expand to nothing.
func (e *Envelope) Samples() []Sample {
	switch rec := e.Record.(type) {
	case *codec.ECGRecord:
		return ExpandECG(rec)
	case *codec.EDARecord:
		return ExpandEDA(rec)
	default:
		return nil
	}
}

// ecgSamplePeriod is exact: 1e9 ns / 512 = 1953125 ns.
const ecgSamplePeriod = time.Second / ECGSamplingRate

// ExpandECG converts an ECG buffer into one point per sample, spaced at
// the 512 Hz sampling period from the record timestamp. Values are raw
// converter output in arbitrary units.
func ExpandECG(rec *codec.ECGRecord) []Sample {
	values := rec.Samples()
	base := rec.Time.Time()
	out := make([]Sample, len(values))
	for i, v := range values {
		out[i] = Sample{
			Time:  base.Add(time.Duration(i) * ecgSamplePeriod),
			Value: float64(v),
		}
	}
	return out
}

// ExpandEDA converts an EDA buffer into a single skin conductance point
// in microsiemens: 1e6 / |Z| of the first impedance pair, which is the
// lowest excitation frequency. Records with no impedances, or a zero
// first magnitude, expand to nothing.
func ExpandEDA(rec *codec.EDARecord) []Sample {
	if len(rec.Impedances) == 0 {
		return nil
	}
	mag := rec.Impedances[0].Magnitude()
	if mag == 0 {
		return nil
	}
	return []Sample{{
		Time:  rec.Time.Time(),
		Value: 1e6 / mag,
	}}
}
