package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/pkg/timestamp"
)

// Kind selects which buffer shape a sensor emits.
type Kind int

const (
	KindECG Kind = iota
	KindEDA
)

func (k Kind) String() string {
	switch k {
	case KindECG:
		return "ecg"
	case KindEDA:
		return "eda"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// LeadOff is the ECG electrode contact state reported with every buffer.
type LeadOff int

const (
	LeadOffBothOn LeadOff = iota
	LeadOffLeftOff
	LeadOffRightOff
	LeadOffBothOff
)

// String returns the display form used in status output and events.
func (l LeadOff) String() string {
	switch l {
	case LeadOffBothOn:
		return "both on"
	case LeadOffLeftOff:
		return "left off"
	case LeadOffRightOff:
		return "right off"
	case LeadOffBothOff:
		return "both off"
	default:
		return fmt.Sprintf("lead-off(%d)", int(l))
	}
}

// Record is one decoded wire message.
type Record interface {
	// Timestamp is the device clock instant attached to the record.
	Timestamp() timestamp.Timestamp
}

// ECGRecord is one EcgBuffer: a burst of raw ECG samples plus electrode
// state. Data holds little-endian int16 samples.
type ECGRecord struct {
	Data    []byte
	LeadOff LeadOff
	Time    timestamp.Timestamp
}

func (r *ECGRecord) Timestamp() timestamp.Timestamp { return r.Time }

// Samples decodes Data into int16 sample values.
func (r *ECGRecord) Samples() []int16 {
	out := make([]int16, len(r.Data)/2)
	for i := range out {
		out[i] = int16(uint16(r.Data[2*i]) | uint16(r.Data[2*i+1])<<8)
	}
	return out
}

// Impedance is one complex impedance measurement.
type Impedance struct {
	Real float32
	Imag float32
}

// Magnitude returns |Z|.
func (z Impedance) Magnitude() float64 {
	return math.Sqrt(float64(z.Real)*float64(z.Real) + float64(z.Imag)*float64(z.Imag))
}

// EDARecord is one EdaBuffer: complex skin impedances at increasing
// excitation frequencies. An empty Impedances slice is valid.
type EDARecord struct {
	Impedances []Impedance
	Time       timestamp.Timestamp
}

func (r *EDARecord) Timestamp() timestamp.Timestamp { return r.Time }

// AckRecord is the device's acknowledgment of the RTC-set handshake: a
// bare Timestamp echoed back once the clock is applied.
type AckRecord struct {
	Time timestamp.Timestamp
}

func (r *AckRecord) Timestamp() timestamp.Timestamp { return r.Time }

// DecodeRecord interprets one frame. A frame that parses as a bare
// Timestamp is an AckRecord regardless of kind; otherwise kind selects
// the buffer shape. Errors are invalid-class: the caller drops the frame
// and continues with the next one.
func DecodeRecord(frame Frame, kind Kind) (Record, error) {
	if ack, err := DecodeAck(frame); err == nil {
		return ack, nil
	}
	switch kind {
	case KindECG:
		return DecodeECG(frame)
	case KindEDA:
		return DecodeEDA(frame)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown sensor kind %d", int(kind)),
			"RecordDecoder", "DecodeRecord", "select buffer shape")
	}
}

// DecodeECG parses an EcgBuffer frame.
func DecodeECG(frame Frame) (*ECGRecord, error) {
	rec := &ECGRecord{}
	sawTime := false

	b := []byte(frame)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("DecodeECG", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("DecodeECG", protowire.ParseError(n))
			}
			if len(v)%2 != 0 {
				return nil, malformed("DecodeECG",
					fmt.Errorf("sample data length %d is not a whole number of int16", len(v)))
			}
			rec.Data = append([]byte(nil), v...)
			b = b[n:]

		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("DecodeECG", protowire.ParseError(n))
			}
			if v > uint64(LeadOffBothOff) {
				return nil, malformed("DecodeECG",
					fmt.Errorf("lead-off status %d out of range", v))
			}
			rec.LeadOff = LeadOff(v)
			b = b[n:]

		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("DecodeECG", protowire.ParseError(n))
			}
			ts, err := decodeTimestamp(v)
			if err != nil {
				return nil, malformed("DecodeECG", err)
			}
			rec.Time = ts
			sawTime = true
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("DecodeECG", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !sawTime {
		return nil, malformed("DecodeECG", fmt.Errorf("missing timestamp"))
	}
	return rec, nil
}

// DecodeEDA parses an EdaBuffer frame.
func DecodeEDA(frame Frame) (*EDARecord, error) {
	rec := &EDARecord{}
	sawTime := false

	b := []byte(frame)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("DecodeEDA", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("DecodeEDA", protowire.ParseError(n))
			}
			z, err := decodeImpedance(v)
			if err != nil {
				return nil, malformed("DecodeEDA", err)
			}
			rec.Impedances = append(rec.Impedances, z)
			b = b[n:]

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("DecodeEDA", protowire.ParseError(n))
			}
			ts, err := decodeTimestamp(v)
			if err != nil {
				return nil, malformed("DecodeEDA", err)
			}
			rec.Time = ts
			sawTime = true
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("DecodeEDA", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !sawTime {
		return nil, malformed("DecodeEDA", fmt.Errorf("missing timestamp"))
	}
	return rec, nil
}

// DecodeAck parses a bare Timestamp frame. Only varint fields 1 and 2
// may appear; anything else means the frame is a buffer record, not an
// acknowledgment.
func DecodeAck(frame Frame) (*AckRecord, error) {
	if len(frame) == 0 {
		return nil, malformed("DecodeAck", fmt.Errorf("empty frame"))
	}
	ts, err := decodeTimestamp(frame)
	if err != nil {
		return nil, malformed("DecodeAck", err)
	}
	return &AckRecord{Time: ts}, nil
}

// decodeTimestamp parses the Timestamp message body.
func decodeTimestamp(b []byte) (timestamp.Timestamp, error) {
	var ts timestamp.Timestamp

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ts, protowire.ParseError(n)
		}
		if typ != protowire.VarintType || (num != 1 && num != 2) {
			return ts, fmt.Errorf("unexpected field %d (wire type %d) in timestamp", num, typ)
		}
		b = b[n:]

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return ts, protowire.ParseError(n)
		}
		b = b[n:]

		if num == 1 {
			ts.Secs = v
		} else {
			if v > math.MaxUint32 {
				return ts, fmt.Errorf("microseconds %d overflows uint32", v)
			}
			ts.Micros = uint32(v)
		}
	}

	if err := timestamp.Validate(ts); err != nil {
		return ts, err
	}
	return ts, nil
}

// decodeImpedance parses one ComplexFloat message body.
func decodeImpedance(b []byte) (Impedance, error) {
	var z Impedance

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return z, protowire.ParseError(n)
		}
		if typ != protowire.Fixed32Type || (num != 1 && num != 2) {
			return z, fmt.Errorf("unexpected field %d (wire type %d) in impedance", num, typ)
		}
		b = b[n:]

		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return z, protowire.ParseError(n)
		}
		b = b[n:]

		if num == 1 {
			z.Real = math.Float32frombits(v)
		} else {
			z.Imag = math.Float32frombits(v)
		}
	}
	return z, nil
}

// EncodeTimestamp builds the Timestamp wire body sent during the RTC-set
// handshake. Zero fields are omitted, matching standard proto3 encoders.
func EncodeTimestamp(ts timestamp.Timestamp) []byte {
	var b []byte
	if ts.Secs != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, ts.Secs)
	}
	if ts.Micros != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ts.Micros))
	}
	return b
}

// EncodeECG builds an EcgBuffer wire body. The simulated transport and
// round-trip tests use it; real devices encode on the firmware side.
func EncodeECG(rec *ECGRecord) []byte {
	var b []byte
	if len(rec.Data) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, rec.Data)
	}
	if rec.LeadOff != LeadOffBothOn {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(rec.LeadOff))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, EncodeTimestamp(rec.Time))
	return b
}

// EncodeEDA builds an EdaBuffer wire body.
func EncodeEDA(rec *EDARecord) []byte {
	var b []byte
	for _, z := range rec.Impedances {
		var zb []byte
		zb = protowire.AppendTag(zb, 1, protowire.Fixed32Type)
		zb = protowire.AppendFixed32(zb, math.Float32bits(z.Real))
		zb = protowire.AppendTag(zb, 2, protowire.Fixed32Type)
		zb = protowire.AppendFixed32(zb, math.Float32bits(z.Imag))

		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, zb)
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, EncodeTimestamp(rec.Time))
	return b
}

func malformed(method string, err error) error {
	return errors.WrapInvalid(err, "RecordDecoder", method, "parse frame")
}
