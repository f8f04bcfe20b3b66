package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sensors-inl/biostream/pkg/timestamp"
)

var testTime = timestamp.Timestamp{Secs: 1673785845, Micros: 123456}

func TestDecodeECGRoundTrip(t *testing.T) {
	rec := &ECGRecord{
		Data:    []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80}, // 1, -1, -32768
		LeadOff: LeadOffLeftOff,
		Time:    testTime,
	}

	decoded, err := DecodeECG(EncodeECG(rec))
	require.NoError(t, err)

	assert.Equal(t, rec.Data, decoded.Data)
	assert.Equal(t, LeadOffLeftOff, decoded.LeadOff)
	assert.Equal(t, testTime, decoded.Time)
	assert.Equal(t, []int16{1, -1, -32768}, decoded.Samples())
}

func TestDecodeECGLeadOffStates(t *testing.T) {
	tests := []struct {
		leadOff  LeadOff
		expected string
	}{
		{LeadOffBothOn, "both on"},
		{LeadOffLeftOff, "left off"},
		{LeadOffRightOff, "right off"},
		{LeadOffBothOff, "both off"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			frame := EncodeECG(&ECGRecord{
				Data:    []byte{0x10, 0x00},
				LeadOff: tt.leadOff,
				Time:    testTime,
			})

			decoded, err := DecodeECG(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.leadOff, decoded.LeadOff)
			assert.Equal(t, tt.expected, decoded.LeadOff.String())
		})
	}
}

func TestDecodeECGRejectsMalformed(t *testing.T) {
	t.Run("lead-off out of range", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 7)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodeTimestamp(testTime))

		_, err := DecodeECG(b)
		assert.Error(t, err)
	})

	t.Run("odd sample data length", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte{0x01, 0x02, 0x03})
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, EncodeTimestamp(testTime))

		_, err := DecodeECG(b)
		assert.Error(t, err)
	})

	t.Run("missing timestamp", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte{0x01, 0x02})

		_, err := DecodeECG(b)
		assert.Error(t, err)
	})

	t.Run("truncated tag", func(t *testing.T) {
		_, err := DecodeECG([]byte{0x80})
		assert.Error(t, err)
	})
}

func TestDecodeECGSkipsUnknownFields(t *testing.T) {
	// A future firmware revision may add fields; decoding must not break.
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{0x05, 0x00})
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, EncodeTimestamp(testTime))

	decoded, err := DecodeECG(b)
	require.NoError(t, err)
	assert.Equal(t, []int16{5}, decoded.Samples())
}

func TestDecodeEDARoundTrip(t *testing.T) {
	rec := &EDARecord{
		Impedances: []Impedance{
			{Real: 30000, Imag: -40000},
			{Real: 1.5, Imag: 2.5},
		},
		Time: testTime,
	}

	decoded, err := DecodeEDA(EncodeEDA(rec))
	require.NoError(t, err)

	require.Len(t, decoded.Impedances, 2)
	assert.Equal(t, rec.Impedances, decoded.Impedances)
	assert.Equal(t, testTime, decoded.Time)
	assert.InDelta(t, 50000.0, decoded.Impedances[0].Magnitude(), 0.01)
}

func TestDecodeEDAEmptyImpedances(t *testing.T) {
	// Zero impedance entries is a valid record, not an error.
	decoded, err := DecodeEDA(EncodeEDA(&EDARecord{Time: testTime}))
	require.NoError(t, err)
	assert.Empty(t, decoded.Impedances)
	assert.Equal(t, testTime, decoded.Time)
}

func TestDecodeEDARejectsMissingTimestamp(t *testing.T) {
	var b []byte
	var zb []byte
	zb = protowire.AppendTag(zb, 1, protowire.Fixed32Type)
	zb = protowire.AppendFixed32(zb, 0x3F800000)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, zb)

	_, err := DecodeEDA(b)
	assert.Error(t, err)
}

func TestDecodeAck(t *testing.T) {
	t.Run("valid ack", func(t *testing.T) {
		ack, err := DecodeAck(EncodeTimestamp(testTime))
		require.NoError(t, err)
		assert.Equal(t, testTime, ack.Time)
	})

	t.Run("buffer record is not an ack", func(t *testing.T) {
		frame := EncodeECG(&ECGRecord{Data: []byte{0x01, 0x00}, Time: testTime})
		_, err := DecodeAck(frame)
		assert.Error(t, err)
	})

	t.Run("empty frame is not an ack", func(t *testing.T) {
		_, err := DecodeAck(nil)
		assert.Error(t, err)
	})

	t.Run("microseconds out of range", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1673785845)
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 2_000_000)

		_, err := DecodeAck(b)
		assert.Error(t, err)
	})
}

func TestDecodeRecordDiscriminates(t *testing.T) {
	ecgFrame := Frame(EncodeECG(&ECGRecord{Data: []byte{0x01, 0x00}, Time: testTime}))
	edaFrame := Frame(EncodeEDA(&EDARecord{Impedances: []Impedance{{Real: 1, Imag: 2}}, Time: testTime}))
	ackFrame := Frame(EncodeTimestamp(testTime))

	t.Run("ecg kind", func(t *testing.T) {
		rec, err := DecodeRecord(ecgFrame, KindECG)
		require.NoError(t, err)
		_, ok := rec.(*ECGRecord)
		assert.True(t, ok, "expected *ECGRecord, got %T", rec)
	})

	t.Run("eda kind", func(t *testing.T) {
		rec, err := DecodeRecord(edaFrame, KindEDA)
		require.NoError(t, err)
		_, ok := rec.(*EDARecord)
		assert.True(t, ok, "expected *EDARecord, got %T", rec)
	})

	t.Run("ack on either kind", func(t *testing.T) {
		for _, kind := range []Kind{KindECG, KindEDA} {
			rec, err := DecodeRecord(ackFrame, kind)
			require.NoError(t, err)
			ack, ok := rec.(*AckRecord)
			require.True(t, ok, "expected *AckRecord, got %T", rec)
			assert.Equal(t, testTime, ack.Time)
		}
	})

	t.Run("mismatched kind fails", func(t *testing.T) {
		_, err := DecodeRecord(edaFrame, KindECG)
		assert.Error(t, err)
	})

	t.Run("timestamp accessor", func(t *testing.T) {
		for _, frame := range []Frame{ecgFrame, ackFrame} {
			rec, err := DecodeRecord(frame, KindECG)
			require.NoError(t, err)
			assert.Equal(t, testTime, rec.Timestamp())
		}
	})
}

func TestEncodeTimestampOmitsZeroFields(t *testing.T) {
	assert.Empty(t, EncodeTimestamp(timestamp.Timestamp{}))

	b := EncodeTimestamp(timestamp.Timestamp{Secs: 5})
	ack, err := DecodeAck(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ack.Time.Secs)
	assert.Equal(t, uint32(0), ack.Time.Micros)
}

func TestFramedRecordEndToEnd(t *testing.T) {
	// Full path: encode record, stuff, frame, split, reassemble, decode.
	rec := &ECGRecord{
		Data:    []byte{0x34, 0x12, 0x00, 0x00, 0xCD, 0xAB},
		LeadOff: LeadOffBothOff,
		Time:    testTime,
	}
	wire := EncodeFrame(EncodeECG(rec))

	d := NewFrameDecoder(0)
	var frames []Frame
	for i := range wire {
		f, errs := d.Feed(wire[i : i+1])
		require.Empty(t, errs)
		frames = append(frames, f...)
	}
	require.Len(t, frames, 1)

	decoded, err := DecodeRecord(frames[0], KindECG)
	require.NoError(t, err)

	ecg, ok := decoded.(*ECGRecord)
	require.True(t, ok)
	assert.Equal(t, rec.Data, ecg.Data)
	assert.Equal(t, LeadOffBothOff, ecg.LeadOff)
	assert.Equal(t, testTime, ecg.Time)
}
