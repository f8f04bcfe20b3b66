package codec

import (
	"bytes"
	"testing"

	"github.com/sensors-inl/biostream/errors"
)

// feedAll pushes chunks through a decoder and collects everything.
func feedAll(d *FrameDecoder, chunks [][]byte) ([]Frame, []*FrameError) {
	var frames []Frame
	var errs []*FrameError
	for _, chunk := range chunks {
		f, e := d.Feed(chunk)
		frames = append(frames, f...)
		errs = append(errs, e...)
	}
	return frames, errs
}

// splitAt slices data into chunks at the given boundaries.
func splitAt(data []byte, points ...int) [][]byte {
	var chunks [][]byte
	prev := 0
	for _, p := range points {
		chunks = append(chunks, data[prev:p])
		prev = p
	}
	return append(chunks, data[prev:])
}

func TestFrameDecoderReassemblesAcrossAnySplit(t *testing.T) {
	records := [][]byte{
		{0x01, 0x02, 0x03},
		{0x00, 0x00},
		{0xAA},
		{0x10, 0x00, 0x20, 0x00, 0x30},
	}

	var wire []byte
	for _, rec := range records {
		wire = append(wire, EncodeFrame(rec)...)
	}

	// Every possible single split point, plus a byte-at-a-time feed.
	for split := 0; split <= len(wire); split++ {
		d := NewFrameDecoder(0)
		frames, errs := feedAll(d, splitAt(wire, split))

		if len(errs) != 0 {
			t.Fatalf("split at %d: unexpected frame errors: %v", split, errs)
		}
		if len(frames) != len(records) {
			t.Fatalf("split at %d: got %d frames, expected %d", split, len(frames), len(records))
		}
		for i, rec := range records {
			if !bytes.Equal(frames[i], rec) {
				t.Fatalf("split at %d: frame %d = %x, expected %x", split, i, frames[i], rec)
			}
		}
	}

	t.Run("byte at a time", func(t *testing.T) {
		d := NewFrameDecoder(0)
		var frames []Frame
		for i := range wire {
			f, errs := d.Feed(wire[i : i+1])
			if len(errs) != 0 {
				t.Fatalf("byte %d: unexpected errors: %v", i, errs)
			}
			frames = append(frames, f...)
		}
		if len(frames) != len(records) {
			t.Fatalf("got %d frames, expected %d", len(frames), len(records))
		}
	})

	t.Run("all in one chunk", func(t *testing.T) {
		d := NewFrameDecoder(0)
		frames, errs := d.Feed(wire)
		if len(errs) != 0 || len(frames) != len(records) {
			t.Fatalf("got %d frames and %d errors", len(frames), len(errs))
		}
	})
}

func TestFrameDecoderIsolatesMalformedRun(t *testing.T) {
	good1 := EncodeFrame([]byte{0x01, 0x02})
	good2 := EncodeFrame([]byte{0x03, 0x04})
	// A group code that overruns the run, then the delimiter.
	corrupt := []byte{0x09, 0x11, 0x22, Delimiter}

	var wire []byte
	wire = append(wire, good1...)
	wire = append(wire, corrupt...)
	wire = append(wire, good2...)

	d := NewFrameDecoder(0)
	frames, errs := d.Feed(wire)

	if len(frames) != 2 {
		t.Fatalf("got %d frames, expected both valid records", len(frames))
	}
	if !bytes.Equal(frames[0], []byte{0x01, 0x02}) || !bytes.Equal(frames[1], []byte{0x03, 0x04}) {
		t.Errorf("valid records corrupted: %x, %x", frames[0], frames[1])
	}
	if len(errs) != 1 {
		t.Fatalf("got %d frame errors, expected exactly 1", len(errs))
	}
	if errs[0].Discarded != 3 {
		t.Errorf("Discarded = %d, expected 3", errs[0].Discarded)
	}
}

func TestFrameDecoderSkipsEmptyRuns(t *testing.T) {
	d := NewFrameDecoder(0)

	wire := append([]byte{Delimiter, Delimiter}, EncodeFrame([]byte{0x42})...)
	wire = append(wire, Delimiter)

	frames, errs := d.Feed(wire)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0x42}) {
		t.Fatalf("got frames %x, expected single 0x42", frames)
	}
}

func TestFrameDecoderEnforcesReassemblyCap(t *testing.T) {
	d := NewFrameDecoder(16)

	// A long zero-free run with no delimiter in sight.
	junk := bytes.Repeat([]byte{0x55}, 10)

	_, errs := d.Feed(junk)
	if len(errs) != 0 {
		t.Fatalf("below cap: unexpected errors: %v", errs)
	}

	_, errs = d.Feed(junk)
	if len(errs) != 1 {
		t.Fatalf("got %d errors crossing the cap, expected 1", len(errs))
	}
	if !errors.Is(errs[0], errors.ErrFrameTooLong) {
		t.Errorf("error = %v, expected ErrFrameTooLong", errs[0])
	}

	// Still inside the oversized run: no duplicate reports.
	_, errs = d.Feed(junk)
	if len(errs) != 0 {
		t.Fatalf("duplicate cap errors: %v", errs)
	}

	// The delimiter ends the oversized run; the next record decodes clean.
	frames, errs := d.Feed(append([]byte{Delimiter}, EncodeFrame([]byte{0x07})...))
	if len(errs) != 0 {
		t.Fatalf("after recovery: unexpected errors: %v", errs)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0x07}) {
		t.Fatalf("after recovery: got frames %x, expected single 0x07", frames)
	}
}

func TestFrameDecoderCapAppliesToCompletedRun(t *testing.T) {
	d := NewFrameDecoder(8)

	// Run plus delimiter arrives in one chunk but exceeds the cap.
	run := append(bytes.Repeat([]byte{0x55}, 12), Delimiter)
	frames, errs := d.Feed(append(run, EncodeFrame([]byte{0x07})...))

	if len(errs) != 1 || !errors.Is(errs[0], errors.ErrFrameTooLong) {
		t.Fatalf("errors = %v, expected one ErrFrameTooLong", errs)
	}
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0x07}) {
		t.Fatalf("frames = %x, expected the following record intact", frames)
	}
}

func TestFrameDecoderReset(t *testing.T) {
	d := NewFrameDecoder(0)

	d.Feed([]byte{0x03, 0x11}) // partial run
	if d.Pending() != 2 {
		t.Fatalf("Pending() = %d, expected 2", d.Pending())
	}

	d.Reset()
	if d.Pending() != 0 {
		t.Fatalf("Pending() = %d after Reset, expected 0", d.Pending())
	}

	// A fresh, complete frame decodes normally after the reset.
	frames, errs := d.Feed(EncodeFrame([]byte{0x08, 0x09}))
	if len(errs) != 0 || len(frames) != 1 {
		t.Fatalf("got %d frames and %d errors after reset", len(frames), len(errs))
	}
	if !bytes.Equal(frames[0], []byte{0x08, 0x09}) {
		t.Errorf("frame = %x, expected 0809", frames[0])
	}
}
