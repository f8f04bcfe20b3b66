package codec

import (
	"bytes"
	"fmt"

	"github.com/sensors-inl/biostream/errors"
)

// DefaultMaxFrameLen bounds the reassembly buffer. Sensor records are a
// few hundred bytes; a run growing past this without a delimiter means
// the delimiter was lost in transit.
const DefaultMaxFrameLen = 4096

// Frame is one unstuffed record payload, ready for record decoding.
type Frame []byte

// FrameError reports a discarded byte run. Frame errors are diagnostics:
// the decoder recovers at the next delimiter and the stream continues.
type FrameError struct {
	Discarded int // length of the discarded run in stuffed bytes
	Err       error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame discarded (%d bytes): %v", e.Discarded, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// FrameDecoder reassembles delimiter-framed records from a fragmented
// chunk stream. Chunks may split one record across calls or carry several
// records at once; the decoder keeps the unterminated tail between calls.
//
// A FrameDecoder is owned by a single session and is not safe for
// concurrent use.
type FrameDecoder struct {
	pending    []byte
	discarding bool
	maxFrame   int
}

// NewFrameDecoder creates a decoder with the given reassembly cap.
// A cap of 0 or below selects DefaultMaxFrameLen.
func NewFrameDecoder(maxFrameLen int) *FrameDecoder {
	if maxFrameLen <= 0 {
		maxFrameLen = DefaultMaxFrameLen
	}
	return &FrameDecoder{maxFrame: maxFrameLen}
}

// Feed consumes one transport chunk and returns every frame completed by
// it, in arrival order, plus any discarded runs. A run becomes a Frame
// only once its delimiter has been observed; bytes after the last
// delimiter buffer as the start of the next run. Empty runs between
// consecutive delimiters are skipped.
func (d *FrameDecoder) Feed(chunk []byte) ([]Frame, []*FrameError) {
	var frames []Frame
	var errs []*FrameError

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, Delimiter)
		if i < 0 {
			if d.discarding {
				// Still inside an oversized run; drop until a delimiter.
				return frames, errs
			}
			d.pending = append(d.pending, chunk...)
			if len(d.pending) > d.maxFrame {
				errs = append(errs, &FrameError{
					Discarded: len(d.pending),
					Err:       errors.ErrFrameTooLong,
				})
				d.pending = nil
				d.discarding = true
			}
			return frames, errs
		}

		run := chunk[:i]
		chunk = chunk[i+1:]

		if d.discarding {
			// The delimiter ends the oversized run already reported.
			d.discarding = false
			continue
		}

		if len(d.pending) > 0 {
			run = append(d.pending, run...)
			d.pending = nil
		}

		if len(run) == 0 {
			continue
		}
		if len(run) > d.maxFrame {
			errs = append(errs, &FrameError{
				Discarded: len(run),
				Err:       errors.ErrFrameTooLong,
			})
			continue
		}

		payload, err := Decode(run)
		if err != nil {
			errs = append(errs, &FrameError{Discarded: len(run), Err: err})
			continue
		}
		frames = append(frames, Frame(payload))
	}

	return frames, errs
}

// Pending returns the size of the buffered unterminated run.
func (d *FrameDecoder) Pending() int {
	return len(d.pending)
}

// Reset drops any buffered run, returning the decoder to its initial
// state. A decoder reused across links must reset so a stale partial
// run from the old link cannot corrupt the first frame of the new one.
func (d *FrameDecoder) Reset() {
	d.pending = nil
	d.discarding = false
}
