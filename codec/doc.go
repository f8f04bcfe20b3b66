// Package codec implements the sensor wire protocol: COBS framing and
// the protobuf record schema.
//
// Sensors emit three message shapes, each COBS-stuffed and terminated
// with a zero delimiter before transmission:
//
//   - Timestamp: the RTC-set handshake message and its acknowledgment
//   - EcgBuffer: a burst of raw int16 ECG samples with electrode state
//   - EdaBuffer: complex skin impedances at increasing frequencies
//
// The transport delivers the stream as arbitrary chunks that may split
// one record or coalesce several. FrameDecoder reassembles delimited
// runs across chunk boundaries and unstuffs them into Frames; decode
// functions then parse a Frame into a typed Record. Malformed runs and
// records are reported and skipped, never fatal: the stream recovers at
// the next delimiter.
//
// Encoding functions exist for the handshake (EncodeTimestamp) and for
// the simulated transport, which plays the firmware side of the
// protocol.
package codec
