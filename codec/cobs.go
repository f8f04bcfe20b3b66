package codec

import "fmt"

// Delimiter terminates every frame on the wire. COBS stuffing guarantees
// the payload itself never contains this byte.
const Delimiter byte = 0x00

// maxGroup is the largest COBS group: a code byte of 0xFF announces 254
// data bytes with no implicit zero following.
const maxGroup = 0xFF

// Encode applies COBS stuffing to payload. The result contains no zero
// bytes and does not include the trailing frame delimiter; EncodeFrame
// appends it.
func Encode(payload []byte) []byte {
	dst := make([]byte, 0, len(payload)+len(payload)/254+2)

	codeIdx := 0
	dst = append(dst, 0)
	code := byte(1)

	for _, b := range payload {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == maxGroup {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}

	dst[codeIdx] = code
	return dst
}

// Decode reverses COBS stuffing. The input must be one stuffed record
// without its frame delimiter. The returned slice is freshly allocated
// and never aliases data.
func Decode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty cobs input")
	}

	dst := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		code := data[i]
		if code == 0 {
			return nil, fmt.Errorf("unexpected zero byte at offset %d", i)
		}
		i++

		block := int(code) - 1
		if i+block > len(data) {
			return nil, fmt.Errorf("group code %#02x at offset %d overruns input", code, i-1)
		}
		dst = append(dst, data[i:i+block]...)
		i += block

		// A full group carries no implicit zero; every other group does,
		// except the final one.
		if code != maxGroup && i < len(data) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}

// EncodeFrame stuffs a record and terminates it with the frame delimiter,
// producing exactly what travels over the transport.
func EncodeFrame(record []byte) []byte {
	return append(Encode(record), Delimiter)
}
