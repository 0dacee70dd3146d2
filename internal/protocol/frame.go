package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame size constraints.
const (
	// HeaderSize is the fixed frame header length:
	// code(2) + checksum(2) + sequence(2) + length(2).
	HeaderSize = 8

	// MaxFrameSize is the largest frame a terminal accepts or emits.
	MaxFrameSize = 4096

	// MaxPayloadSize is the largest payload that fits in one frame.
	MaxPayloadSize = MaxFrameSize - HeaderSize
)

// Encode builds a wire frame from a code, sequence number and payload.
//
// The checksum is computed over the header (checksum field zeroed) and
// the payload. A nil payload encodes as a header-only frame.
//
// Returns ErrPayloadTooLarge if the payload exceeds MaxPayloadSize.
func Encode(code Code, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(code))
	// Bytes 2-3 stay zero until the checksum is computed.
	binary.BigEndian.PutUint16(frame[4:6], seq)
	binary.BigEndian.PutUint16(frame[6:8], uint16(len(payload))) //nolint:gosec // bounded by MaxPayloadSize
	copy(frame[HeaderSize:], payload)

	binary.BigEndian.PutUint16(frame[2:4], checksum(frame))
	return frame, nil
}

// Decode parses and validates a wire frame.
//
// Returns:
//   - ErrMalformedFrame: frame shorter than the header, or declared
//     payload length disagrees with the bytes present
//   - ErrChecksumMismatch: checksum does not verify
//   - ErrUnknownCommand: code outside the recognised set
//
// On checksum or malformed-frame errors the caller must close the link;
// the byte stream can no longer be framed reliably.
func Decode(frame []byte) (Code, uint16, []byte, error) {
	if len(frame) < HeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(frame), HeaderSize)
	}

	declared := int(binary.BigEndian.Uint16(frame[6:8]))
	if len(frame) != HeaderSize+declared {
		return 0, 0, nil, fmt.Errorf("%w: declared payload %d, got %d bytes",
			ErrMalformedFrame, declared, len(frame)-HeaderSize)
	}

	want := binary.BigEndian.Uint16(frame[2:4])
	if got := verifySum(frame); got != want {
		return 0, 0, nil, fmt.Errorf("%w: want 0x%04X, got 0x%04X", ErrChecksumMismatch, want, got)
	}

	code := Code(binary.BigEndian.Uint16(frame[0:2]))
	if _, ok := knownCodes[code]; !ok {
		return 0, 0, nil, fmt.Errorf("%w: 0x%04X", ErrUnknownCommand, uint16(code))
	}

	seq := binary.BigEndian.Uint16(frame[4:6])

	var payload []byte
	if declared > 0 {
		payload = make([]byte, declared)
		copy(payload, frame[HeaderSize:])
	}

	return code, seq, payload, nil
}

// PayloadLength extracts the declared payload length from a frame
// header. The link uses this to size the second read of a frame.
func PayloadLength(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, fmt.Errorf("%w: header %d bytes", ErrMalformedFrame, len(header))
	}
	n := int(binary.BigEndian.Uint16(header[6:8]))
	if n > MaxPayloadSize {
		return 0, fmt.Errorf("%w: declared payload %d exceeds %d", ErrMalformedFrame, n, MaxPayloadSize)
	}
	return n, nil
}

// checksum computes the 16-bit ones'-complement sum of the frame with
// the checksum field treated as zero. Odd trailing bytes are padded.
func checksum(frame []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(frame); i += 2 {
		if i == 2 {
			continue // checksum field itself
		}
		sum += uint32(binary.BigEndian.Uint16(frame[i : i+2]))
	}
	if len(frame)%2 == 1 {
		sum += uint32(frame[len(frame)-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum)
}

// verifySum recomputes the checksum of a received frame.
func verifySum(frame []byte) uint16 {
	return checksum(frame)
}
