package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		code    Code
		seq     uint16
		payload []byte
	}{
		{name: "connect with empty payload", code: CmdConnect, seq: 0, payload: nil},
		{name: "get time probe", code: CmdGetTime, seq: 42, payload: nil},
		{name: "start enroll", code: CmdStartEnroll, seq: 7, payload: EncodeStartEnroll(1001, 2)},
		{name: "attlog read cursor", code: CmdAttLogRead, seq: 65535, payload: EncodeAttLogRead(99)},
		{name: "ack ok with session id", code: AckOK, seq: 1, payload: []byte{0x12, 0x34}},
		{name: "enroll event with template", code: EventEnrollFinger, seq: 0,
			payload: EncodeEnrollEvent(EnrollEvent{Status: EnrollSuccess, Template: bytes.Repeat([]byte{0xAB}, 512)})},
		{name: "max payload", code: CmdTemplateWrite, seq: 3, payload: make([]byte, MaxPayloadSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.code, tt.seq, tt.payload)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(frame) != HeaderSize+len(tt.payload) {
				t.Fatalf("frame length = %d, want %d", len(frame), HeaderSize+len(tt.payload))
			}

			code, seq, payload, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if code != tt.code {
				t.Errorf("code = %v, want %v", code, tt.code)
			}
			if seq != tt.seq {
				t.Errorf("seq = %d, want %d", seq, tt.seq)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(payload), len(tt.payload))
			}
		})
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(CmdTemplateWrite, 1, make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Encode() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(CmdGetTime, 9, EncodeTime(mustTime(t)))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	corruptChecksum := append([]byte(nil), valid...)
	corruptChecksum[2] ^= 0xFF

	corruptPayload := append([]byte(nil), valid...)
	corruptPayload[HeaderSize] ^= 0x01

	truncated := valid[:len(valid)-2]

	lengthLies := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(lengthLies[6:8], 2)

	unknownCode, err := Encode(CmdGetTime, 9, nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	binary.BigEndian.PutUint16(unknownCode[0:2], 0xBEEF)
	binary.BigEndian.PutUint16(unknownCode[2:4], checksum(unknownCode))

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{name: "too short for header", frame: []byte{0x07, 0xD0, 0x00}, want: ErrMalformedFrame},
		{name: "truncated payload", frame: truncated, want: ErrMalformedFrame},
		{name: "length field disagrees", frame: lengthLies, want: ErrMalformedFrame},
		{name: "corrupted checksum field", frame: corruptChecksum, want: ErrChecksumMismatch},
		{name: "corrupted payload byte", frame: corruptPayload, want: ErrChecksumMismatch},
		{name: "unknown command code", frame: unknownCode, want: ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := Decode(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	frame, err := Encode(AckOK, 5, []byte{0x01, 0x02, 0x03, 0x04})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	_, _, payload, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	frame[HeaderSize] = 0xFF
	if payload[0] == 0xFF {
		t.Error("decoded payload aliases the input frame buffer")
	}
}

func TestPayloadLength(t *testing.T) {
	frame, err := Encode(CmdAttLogRead, 1, EncodeAttLogRead(0))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	n, err := PayloadLength(frame[:HeaderSize])
	if err != nil {
		t.Fatalf("PayloadLength() error = %v", err)
	}
	if n != 4 {
		t.Errorf("PayloadLength() = %d, want 4", n)
	}

	oversized := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(oversized[6:8], MaxPayloadSize+1)
	if _, err := PayloadLength(oversized); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("PayloadLength() oversized error = %v, want ErrMalformedFrame", err)
	}

	if _, err := PayloadLength([]byte{0x00}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("PayloadLength() short header error = %v, want ErrMalformedFrame", err)
	}
}
