package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// EventKind classifies an attendance log record's punch direction.
type EventKind byte

// Punch markers used in attendance log records.
const (
	PunchCheckIn  EventKind = 0x00
	PunchCheckOut EventKind = 0x01
)

// LogRecord is one attendance punch as stored in a terminal's log.
//
// Terminals assign each record a monotonically increasing native
// sequence id; the host uses it both as a retrieval cursor and as the
// device half of the attendance idempotency key.
type LogRecord struct {
	Seq      uint32
	LocalUID uint32
	Time     time.Time
	Kind     EventKind
}

// logRecordSize is the wire size of one attendance log record:
// seq(4) + localUID(4) + unixTime(4) + kind(1) + padding(3).
const logRecordSize = 16

// EncodeLogRecords marshals attendance records into the reply payload
// layout of CmdAttLogRead and EventAttLog frames.
func EncodeLogRecords(records []LogRecord) []byte {
	buf := make([]byte, len(records)*logRecordSize)
	for i, rec := range records {
		off := i * logRecordSize
		binary.BigEndian.PutUint32(buf[off:off+4], rec.Seq)
		binary.BigEndian.PutUint32(buf[off+4:off+8], rec.LocalUID)
		binary.BigEndian.PutUint32(buf[off+8:off+12], uint32(rec.Time.Unix())) //nolint:gosec // device clocks are contemporary
		buf[off+12] = byte(rec.Kind)
	}
	return buf
}

// ParseLogRecords unmarshals the payload of a CmdAttLogRead reply or an
// EventAttLog frame. An empty payload yields an empty slice.
func ParseLogRecords(payload []byte) ([]LogRecord, error) {
	if len(payload)%logRecordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte records",
			ErrMalformedFrame, len(payload), logRecordSize)
	}

	records := make([]LogRecord, 0, len(payload)/logRecordSize)
	for off := 0; off < len(payload); off += logRecordSize {
		records = append(records, LogRecord{
			Seq:      binary.BigEndian.Uint32(payload[off : off+4]),
			LocalUID: binary.BigEndian.Uint32(payload[off+4 : off+8]),
			Time:     time.Unix(int64(binary.BigEndian.Uint32(payload[off+8:off+12])), 0).UTC(),
			Kind:     EventKind(payload[off+12]),
		})
	}
	return records, nil
}

// EnrollStatus reports the outcome of one enrolment capture attempt.
type EnrollStatus byte

// Enrolment capture outcomes carried in EventEnrollFinger frames.
const (
	EnrollSuccess     EnrollStatus = 0x00
	EnrollPoorQuality EnrollStatus = 0x01
	EnrollDuplicate   EnrollStatus = 0x02
	EnrollTimeout     EnrollStatus = 0x03
)

// String returns the terminal-facing name of the status.
func (s EnrollStatus) String() string {
	switch s {
	case EnrollSuccess:
		return "success"
	case EnrollPoorQuality:
		return "poor_quality"
	case EnrollDuplicate:
		return "duplicate_finger"
	case EnrollTimeout:
		return "capture_timeout"
	default:
		return fmt.Sprintf("status_0x%02X", byte(s))
	}
}

// EnrollEvent is the decoded payload of an EventEnrollFinger frame.
// Template is populated only when Status is EnrollSuccess.
type EnrollEvent struct {
	Status   EnrollStatus
	Template []byte
}

// EncodeEnrollEvent marshals an enrolment event payload.
func EncodeEnrollEvent(ev EnrollEvent) []byte {
	buf := make([]byte, 1+len(ev.Template))
	buf[0] = byte(ev.Status)
	copy(buf[1:], ev.Template)
	return buf
}

// ParseEnrollEvent unmarshals an EventEnrollFinger payload.
func ParseEnrollEvent(payload []byte) (EnrollEvent, error) {
	if len(payload) < 1 {
		return EnrollEvent{}, fmt.Errorf("%w: enroll event needs a status byte", ErrShortPayload)
	}
	ev := EnrollEvent{Status: EnrollStatus(payload[0])}
	if len(payload) > 1 {
		ev.Template = make([]byte, len(payload)-1)
		copy(ev.Template, payload[1:])
	}
	return ev, nil
}

// EncodeStartEnroll marshals a CmdStartEnroll payload.
func EncodeStartEnroll(localUID uint32, finger uint8) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], localUID)
	buf[4] = finger
	return buf
}

// ParseStartEnroll unmarshals a CmdStartEnroll payload. Used by the
// simulated link to mirror a real terminal.
func ParseStartEnroll(payload []byte) (localUID uint32, finger uint8, err error) {
	if len(payload) < 5 {
		return 0, 0, fmt.Errorf("%w: start enroll needs 5 bytes", ErrShortPayload)
	}
	return binary.BigEndian.Uint32(payload[0:4]), payload[4], nil
}

// EncodeAuth marshals a CmdAuth payload carrying the terminal comm key.
func EncodeAuth(key uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, key)
	return buf
}

// ParseAuth unmarshals a CmdAuth payload.
func ParseAuth(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: auth needs 4 bytes", ErrShortPayload)
	}
	return binary.BigEndian.Uint32(payload[0:4]), nil
}

// EncodeTemplateWrite marshals a CmdTemplateWrite payload.
func EncodeTemplateWrite(localUID uint32, finger uint8, template []byte) []byte {
	buf := make([]byte, 5+len(template))
	binary.BigEndian.PutUint32(buf[0:4], localUID)
	buf[4] = finger
	copy(buf[5:], template)
	return buf
}

// EncodeTemplateRead marshals a CmdTemplateRead payload.
func EncodeTemplateRead(localUID uint32, finger uint8) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], localUID)
	buf[4] = finger
	return buf
}

// EncodeUserWrite marshals a CmdUserWrite payload. Names longer than
// 24 bytes are truncated; shorter names are NUL padded.
func EncodeUserWrite(localUID uint32, name string) []byte {
	const nameField = 24
	buf := make([]byte, 4+nameField)
	binary.BigEndian.PutUint32(buf[0:4], localUID)
	copy(buf[4:], name)
	return buf
}

// EncodeDeleteUser marshals a CmdDeleteUser payload.
func EncodeDeleteUser(localUID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, localUID)
	return buf
}

// EncodeAttLogRead marshals a CmdAttLogRead payload: return records
// with a native sequence id strictly greater than sinceSeq.
func EncodeAttLogRead(sinceSeq uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, sinceSeq)
	return buf
}

// ParseAttLogRead unmarshals a CmdAttLogRead payload.
func ParseAttLogRead(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: attlog read needs 4 bytes", ErrShortPayload)
	}
	return binary.BigEndian.Uint32(payload[0:4]), nil
}

// EncodeTime marshals a clock value for CmdSetTime and GetTime replies.
func EncodeTime(t time.Time) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(t.Unix())) //nolint:gosec // device clocks are contemporary
	return buf
}

// ParseTime unmarshals a clock payload.
func ParseTime(payload []byte) (time.Time, error) {
	if len(payload) < 4 {
		return time.Time{}, fmt.Errorf("%w: time needs 4 bytes", ErrShortPayload)
	}
	return time.Unix(int64(binary.BigEndian.Uint32(payload[0:4])), 0).UTC(), nil
}

// Event flag bits for CmdRegisterEvent.
const (
	EventMaskAttLog uint32 = 1 << 0
	EventMaskEnroll uint32 = 1 << 1
)

// EncodeRegisterEvent marshals a CmdRegisterEvent payload.
func EncodeRegisterEvent(mask uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, mask)
	return buf
}

// RejectCode is the terminal's reason for an AckError reply.
type RejectCode uint16

// Reject codes observed on the terminals.
const (
	RejectGeneric      RejectCode = 0x0001
	RejectBusy         RejectCode = 0x0002
	RejectUnauthorized RejectCode = 0x0003
	RejectNoSuchUser   RejectCode = 0x0004
	RejectStorageFull  RejectCode = 0x0005
)

// EncodeReject marshals an AckError payload.
func EncodeReject(code RejectCode) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(code))
	return buf
}

// ParseReject unmarshals an AckError payload. A missing payload maps
// to RejectGeneric rather than an error; some firmware sends none.
func ParseReject(payload []byte) RejectCode {
	if len(payload) < 2 {
		return RejectGeneric
	}
	return RejectCode(binary.BigEndian.Uint16(payload[0:2]))
}

// Event is one unsolicited frame delivered to a link's event handler.
type Event struct {
	Code    Code
	Payload []byte
	At      time.Time
}

// String returns a compact description for logging.
func (e Event) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Event{%s, %d bytes}", e.Code, len(e.Payload))
	return b.String()
}
