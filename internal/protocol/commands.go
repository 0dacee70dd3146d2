package protocol

// Code identifies a command, reply or event frame on the wire.
type Code uint16

// Command codes sent by the host to a terminal.
const (
	// CmdConnect opens a session after the TCP connection is established.
	// The terminal answers AckOK with a 2-byte session identifier.
	CmdConnect Code = 0x03E8

	// CmdAuth authenticates the session with the terminal's comm key.
	CmdAuth Code = 0x044E

	// CmdUserWrite creates or updates a user slot on the terminal.
	// Payload: localUID(4) + name (variable, NUL padded).
	CmdUserWrite Code = 0x0008

	// CmdTemplateRead reads the stored fingerprint template for a
	// user/finger pair. Payload: localUID(4) + finger(1).
	CmdTemplateRead Code = 0x0009

	// CmdTemplateWrite stores a fingerprint template on the terminal.
	// Payload: localUID(4) + finger(1) + template bytes.
	CmdTemplateWrite Code = 0x000A

	// CmdDeleteUser removes a user slot and its templates.
	CmdDeleteUser Code = 0x0012

	// CmdAttLogRead requests attendance log records.
	// Payload: sinceSeq(4); the terminal returns records with a native
	// sequence id strictly greater than sinceSeq.
	CmdAttLogRead Code = 0x000D

	// CmdStartEnroll begins a device-driven enrolment workflow.
	// Payload: localUID(4) + finger(1).
	CmdStartEnroll Code = 0x003D

	// CmdCancelCapture aborts an in-progress enrolment capture.
	CmdCancelCapture Code = 0x003E

	// CmdGetTime reads the terminal clock. Also used as the health probe.
	CmdGetTime Code = 0x00C9

	// CmdSetTime sets the terminal clock. Payload: unixTime(4).
	CmdSetTime Code = 0x00CA

	// CmdGetFreeStorage reports free template and log slots.
	CmdGetFreeStorage Code = 0x0032

	// CmdRegisterEvent enables push mode: the terminal emits event
	// frames instead of waiting to be polled. Payload: eventMask(4).
	CmdRegisterEvent Code = 0x01F4
)

// Reply codes sent by a terminal in response to a command.
const (
	// AckOK acknowledges a command; the payload is command-specific.
	AckOK Code = 0x07D0

	// AckError rejects a command; the payload is a 2-byte reject code.
	AckError Code = 0x07D1
)

// Event marker codes for unsolicited frames pushed by a terminal.
// Event frames carry sequence number zero.
const (
	// EventAttLog carries one or more attendance log records captured
	// since the last event, in the same layout as CmdAttLogRead replies.
	EventAttLog Code = 0x1F41

	// EventEnrollFinger reports progress of an enrolment capture:
	// a status byte followed by the completed template on success.
	EventEnrollFinger Code = 0x1F42
)

// knownCodes is the set of codes Decode accepts. Unknown codes are
// rejected rather than forwarded.
var knownCodes = map[Code]struct{}{
	CmdConnect:        {},
	CmdAuth:           {},
	CmdUserWrite:      {},
	CmdTemplateRead:   {},
	CmdTemplateWrite:  {},
	CmdDeleteUser:     {},
	CmdAttLogRead:     {},
	CmdStartEnroll:    {},
	CmdCancelCapture:  {},
	CmdGetTime:        {},
	CmdSetTime:        {},
	CmdGetFreeStorage: {},
	CmdRegisterEvent:  {},
	AckOK:             {},
	AckError:          {},
	EventAttLog:       {},
	EventEnrollFinger: {},
}

// IsEvent reports whether the code marks an unsolicited push frame.
func (c Code) IsEvent() bool {
	return c == EventAttLog || c == EventEnrollFinger
}

// IsReply reports whether the code is a command reply.
func (c Code) IsReply() bool {
	return c == AckOK || c == AckError
}

// String returns the protocol name of the code.
func (c Code) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdAuth:
		return "AUTH"
	case CmdUserWrite:
		return "USER_WRITE"
	case CmdTemplateRead:
		return "USER_TEMPLATE_READ"
	case CmdTemplateWrite:
		return "USER_TEMPLATE_WRITE"
	case CmdDeleteUser:
		return "DELETE_USER"
	case CmdAttLogRead:
		return "ATTENDANCE_LOG_READ"
	case CmdStartEnroll:
		return "START_ENROLL"
	case CmdCancelCapture:
		return "CANCEL_CAPTURE"
	case CmdGetTime:
		return "GET_TIME"
	case CmdSetTime:
		return "SET_TIME"
	case CmdGetFreeStorage:
		return "GET_FREE_STORAGE"
	case CmdRegisterEvent:
		return "REGISTER_EVENT"
	case AckOK:
		return "ACK_OK"
	case AckError:
		return "ACK_ERROR"
	case EventAttLog:
		return "ATTLOG_EVENT"
	case EventEnrollFinger:
		return "ENROLL_FINGER_EVENT"
	default:
		return "UNKNOWN"
	}
}
