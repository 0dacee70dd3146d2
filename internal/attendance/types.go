package attendance

import (
	"time"

	"github.com/edutrack/biolink-core/internal/protocol"
)

// RecordKind is the punch direction of an attendance record.
type RecordKind string

// Punch directions. Unknown covers punch markers newer firmware may
// emit that this core does not classify.
const (
	KindCheckIn  RecordKind = "check_in"
	KindCheckOut RecordKind = "check_out"
	KindUnknown  RecordKind = "unknown"
)

// kindFromPunch maps a terminal punch marker onto a record kind.
func kindFromPunch(k protocol.EventKind) RecordKind {
	switch k {
	case protocol.PunchCheckIn:
		return KindCheckIn
	case protocol.PunchCheckOut:
		return KindCheckOut
	default:
		return KindUnknown
	}
}

// Record is one ingested attendance punch.
//
// The pair (DeviceID, NativeSeq) is the idempotency key: a punch
// retrieved twice, whether by overlapping polls or by a poll racing a
// push, lands in storage exactly once.
type Record struct {
	// ID is the unique record identifier (UUID).
	ID string

	// DeviceID is the terminal the punch was captured on.
	DeviceID string

	// StudentID is the resolved student, empty when the terminal's
	// local user slot has no known mapping. The punch is kept either
	// way so a later mapping can be reconciled against it.
	StudentID string

	// LocalUID is the terminal-local user slot that punched.
	LocalUID uint32

	// NativeSeq is the terminal-assigned log sequence id.
	NativeSeq uint32

	// Kind is the punch direction.
	Kind RecordKind

	// DeviceTime is the punch time as the terminal's clock saw it.
	DeviceTime time.Time

	// IngestedAt is when this core stored the record.
	IngestedAt time.Time
}
