package enrollment

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is an enrolment session's lifecycle state.
type SessionStatus string

// Session lifecycle states. Terminal states are immutable: the
// repository's guarded transitions refuse to leave them.
const (
	StatusPending   SessionStatus = "pending"
	StatusCapturing SessionStatus = "capturing"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
	StatusExpired   SessionStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Failure reasons recorded on failed sessions.
const (
	ReasonConnectError   = "connect_error"
	ReasonDeviceRejected = "device_rejected"
	ReasonMaxAttempts    = "max_attempts"
)

// Session is one attempt to enrol a student's finger on a terminal.
type Session struct {
	// ID is the unique session identifier (UUID).
	ID string

	// StudentID identifies the student being enrolled.
	StudentID string

	// DeviceID is the terminal performing the capture.
	DeviceID string

	// Finger is the finger index, 0-9.
	Finger uint8

	// Status is the lifecycle state.
	Status SessionStatus

	// Attempts counts rejected capture attempts so far.
	Attempts int

	// FailReason explains a failed session; empty otherwise.
	FailReason string

	// Deadline is when a capturing session expires, nil before the
	// capture starts.
	Deadline *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Template is one stored fingerprint template. At most one
// non-superseded row exists per (student, finger); a new enrolment
// supersedes the old row rather than deleting it.
type Template struct {
	// ID is the unique template identifier (UUID).
	ID string

	// StudentID and Finger identify whose finger this is.
	StudentID string
	Finger    uint8

	// DeviceID is the terminal that captured the template.
	DeviceID string

	// Data is the opaque template blob as the terminal produced it.
	Data []byte

	// Version is the template format version reported by the terminal.
	Version int

	// Superseded marks a template replaced by a newer enrolment.
	Superseded bool

	CreatedAt time.Time
}

// NewSession creates a pending session.
func NewSession(studentID, deviceID string, finger uint8) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New().String(),
		StudentID: studentID,
		DeviceID:  deviceID,
		Finger:    finger,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
