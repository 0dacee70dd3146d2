package mqtt

import (
	"context"
	"time"

	"github.com/edutrack/biolink-core/internal/attendance"
)

// attendanceMessage is the wire form of one published attendance record.
type attendanceMessage struct {
	RecordID   string    `json:"record_id"`
	DeviceID   string    `json:"device_id"`
	StudentID  string    `json:"student_id,omitempty"`
	LocalUID   uint32    `json:"local_uid"`
	NativeSeq  uint32    `json:"native_seq"`
	Kind       string    `json:"kind"`
	DeviceTime time.Time `json:"device_time"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Notifier publishes newly ingested attendance records to the broker.
// It satisfies the attendance pipeline's post-ingest hook.
//
// Publish failures are logged and swallowed: ingestion must not stall
// because the broker is down, and the record is already durable in
// SQLite by the time the hook fires.
type Notifier struct {
	client *Client
}

// NewNotifier creates a notifier over a connected client.
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

// AttendanceRecorded publishes one stored record. The pipeline only
// calls it for fresh inserts, so broker consumers see each punch once
// per QoS contract.
func (n *Notifier) AttendanceRecorded(_ context.Context, r attendance.Record) {
	msg := attendanceMessage{
		RecordID:   r.ID,
		DeviceID:   r.DeviceID,
		StudentID:  r.StudentID,
		LocalUID:   r.LocalUID,
		NativeSeq:  r.NativeSeq,
		Kind:       string(r.Kind),
		DeviceTime: r.DeviceTime,
		IngestedAt: r.IngestedAt,
	}

	topic := Topics{}.Attendance(r.DeviceID)
	if err := n.client.PublishJSON(topic, msg, false); err != nil {
		if logger := n.client.getLogger(); logger != nil {
			logger.Warn("attendance publish failed",
				"topic", topic, "record_id", r.ID, "error", err)
		}
	}
}
