package mqtt

import "fmt"

// Topic prefixes for biolink's outbound messages.
//
// Scheme: biolink/{category}/{id}[/{detail}]
const (
	// TopicPrefix is the base for all biolink topics.
	TopicPrefix = "biolink"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "biolink/system"
)

// Topics provides builders for biolink MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	topic := topics.Attendance("dev-gate-east")
//	// Returns: "biolink/attendance/dev-gate-east"
type Topics struct{}

// Attendance returns the topic for attendance records from one terminal.
//
// Example: biolink/attendance/dev-gate-east
func (Topics) Attendance(deviceID string) string {
	return fmt.Sprintf("%s/attendance/%s", TopicPrefix, deviceID)
}

// DeviceStatus returns the topic for a terminal's reachability state.
//
// Example: biolink/device/dev-gate-east/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/status", TopicPrefix, deviceID)
}

// EnrollmentCompleted returns the topic for finished enrolment sessions.
//
// Example: biolink/enrollment/7f9c.../completed
func (Topics) EnrollmentCompleted(sessionID string) string {
	return fmt.Sprintf("%s/enrollment/%s/completed", TopicPrefix, sessionID)
}

// SystemStatus returns the core's own status topic, also used for the
// connection LWT.
//
// Example: biolink/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllAttendance returns a pattern matching attendance from every terminal.
//
// Pattern: biolink/attendance/+
func (Topics) AllAttendance() string {
	return fmt.Sprintf("%s/attendance/+", TopicPrefix)
}

// AllDeviceStatus returns a pattern matching every terminal's status.
//
// Pattern: biolink/device/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/device/+/status", TopicPrefix)
}
