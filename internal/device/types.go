package device

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is a device's reachability state. Status is mutated only by
// the connection registry based on link health; nothing else writes it.
type Status string

// Device reachability states.
const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Valid reports whether s is a recognised status.
func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusOnline, StatusOffline, StatusError:
		return true
	default:
		return false
	}
}

// Device is one registered fingerprint terminal at a school site.
//
// Devices are never hard-deleted; deregistration sets the Deleted flag
// so historical attendance records keep a valid device reference.
type Device struct {
	// ID is the unique device identifier (UUID).
	ID string

	// Name is the operator-facing label (e.g. "Main gate, east").
	Name string

	// Host and Port form the terminal's network address.
	Host string
	Port int

	// SerialNumber and Model describe the hardware, as reported at
	// registration time.
	SerialNumber string
	Model        string

	// Status is the current reachability state.
	Status Status

	// LastSeen is the time of the last successful exchange, nil if
	// the device has never been reached.
	LastSeen *time.Time

	// PushMode selects event-push ingestion instead of polling.
	// Push and poll are mutually exclusive per device.
	PushMode bool

	// Simulated forces the registry to hand out a simulated link for
	// this device even when global simulation is off.
	Simulated bool

	// Deleted marks the device as deregistered.
	Deleted bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Addr returns the host:port dial address of the terminal.
func (d *Device) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// GenerateID creates a new UUID for a device.
func GenerateID() string {
	return uuid.New().String()
}

// Validate checks the fields an operator supplies at registration.
func Validate(d *Device) error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if d.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidDevice)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDevice, d.Port)
	}
	if d.Status == "" {
		d.Status = StatusUnknown
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidDevice, d.Status)
	}
	return nil
}
