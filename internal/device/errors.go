package device

import "errors"

// Domain errors for the device package.
var (
	// ErrDeviceNotFound is returned when a device id has no record.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose id is
	// already registered.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when registration fields fail
	// validation.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrMappingNotFound is returned when a device-local user id has
	// no student mapping.
	ErrMappingNotFound = errors.New("device: user mapping not found")
)
