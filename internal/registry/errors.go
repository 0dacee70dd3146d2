package registry

import "errors"

// Registry errors.
var (
	// ErrDeviceBusy is returned when a device's link is checked out and
	// stays checked out past the acquire wait.
	ErrDeviceBusy = errors.New("registry: device busy")

	// ErrConnectFailed is returned when a device cannot be dialled and
	// simulation is not enabled for it.
	ErrConnectFailed = errors.New("registry: connect failed")

	// ErrClosed is returned after the registry has been shut down.
	ErrClosed = errors.New("registry: closed")
)
