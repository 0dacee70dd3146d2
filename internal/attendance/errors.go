package attendance

import "errors"

// Sentinel errors returned by the attendance repository.
var (
	// ErrRecordNotFound indicates the requested record does not exist.
	ErrRecordNotFound = errors.New("attendance: record not found")
)
