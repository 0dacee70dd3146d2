package enrollment

import "errors"

// Domain errors for the enrollment package.
var (
	// ErrSessionNotFound is returned when a session id has no record.
	ErrSessionNotFound = errors.New("enrollment: session not found")

	// ErrStaleTransition is returned when a guarded state transition
	// finds the session no longer in the expected state.
	ErrStaleTransition = errors.New("enrollment: stale transition")

	// ErrSessionFinished is returned when cancelling a session that
	// already reached a terminal state.
	ErrSessionFinished = errors.New("enrollment: session already finished")

	// ErrInvalidSession is returned when session fields fail validation.
	ErrInvalidSession = errors.New("enrollment: invalid session")

	// ErrTemplateNotFound is returned when no active template exists
	// for a (student, finger) pair.
	ErrTemplateNotFound = errors.New("enrollment: template not found")
)
