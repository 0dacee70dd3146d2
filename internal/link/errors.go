package link

import (
	"errors"
	"fmt"

	"github.com/edutrack/biolink-core/internal/protocol"
)

// Link errors.
var (
	// ErrConnectFailed indicates the TCP connection or session
	// handshake to a terminal failed.
	ErrConnectFailed = errors.New("link: connect failed")

	// ErrNotConnected is returned when sending on a disconnected link.
	ErrNotConnected = errors.New("link: not connected")

	// ErrLinkClosed is returned when the link has been shut down.
	ErrLinkClosed = errors.New("link: closed")

	// ErrLinkFailed indicates the byte stream can no longer be framed
	// reliably (checksum mismatch or malformed frame). The link is
	// closed and the command is not retried.
	ErrLinkFailed = errors.New("link: stream failure")

	// ErrCommandTimeout is returned when a command gets no reply within
	// the command timeout, including the single retry.
	ErrCommandTimeout = errors.New("link: command timed out")
)

// CommandError carries a terminal's AckError reject code.
type CommandError struct {
	Code   protocol.Code
	Reject protocol.RejectCode
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("link: %s rejected by device (code 0x%04X)", e.Code, uint16(e.Reject))
}

// AsCommandError extracts a CommandError from an error chain.
func AsCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}
