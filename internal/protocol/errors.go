package protocol

import "errors"

// Domain errors for the protocol package.
var (
	// ErrPayloadTooLarge is returned when a payload exceeds the maximum
	// frame size supported by the terminals.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")

	// ErrMalformedFrame is returned when a frame is too short or its
	// declared payload length does not match the bytes received.
	// The link carrying the frame is no longer trustworthy.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrChecksumMismatch is returned when a frame's checksum does not
	// verify. The link carrying the frame is no longer trustworthy.
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")

	// ErrUnknownCommand is returned when a frame carries a code outside
	// the recognised set.
	ErrUnknownCommand = errors.New("protocol: unknown command code")

	// ErrShortPayload is returned when a payload helper receives fewer
	// bytes than the layout requires.
	ErrShortPayload = errors.New("protocol: payload too short")
)
