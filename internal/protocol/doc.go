// Package protocol implements the binary wire protocol spoken by the
// fingerprint terminals.
//
// The terminals use a simple framed request/reply protocol over TCP.
// Every message is one frame: a fixed 8-byte header followed by a
// variable-length payload. The header carries the command (or reply)
// code, a checksum over the whole frame, the sequence number that pairs
// replies with requests, and the payload length.
//
// This package is pure transformation - it performs no I/O. The link
// package owns sockets and uses Encode/Decode to move frames across
// them; payload helpers (attendance log records, enrolment events,
// clock values) live here so that the real link, the simulated link and
// the capture pipeline all share one definition of the byte layouts.
//
// Frame layout (all fields big-endian):
//
//	Byte 0-1: command/reply code
//	Byte 2-3: checksum (ones'-complement sum, computed with this field zeroed)
//	Byte 4-5: sequence number
//	Byte 6-7: payload length
//	Byte 8+:  payload
//
// Unsolicited frames pushed by a terminal (attendance events, enrolment
// finger events) reuse the same layout with event marker codes and a
// sequence number of zero.
package protocol
