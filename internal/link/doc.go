// Package link manages one session with a fingerprint terminal.
//
// Two implementations sit behind the Link interface:
//
//   - TCPLink speaks the terminal's binary frame protocol over TCP.
//     A receive loop goroutine routes reply frames to the in-flight
//     command by sequence number and unsolicited event frames
//     (attendance punches, enrolment captures) to a bounded callback
//     queue drained by a small worker pool.
//   - Simulated answers from memory after a randomized delay, so the
//     rest of the system works without hardware on the bench.
//
// Commands are strictly serialised per link: one in flight at a time.
// A reply timeout is retried exactly once with the same sequence
// number, so a late first reply still matches. A checksum mismatch or
// malformed frame is fatal; the stream position is unrecoverable and
// the link shuts down so the connection registry can redial.
//
// Links do not reconnect themselves. Ownership of dialling, caching
// and eviction lives in the registry package.
package link
