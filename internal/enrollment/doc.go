// Package enrollment runs fingerprint enrolment sessions.
//
// A session moves pending → capturing → one of completed, failed,
// cancelled or expired, and never leaves a terminal state. The
// Coordinator starts the capture on the terminal, consumes the
// enrolment events the terminal pushes back, counts rejected attempts
// against the configured budget, and expires sessions whose deadline
// passes without a result.
//
// Every transition is an optimistic SQL update guarded by the expected
// current state; a transition that finds the session elsewhere fails
// with ErrStaleTransition instead of overwriting. That property is
// what makes a racing device event, operator cancel and expiry sweep
// safe to run concurrently.
//
// Completed captures persist the template with at most one active row
// per (student, finger): a re-enrolment supersedes the previous
// template instead of deleting it.
package enrollment
