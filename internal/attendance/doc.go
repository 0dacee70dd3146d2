// Package attendance ingests punch records from the terminals.
//
// Records arrive two ways. Poll-mode devices are read on a fixed
// cadence: the pipeline asks each reachable terminal for records past
// its stored cursor, at most a configured number of devices at a time.
// Push-mode devices send the same records as unsolicited event frames,
// consumed through HandleEvent.
//
// Both paths converge on one ingest routine. Each punch carries the
// terminal's native log sequence id, and (device, native seq) is a
// unique key in storage: overlapping polls, retried frames and a poll
// racing a push all collapse to exactly one stored record. Punches
// from local user slots without a student mapping are stored anyway,
// with no student, so they can be reconciled later.
//
// A Notifier hook fires once per newly stored record, after the
// insert. Notification failures never block or fail ingestion.
package attendance
