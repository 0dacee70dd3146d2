// Package registry owns the connections to fingerprint terminals.
//
// Callers never dial a terminal themselves: they Acquire a device's
// link, use it, and Release it. The registry enforces one checked-out
// link per device with a capacity-one token channel, reuses healthy
// cached links, and redials evicted ones on demand.
//
// Background sweeps run under Run: devices marked offline get a
// reconnect attempt each health interval, idle links past the
// configured threshold are closed, and the remaining cached links are
// probed with a GetTime exchange. Probe results drive the device's
// online/offline status in the device repository and feed link
// statistics to an optional metrics sink.
//
// When a terminal cannot be dialled, a device flagged simulated (or
// any device while global simulation is on) gets an in-memory
// simulated link instead, keeping enrollment and attendance usable on
// a bench without hardware.
package registry
