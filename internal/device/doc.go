// Package device defines the fingerprint terminal catalogue for
// BioLink Core.
//
// A Device row describes one physical (or simulated) fingerprint
// terminal at a school site: its network address, hardware identity,
// reachability status and ingestion mode. The package also owns the
// device_users mapping, which ties a terminal's small local user slots
// to the school's student identifiers.
//
// # Key Types
//
//   - Device: one registered terminal (address, status, flags)
//   - Status: reachability state, written only by the connection registry
//   - Repository: persistence interface, with a SQLite implementation
//
// # Lifecycle
//
// Devices are registered by operators and soft-deleted on
// deregistration so historical attendance records keep a valid device
// reference. Status transitions (online/offline/error) come exclusively
// from the connection registry's health checks; nothing else writes
// them.
//
// # Thread Safety
//
// SQLiteRepository is safe for concurrent use; SQLite serialises the
// single writer connection underneath.
package device
