// Package database provides the SQLite connection and schema migration
// support for biolink core.
//
// SQLite is a deliberate fit for a per-site deployment: one file, one
// writer, no external service to keep alive in a school's network
// cupboard. WAL mode keeps reads concurrent with the single writer.
//
// Migrations are embedded into the binary by the top-level migrations
// package and applied on startup, each in its own transaction.
package database
