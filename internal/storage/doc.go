// Package storage keeps an append-only audit trail of reminder lifecycle
// events (delivered, suppressed, taken, skipped, snoozed, escalated,
// load_failed).
//
// It is never read back to rebuild timers: the daily schedule snapshot is the
// only source of truth on every start.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "file": JSON Lines file
package storage
