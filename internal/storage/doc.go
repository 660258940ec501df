// Package storage persists monitored items, watched channels, and
// the notifier's dedup window in a single SQLite database file.
//
// Instants are stored as Unix milliseconds; NULL means "not set".
// The schema lives in migrations.sql and is applied on open.
package storage
