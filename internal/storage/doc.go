// Package storage provides persistence backends for the job store.
//
// Backends implement store.Persistence: every job or trigger change is written
// as it happens, and LoadAll restores the last written state on startup.
//
// Drivers:
//   - file: JSON Lines journal plus a periodically compacted snapshot
//   - sqlite: a SQLite database file (modernc.org/sqlite, no cgo)
package storage
