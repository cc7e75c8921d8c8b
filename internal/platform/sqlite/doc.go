// Package sqlite implements store.PromiseStore on an embedded SQLite file.
//
// It is the single-host backend: one writer connection, WAL journaling and
// timestamps stored as Unix nanoseconds.
package sqlite
