// Package testdb provides database fixtures for tests: a migrated SQLite
// file per test and, when configured through the environment, a migrated
// PostgreSQL database and a Redis URL.
//
// Missing external services skip the calling test unless
// PROMISED_REQUIRE_INTEGRATION is set, in which case they fail it.
package testdb
