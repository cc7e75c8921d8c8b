// Package ciutil reads the environment that integration tests and the CI
// pipeline share: whether we run under CI and where the optional external
// services (PostgreSQL, Redis) live.
package ciutil
