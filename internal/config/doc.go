// Package config loads the daemon's settings from an optional YAML file and
// PROMISED_* environment variables through viper, applies defaults and
// validates the result before any component starts.
//
// Sections map to the components they configure: database, pool, monitor,
// scheduler, executors, notify, metrics, auth and server.
package config
