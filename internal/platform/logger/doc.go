// Package logger configures the process-wide slog JSON logger and carries
// scoped loggers through contexts: the HTTP layer attaches a trace_id, the
// worker pool attaches promise_id and worker_id before running an executor.
package logger
