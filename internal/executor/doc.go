// Package executor defines how the worker pool runs the delegated work a
// promise describes.
//
// An Executor receives the promise's task description and returns a short
// result summary. Errors are transient by default and are retried by the pool;
// wrap an error with Permanent to fail the promise without further attempts.
// Executors are selected per promise by name through a Registry.
package executor
