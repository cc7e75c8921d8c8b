// Package service contains the producer-facing use cases of the queue:
// enqueueing a promise, reading its status, cancelling it and listing the
// queue. Delivery mechanisms (HTTP API, MCP server, CLI) call PromiseService
// and never touch the store directly.
//
// Errors follow one convention across the package:
//   - Bad input returns a *ValidationError (errors.Is(err, domain.ErrValidation) holds)
//     and nothing is persisted.
//   - A missing promise returns ErrPromiseNotFound.
//   - Unexpected failures are wrapped in *PromiseServiceError.
package service
