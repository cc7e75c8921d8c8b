package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// It is usually wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyTaskDescription is returned when a promise carries no instruction payload.
	ErrEmptyTaskDescription = errors.New("task description cannot be empty")

	// ErrEmptyOrigin is returned when a promise has no originating conversation.
	ErrEmptyOrigin = errors.New("origin cannot be empty")

	// ErrInvalidPriority is returned when a priority is not a recognized class.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidStatus is returned when a status is not a recognized lifecycle state.
	ErrInvalidStatus = errors.New("invalid promise status")

	// ErrInvalidRetries is returned when retry bookkeeping is out of range.
	ErrInvalidRetries = errors.New("invalid retry bookkeeping")

	// ErrInvalidTransition is returned when a status change violates the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)
