package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/store"
)

// Common service errors, checked with errors.Is.
var (
	// ErrPromiseNotFound indicates that the promise does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrPromiseNotFound = errors.New("promise not found")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned synchronously when an enqueue request is
// rejected. It matches domain.ErrValidation with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap makes errors.Is(err, domain.ErrValidation) hold.
func (e *ValidationError) Unwrap() error {
	return domain.ErrValidation
}

// newValidationError converts validator output into a ValidationError.
func newValidationError(err error) *ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: []FieldError{{Field: "request", Message: err.Error()}}}
	}
	ve := &ValidationError{}
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, FieldError{
			Field:   fe.Field(),
			Message: validationMessage(fe.Tag(), fe.Param()),
		})
	}
	return ve
}

func validationMessage(tag, param string) string {
	switch tag {
	case "required", "notblank":
		return "is required"
	case "oneof":
		return "must be one of: " + param
	case "max":
		return "must be at most " + param
	case "gte":
		return "must be at least " + param
	case "lte":
		return "must be at most " + param
	default:
		return "is invalid"
	}
}

// PromiseServiceError wraps unexpected errors from the promise service with context.
type PromiseServiceError struct {
	// Operation is the operation that failed (e.g., "enqueue", "cancel")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for PromiseServiceError.
func (e *PromiseServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("promise service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("promise service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *PromiseServiceError) Unwrap() error {
	return e.Err
}

// NewPromiseServiceError creates a new PromiseServiceError.
// It returns known sentinel errors directly without wrapping.
func NewPromiseServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrPromiseNotFound) || errors.Is(err, store.ErrPromiseNotFound) {
		return ErrPromiseNotFound
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}

	return &PromiseServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
