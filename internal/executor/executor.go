package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownExecutor is returned when a promise names an executor that is
	// not registered. It is always permanent.
	ErrUnknownExecutor = errors.New("unknown executor")

	// ErrInvalidConfig is returned when an executor cannot be constructed
	// from its configuration.
	ErrInvalidConfig = errors.New("invalid executor configuration")

	// ErrEmptyOutput is returned when an executor produced nothing usable.
	ErrEmptyOutput = errors.New("executor produced no output")
)

// Request is one execution attempt of a promise.
type Request struct {
	PromiseID       uuid.UUID
	TaskDescription string
	// Timeout is the budget the pool enforces on the attempt's context.
	Timeout time.Duration
	// Attempt is 1 for the first execution and increases with every retry.
	Attempt int
}

// Result is the outcome of a successful execution.
type Result struct {
	Summary string
}

// Executor runs the work a promise describes.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts an ordinary function to the Executor interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute calls f(ctx, req).
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// Permanentf formats an error and marks it permanent.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err, or any error it wraps, was marked permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
