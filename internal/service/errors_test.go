package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestNewPromiseServiceError(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.NoError(t, NewPromiseServiceError("get", "x", nil))
	})

	t.Run("store not found maps to sentinel", func(t *testing.T) {
		err := NewPromiseServiceError("get", "x", fmt.Errorf("wrapped: %w", store.ErrPromiseNotFound))
		assert.Same(t, ErrPromiseNotFound, err)
	})

	t.Run("validation errors pass through", func(t *testing.T) {
		ve := &ValidationError{Fields: []FieldError{{Field: "origin", Message: "is required"}}}
		err := NewPromiseServiceError("enqueue", "x", ve)
		assert.Same(t, ve, err)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("other errors are wrapped", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := NewPromiseServiceError("list", "failed to list promises", cause)
		assert.Equal(t, "promise service list failed: failed to list promises: connection reset", err.Error())
		assert.ErrorIs(t, err, cause)
	})
}

func TestValidationError_Error(t *testing.T) {
	ve := &ValidationError{Fields: []FieldError{
		{Field: "priority", Message: "must be one of: critical high medium low"},
		{Field: "origin", Message: "is required"},
	}}
	assert.Equal(t,
		"validation failed: priority: must be one of: critical high medium low; origin: is required",
		ve.Error())
}
