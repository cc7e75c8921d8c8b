package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/stretchr/testify/assert"
)

// MockEventHandler records the events it receives.
type MockEventHandler struct {
	HandledCount int
	LastEvent    *PromiseFinished
	HandlerError error
}

func (m *MockEventHandler) HandleEvent(_ context.Context, event *PromiseFinished) error {
	m.HandledCount++
	m.LastEvent = event
	return m.HandlerError
}

func testEvent() *PromiseFinished {
	return NewPromiseFinished(&domain.Promise{ID: uuid.New(), Origin: "o", Status: domain.StatusCompleted})
}

func TestInMemoryEventEmitter(t *testing.T) {
	// Create a minimal logger that discards output
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("emit event with no handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		assert.NoError(t, emitter.EmitEvent(context.Background(), testEvent()))
	})

	t.Run("emit event with successful handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		handler1 := &MockEventHandler{}
		handler2 := &MockEventHandler{}
		emitter.RegisterHandler(handler1)
		emitter.RegisterHandler(handler2)

		event := testEvent()
		assert.NoError(t, emitter.EmitEvent(context.Background(), event))
		assert.Equal(t, 1, handler1.HandledCount)
		assert.Equal(t, 1, handler2.HandledCount)
		assert.Equal(t, event, handler1.LastEvent)
		assert.Equal(t, event, handler2.LastEvent)
	})

	t.Run("emit event with failing handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		errA := errors.New("redis down")
		errB := errors.New("disk full")
		successHandler := &MockEventHandler{}
		failingA := &MockEventHandler{HandlerError: errA}
		failingB := &MockEventHandler{HandlerError: errB}
		emitter.RegisterHandler(failingA)
		emitter.RegisterHandler(successHandler)
		emitter.RegisterHandler(failingB)

		err := emitter.EmitEvent(context.Background(), testEvent())
		assert.ErrorIs(t, err, errA)
		assert.ErrorIs(t, err, errB)
		assert.Equal(t, 1, successHandler.HandledCount)
		assert.Equal(t, 1, failingA.HandledCount)
		assert.Equal(t, 1, failingB.HandledCount)
	})

	t.Run("handler func adapter", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(nil)
		var got uuid.UUID
		emitter.RegisterHandler(EventHandlerFunc(func(_ context.Context, e *PromiseFinished) error {
			got = e.PromiseID
			return nil
		}))
		event := testEvent()
		assert.NoError(t, emitter.EmitEvent(context.Background(), event))
		assert.Equal(t, event.PromiseID, got)
	})
}
