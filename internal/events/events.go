package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
)

// EventTypePromiseFinished is the type of a PromiseFinished event.
const EventTypePromiseFinished = "promise.finished"

// PromiseFinished is the outcome of a promise, addressed to the
// conversation that created it.
type PromiseFinished struct {
	// ID is a unique identifier for this event; redeliveries get new IDs.
	ID            uuid.UUID     `json:"event_id"`
	Type          string        `json:"type"`
	PromiseID     uuid.UUID     `json:"promise_id"`
	Origin        string        `json:"origin"`
	Status        domain.Status `json:"status"`
	ResultSummary string        `json:"result_summary,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	CompletedAt   time.Time     `json:"completed_at"`
	// Attempt counts delivery attempts of this event, starting at 1.
	Attempt int `json:"attempt"`
}

// NewPromiseFinished builds the event for a terminal promise.
func NewPromiseFinished(p *domain.Promise) *PromiseFinished {
	e := &PromiseFinished{
		ID:            uuid.New(),
		Type:          EventTypePromiseFinished,
		PromiseID:     p.ID,
		Origin:        p.Origin,
		Status:        p.Status,
		ResultSummary: p.ResultSummary,
		ErrorDetail:   p.ErrorDetail,
		Attempt:       1,
	}
	if p.CompletedAt != nil {
		e.CompletedAt = *p.CompletedAt
	}
	return e
}

// Marshal encodes the event as JSON.
func (e *PromiseFinished) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalPromiseFinished decodes an event produced by Marshal.
func UnmarshalPromiseFinished(data []byte) (*PromiseFinished, error) {
	var e PromiseFinished
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event could not be delivered.
	HandleEvent(ctx context.Context, event *PromiseFinished) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event *PromiseFinished) error

// HandleEvent calls f(ctx, event).
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *PromiseFinished) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows the notifier to publish outcomes without knowing the handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *PromiseFinished) error
}
