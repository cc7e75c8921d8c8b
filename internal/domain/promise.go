package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a promise
type Status string

// Possible promise status values
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every lifecycle state.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a recognized lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a final state. Terminal promises are never mutated.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// allowedTransitions enumerates the lifecycle graph. running -> cancelled is
// only taken by the claiming worker after it observes a cancellation request.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPending, StatusCancelled},
}

// ValidateTransition returns ErrInvalidTransition unless from -> to is an edge
// of the promise lifecycle.
func ValidateTransition(from, to Status) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Promise is a durable record of one unit of deferred, asynchronously
// executed work and its lifecycle state.
type Promise struct {
	ID                 uuid.UUID  `json:"id"`
	TaskDescription    string     `json:"task_description"`
	Priority           Priority   `json:"priority"`
	Status             Status     `json:"status"`
	Origin             string     `json:"origin"`
	Executor           string     `json:"executor"`
	ResourceEstimateMB *int       `json:"resource_estimate_mb,omitempty"`
	RetryCount         int        `json:"retry_count"`
	MaxRetries         int        `json:"max_retries"`
	ResultSummary      string     `json:"result_summary,omitempty"`
	ErrorDetail        string     `json:"error_detail,omitempty"`
	WorkerID           string     `json:"worker_id,omitempty"`
	CancelRequested    bool       `json:"cancel_requested"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	AvailableAt        time.Time  `json:"available_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	NotifiedAt         *time.Time `json:"notified_at,omitempty"`
}

// NewPromiseParams holds the producer-supplied fields of a new promise.
type NewPromiseParams struct {
	TaskDescription    string
	Priority           Priority
	Origin             string
	Executor           string
	MaxRetries         int
	ResourceEstimateMB *int
}

// NewPromise creates a pending Promise with a fresh ID and creation
// timestamps. Returns an error wrapping ErrValidation if validation fails.
func NewPromise(params NewPromiseParams) (*Promise, error) {
	now := time.Now().UTC()
	p := &Promise{
		ID:                 uuid.New(),
		TaskDescription:    params.TaskDescription,
		Priority:           params.Priority,
		Status:             StatusPending,
		Origin:             params.Origin,
		Executor:           params.Executor,
		MaxRetries:         params.MaxRetries,
		ResourceEstimateMB: params.ResourceEstimateMB,
		CreatedAt:          now,
		UpdatedAt:          now,
		AvailableAt:        now,
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the promise's fields and lifecycle invariants.
func (p *Promise) Validate() error {
	var cause error
	switch {
	case p.ID == uuid.Nil:
		cause = fmt.Errorf("promise ID cannot be empty")
	case strings.TrimSpace(p.TaskDescription) == "":
		cause = ErrEmptyTaskDescription
	case strings.TrimSpace(p.Origin) == "":
		cause = ErrEmptyOrigin
	case !p.Priority.Valid():
		cause = fmt.Errorf("%w: %q", ErrInvalidPriority, p.Priority)
	case !p.Status.Valid():
		cause = fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	case p.MaxRetries < 0 || p.RetryCount < 0 || p.RetryCount > p.MaxRetries:
		cause = fmt.Errorf("%w: retry_count=%d max_retries=%d", ErrInvalidRetries, p.RetryCount, p.MaxRetries)
	case p.ResourceEstimateMB != nil && *p.ResourceEstimateMB < 0:
		cause = fmt.Errorf("resource estimate cannot be negative")
	case p.Status.Terminal() != (p.CompletedAt != nil):
		cause = fmt.Errorf("completed_at must be set exactly when status is terminal")
	case p.ResultSummary != "" && p.ErrorDetail != "":
		cause = fmt.Errorf("result summary and error detail are mutually exclusive")
	}
	if cause != nil {
		return fmt.Errorf("%w: %w", ErrValidation, cause)
	}
	return nil
}

// RetriesRemaining reports whether another attempt may be scheduled.
func (p *Promise) RetriesRemaining() bool {
	return p.RetryCount < p.MaxRetries
}

// WaitTime returns how long the promise has been waiting since it was created.
func (p *Promise) WaitTime(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}
