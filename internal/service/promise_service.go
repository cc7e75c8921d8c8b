package service

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/metrics"
	"github.com/phrazzld/promised/internal/scheduler"
	"github.com/phrazzld/promised/internal/store"
)

// EnqueueRequest is a producer's request to defer work.
type EnqueueRequest struct {
	TaskDescription string `json:"task_description" validate:"required,max=65536"`
	Priority        string `json:"priority"         validate:"required,oneof=critical high medium low"`
	Origin          string `json:"origin"           validate:"required,max=256"`
	// Executor names a registered executor; empty selects the default.
	Executor string `json:"executor,omitempty" validate:"omitempty,max=64"`
	// MaxRetries overrides the configured default when set.
	MaxRetries         *int `json:"max_retries,omitempty"          validate:"omitempty,gte=0,lte=20"`
	ResourceEstimateMB *int `json:"resource_estimate_mb,omitempty" validate:"omitempty,gte=0"`
}

// PromiseService provides producer-facing promise operations.
type PromiseService interface {
	// Enqueue validates and persists a new pending promise and returns its ID.
	// Returns a *ValidationError for bad input; nothing is persisted then.
	Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error)

	// GetStatus returns the current state of a promise.
	GetStatus(ctx context.Context, id uuid.UUID) (*domain.Promise, error)

	// Cancel cancels a pending promise or requests cooperative cancellation of
	// a running one. It reports false when the promise is already terminal.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)

	// List returns promises in status. Pending promises are listed in the
	// order the scheduler would claim them; others by creation time.
	List(ctx context.Context, status domain.Status, limit int) ([]*domain.Promise, error)
}

// ExecutorCatalog reports which executor names are registered.
type ExecutorCatalog interface {
	Has(name string) bool
}

// Waker is notified after every successful enqueue.
type Waker interface {
	Wake()
}

// Config holds service-level defaults.
type Config struct {
	DefaultMaxRetries int
	AgingThreshold    time.Duration
}

// Option customizes the promise service.
type Option func(*promiseServiceImpl)

// WithExecutorCatalog rejects enqueue requests naming unknown executors.
func WithExecutorCatalog(c ExecutorCatalog) Option {
	return func(s *promiseServiceImpl) { s.executors = c }
}

// WithWaker wakes idle workers after an enqueue.
func WithWaker(w Waker) Option {
	return func(s *promiseServiceImpl) { s.waker = w }
}

// WithMetrics counts enqueued promises.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *promiseServiceImpl) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *promiseServiceImpl) { s.now = now }
}

// promiseServiceImpl implements the PromiseService interface
type promiseServiceImpl struct {
	store     store.PromiseStore
	cfg       Config
	validate  *validator.Validate
	executors ExecutorCatalog
	waker     Waker
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewPromiseService creates a new PromiseService.
// It returns an error if the store is nil.
func NewPromiseService(st store.PromiseStore, cfg Config, logger *slog.Logger, opts ...Option) (PromiseService, error) {
	if st == nil {
		return nil, &PromiseServiceError{
			Operation: "create_service",
			Message:   "store cannot be nil",
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	s := &promiseServiceImpl{
		store:    st,
		cfg:      cfg,
		validate: validate,
		now:      time.Now,
		logger:   logger.With("component", "promise_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue validates the request, persists the promise and wakes the pool.
func (s *promiseServiceImpl) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	req.Priority = strings.ToLower(strings.TrimSpace(req.Priority))
	if err := s.validate.Struct(req); err != nil {
		return uuid.Nil, newValidationError(err)
	}
	if req.Executor != "" && s.executors != nil && !s.executors.Has(req.Executor) {
		return uuid.Nil, &ValidationError{Fields: []FieldError{{
			Field: "executor", Message: fmt.Sprintf("unknown executor %q", req.Executor),
		}}}
	}

	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return uuid.Nil, &ValidationError{Fields: []FieldError{{Field: "priority", Message: err.Error()}}}
	}
	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	p, err := domain.NewPromise(domain.NewPromiseParams{
		TaskDescription:    req.TaskDescription,
		Priority:           priority,
		Origin:             strings.TrimSpace(req.Origin),
		Executor:           req.Executor,
		MaxRetries:         maxRetries,
		ResourceEstimateMB: req.ResourceEstimateMB,
	})
	if err != nil {
		return uuid.Nil, &ValidationError{Fields: []FieldError{{Field: "request", Message: err.Error()}}}
	}

	if err := s.store.Create(ctx, p); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist promise",
			"error", err,
			"origin", p.Origin,
			"priority", p.Priority)
		return uuid.Nil, NewPromiseServiceError("enqueue", "failed to save promise", err)
	}

	s.metrics.Enqueued(ctx, p.Priority)
	if s.waker != nil {
		s.waker.Wake()
	}
	s.logger.InfoContext(ctx, "promise enqueued",
		"promise_id", p.ID,
		"origin", p.Origin,
		"priority", p.Priority,
		"executor", p.Executor,
		"max_retries", p.MaxRetries)
	return p.ID, nil
}

// GetStatus returns the promise with its current lifecycle state.
func (s *promiseServiceImpl) GetStatus(ctx context.Context, id uuid.UUID) (*domain.Promise, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, NewPromiseServiceError("get_status", "failed to load promise", err)
	}
	return p, nil
}

// Cancel applies a cancellation request.
func (s *promiseServiceImpl) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	outcome, err := s.store.Cancel(ctx, id, s.now().UTC())
	if err != nil {
		return false, NewPromiseServiceError("cancel", "failed to cancel promise", err)
	}

	switch {
	case outcome.Cancelled:
		s.logger.InfoContext(ctx, "pending promise cancelled", "promise_id", id)
	case outcome.Requested:
		s.logger.InfoContext(ctx, "cancellation requested for running promise", "promise_id", id)
	default:
		s.logger.DebugContext(ctx, "cancel ignored for terminal promise", "promise_id", id, "status", outcome.Status)
	}
	return outcome.Accepted(), nil
}

// List returns promises in status.
func (s *promiseServiceImpl) List(ctx context.Context, status domain.Status, limit int) ([]*domain.Promise, error) {
	if !status.Valid() {
		return nil, &ValidationError{Fields: []FieldError{{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}}}
	}

	// Pending promises are ordered in Go, so the limit applies after sorting.
	fetch := limit
	if status == domain.StatusPending {
		fetch = 0
	}
	promises, err := s.store.ListByStatus(ctx, status, fetch)
	if err != nil {
		return nil, NewPromiseServiceError("list", "failed to list promises", err)
	}

	if status == domain.StatusPending {
		scheduler.Sort(promises, s.now().UTC(), s.cfg.AgingThreshold)
		if limit > 0 && len(promises) > limit {
			promises = promises[:limit]
		}
	}
	return promises, nil
}
