package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
)

// ClaimRequest describes one scheduling pass: which priority classes are
// currently admitted and how ranking is computed.
type ClaimRequest struct {
	// WorkerID identifies the claiming worker; it is recorded on the row.
	WorkerID string

	// Eligible is the set of base priority classes that may be claimed.
	// An empty set never claims anything.
	Eligible []domain.Priority

	// AgingThreshold promotes a pending promise one priority class for every
	// full threshold it has waited since creation, up to critical. Promotion
	// applies to this pass only. Zero disables aging.
	AgingThreshold time.Duration

	// AdmitAged makes promises that have waited at least one AgingThreshold
	// claimable even when their base class is not in Eligible.
	AdmitAged bool

	// MaxResourceEstimateMB, when positive, excludes non-critical promises
	// whose resource estimate exceeds it.
	MaxResourceEstimateMB int

	// Now is the pass timestamp: started_at for the claimed row and the
	// upper bound for available_at.
	Now time.Time
}

// Ranks returns the persisted ordinals of the eligible classes.
func (r ClaimRequest) Ranks() []int {
	ranks := make([]int, 0, len(r.Eligible))
	for _, p := range r.Eligible {
		if p.Valid() {
			ranks = append(ranks, p.Rank())
		}
	}
	return ranks
}

// FinishParams moves a running promise held by WorkerID to a terminal state.
type FinishParams struct {
	ID            uuid.UUID
	WorkerID      string
	Status        domain.Status
	ResultSummary string
	ErrorDetail   string
	At            time.Time
}

// RequeueParams returns a running promise held by WorkerID to pending and
// makes it claimable again at AvailableAt.
type RequeueParams struct {
	ID          uuid.UUID
	WorkerID    string
	ErrorDetail string
	AvailableAt time.Time
	At          time.Time
	// Uncounted leaves retry_count unchanged and skips the retries-left
	// guard. It is used for attempts interrupted by shutdown.
	Uncounted bool
}

// RetryIncrement is the amount added to retry_count.
func (p RequeueParams) RetryIncrement() int {
	if p.Uncounted {
		return 0
	}
	return 1
}

// CancelOutcome reports what a cancellation request did.
type CancelOutcome struct {
	// Cancelled is true when a pending promise was flipped to cancelled.
	Cancelled bool
	// Requested is true when a running promise was flagged for cooperative cancellation.
	Requested bool
	// Status is the promise status after the request.
	Status domain.Status
}

// Accepted reports whether the cancellation took effect or was accepted as advisory.
func (o CancelOutcome) Accepted() bool {
	return o.Cancelled || o.Requested
}

// LoadStats is a point-in-time summary used by the resource monitor.
type LoadStats struct {
	ByStatus         map[domain.Status]int
	PendingNonUrgent int
}

// PromiseStore defines the interface for promise persistence.
// Every mutating method is atomic at the row level.
type PromiseStore interface {
	// Create persists a new pending promise.
	// Returns ErrInvalidEntity wrapping the validation error if the promise is invalid.
	Create(ctx context.Context, p *domain.Promise) error

	// Get retrieves a promise by ID.
	// Returns ErrPromiseNotFound if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*domain.Promise, error)

	// ClaimNext atomically selects the best-ranked eligible pending promise,
	// transitions it to running and returns it. Returns nil, nil when no
	// eligible promise exists. Concurrent callers never claim the same row.
	ClaimNext(ctx context.Context, req ClaimRequest) (*domain.Promise, error)

	// Finish transitions a running promise to completed, failed or cancelled.
	// Returns ErrTransitionConflict if the promise is not running under WorkerID.
	Finish(ctx context.Context, params FinishParams) (*domain.Promise, error)

	// Requeue transitions a running promise back to pending and increments
	// its retry count unless Uncounted is set. Returns ErrTransitionConflict
	// if the promise is not running under WorkerID, its retries are exhausted
	// or cancellation was requested.
	Requeue(ctx context.Context, params RequeueParams) (*domain.Promise, error)

	// Cancel cancels a pending promise or flags a running one.
	// Returns ErrPromiseNotFound if it does not exist.
	Cancel(ctx context.Context, id uuid.UUID, at time.Time) (CancelOutcome, error)

	// CancelRequested reports whether cancellation was requested for a running promise.
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	// ListByStatus returns promises in the given status ordered by creation time.
	// A non-positive limit returns all matches.
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Promise, error)

	// LoadStats counts promises per status.
	LoadStats(ctx context.Context) (LoadStats, error)

	// ListUnnotified returns terminal promises whose outcome has not been
	// handed to the notifier yet, oldest completion first.
	ListUnnotified(ctx context.Context, limit int) ([]*domain.Promise, error)

	// MarkNotified records that the notifier is done with a terminal promise.
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error
}
