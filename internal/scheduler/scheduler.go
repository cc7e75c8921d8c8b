// Package scheduler selects the next pending promise to dispatch.
//
// Ordering is strict by priority class, FIFO by creation time within a class.
// A pending promise is promoted one class for every full aging threshold it
// has waited, up to critical. Promotion holds for the current pass only; the
// persisted priority never changes, so it is recomputed on every pass. A low
// promise that has waited two thresholds is dispatched ahead of fresh high work.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/phrazzld/promised/internal/admission"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/store"
)

// Admitter is the admission gate consulted before every claim.
type Admitter interface {
	Reserve() (release func(), ok bool)
	Eligible(now time.Time) admission.Decision
}

// Claimer performs the atomic pending -> running transition.
type Claimer interface {
	ClaimNext(ctx context.Context, req store.ClaimRequest) (*domain.Promise, error)
}

// Claim is a promise a worker now owns together with its admission slot.
type Claim struct {
	Promise *domain.Promise
	// Decision is the admission verdict the claim was made under.
	Decision admission.Decision
	// Release frees the admission slot; call it once the promise leaves running.
	Release func()
}

// Scheduler pairs the admission gate with the store's claim operation.
type Scheduler struct {
	claimer        Claimer
	admitter       Admitter
	agingThreshold time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// New creates a Scheduler. A non-positive agingThreshold disables aging.
func New(claimer Claimer, admitter Admitter, agingThreshold time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		claimer:        claimer,
		admitter:       admitter,
		agingThreshold: agingThreshold,
		now:            time.Now,
		logger:         logger.With("component", "scheduler"),
	}
}

// WithClock replaces time.Now and returns the scheduler.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Next claims the best eligible pending promise for workerID. It returns
// nil, nil when the hard cap is reached or nothing eligible is pending.
func (s *Scheduler) Next(ctx context.Context, workerID string) (*Claim, error) {
	release, ok := s.admitter.Reserve()
	if !ok {
		return nil, nil
	}

	now := s.now().UTC()
	decision := s.admitter.Eligible(now)
	req := store.ClaimRequest{
		WorkerID:              workerID,
		Eligible:              decision.Priorities,
		AgingThreshold:        max(s.agingThreshold, 0),
		AdmitAged:             decision.AdmitAged && s.agingThreshold > 0,
		MaxResourceEstimateMB: decision.MaxResourceEstimateMB,
		Now:                   now,
	}

	p, err := s.claimer.ClaimNext(ctx, req)
	if err != nil || p == nil {
		release()
		return nil, err
	}

	s.logger.Debug("promise claimed",
		"promise_id", p.ID,
		"worker_id", workerID,
		"priority", p.Priority,
		"effective_priority", EffectivePriority(p, now, req.AgingThreshold),
		"wait_ms", p.WaitTime(now).Milliseconds(),
		"admission", decision.Reason)
	return &Claim{Promise: p, Decision: decision, Release: release}, nil
}

// AgingSteps returns how many classes a promise created at created is
// promoted by at now. It is zero when aging is disabled.
func AgingSteps(created, now time.Time, threshold time.Duration) int {
	if threshold <= 0 {
		return 0
	}
	wait := now.Sub(created)
	if wait < threshold {
		return 0
	}
	steps := wait / threshold
	if limit := time.Duration(len(domain.AllPriorities)); steps > limit {
		steps = limit
	}
	return int(steps)
}

// EffectivePriority is p's class at now: its base class promoted once per
// elapsed threshold, capped at critical.
func EffectivePriority(p *domain.Promise, now time.Time, threshold time.Duration) domain.Priority {
	effective := p.Priority
	for range AgingSteps(p.CreatedAt, now, threshold) {
		effective = effective.Promote()
	}
	return effective
}

// Less reports whether a is dispatched before b in a pass at now. It matches
// the ORDER BY of the store claim queries.
func Less(a, b *domain.Promise, now time.Time, threshold time.Duration) bool {
	ra := EffectivePriority(a, now, threshold).Rank()
	rb := EffectivePriority(b, now, threshold).Rank()
	if ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Sort orders promises in dispatch order for a pass at now.
func Sort(promises []*domain.Promise, now time.Time, threshold time.Duration) {
	sort.SliceStable(promises, func(i, j int) bool {
		return Less(promises[i], promises[j], now, threshold)
	})
}
