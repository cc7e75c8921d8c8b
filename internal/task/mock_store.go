package task

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/store"
)

// MockStore is an in-memory Store for testing. The default behaviour applies
// the same guards as the real stores; set an Fn field to override a method.
type MockStore struct {
	mu       sync.Mutex
	promises map[uuid.UUID]*domain.Promise

	GetFn             func(ctx context.Context, id uuid.UUID) (*domain.Promise, error)
	FinishFn          func(ctx context.Context, params store.FinishParams) (*domain.Promise, error)
	RequeueFn         func(ctx context.Context, params store.RequeueParams) (*domain.Promise, error)
	CancelRequestedFn func(ctx context.Context, id uuid.UUID) (bool, error)
	ListByStatusFn    func(ctx context.Context, status domain.Status, limit int) ([]*domain.Promise, error)

	// Calls made, in order.
	Finished []store.FinishParams
	Requeued []store.RequeueParams
}

// NewMockStore creates a MockStore holding copies of promises.
func NewMockStore(promises ...*domain.Promise) *MockStore {
	s := &MockStore{promises: make(map[uuid.UUID]*domain.Promise)}
	for _, p := range promises {
		s.Put(p)
	}
	return s
}

// Put stores a copy of p, replacing any promise with the same ID.
func (s *MockStore) Put(p *domain.Promise) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *p
	s.promises[p.ID] = &copied
}

// Lookup returns a copy of the stored promise, or nil.
func (s *MockStore) Lookup(id uuid.UUID) *domain.Promise {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promises[id]
	if !ok {
		return nil
	}
	copied := *p
	return &copied
}

// RequestCancel sets the cancellation flag of a stored promise.
func (s *MockStore) RequestCancel(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.promises[id]; ok {
		p.CancelRequested = true
	}
}

// Get retrieves a promise by ID.
func (s *MockStore) Get(ctx context.Context, id uuid.UUID) (*domain.Promise, error) {
	if s.GetFn != nil {
		return s.GetFn(ctx, id)
	}
	if p := s.Lookup(id); p != nil {
		return p, nil
	}
	return nil, store.ErrPromiseNotFound
}

// Finish moves a running promise held by params.WorkerID to a terminal state.
func (s *MockStore) Finish(ctx context.Context, params store.FinishParams) (*domain.Promise, error) {
	s.mu.Lock()
	s.Finished = append(s.Finished, params)
	s.mu.Unlock()
	if s.FinishFn != nil {
		return s.FinishFn(ctx, params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promises[params.ID]
	if !ok {
		return nil, store.ErrPromiseNotFound
	}
	if p.Status != domain.StatusRunning || p.WorkerID != params.WorkerID {
		return nil, store.ErrTransitionConflict
	}
	at := params.At
	p.Status = params.Status
	p.ResultSummary = params.ResultSummary
	p.ErrorDetail = params.ErrorDetail
	p.CompletedAt = &at
	p.UpdatedAt = at
	p.CancelRequested = false
	copied := *p
	return &copied, nil
}

// Requeue returns a running promise to pending if it has retries left and no
// cancellation was requested.
func (s *MockStore) Requeue(ctx context.Context, params store.RequeueParams) (*domain.Promise, error) {
	s.mu.Lock()
	s.Requeued = append(s.Requeued, params)
	s.mu.Unlock()
	if s.RequeueFn != nil {
		return s.RequeueFn(ctx, params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promises[params.ID]
	if !ok {
		return nil, store.ErrPromiseNotFound
	}
	if p.Status != domain.StatusRunning || p.WorkerID != params.WorkerID || p.CancelRequested {
		return nil, store.ErrTransitionConflict
	}
	if !params.Uncounted && !p.RetriesRemaining() {
		return nil, store.ErrTransitionConflict
	}
	p.Status = domain.StatusPending
	p.RetryCount += params.RetryIncrement()
	p.ErrorDetail = params.ErrorDetail
	p.AvailableAt = params.AvailableAt
	p.UpdatedAt = params.At
	p.StartedAt = nil
	p.WorkerID = ""
	copied := *p
	return &copied, nil
}

// CancelRequested reports the cancellation flag of a running promise.
func (s *MockStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.CancelRequestedFn != nil {
		return s.CancelRequestedFn(ctx, id)
	}
	p := s.Lookup(id)
	if p == nil {
		return false, store.ErrPromiseNotFound
	}
	return p.Status == domain.StatusRunning && p.CancelRequested, nil
}

// ListByStatus returns stored promises in status ordered by creation time.
func (s *MockStore) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Promise, error) {
	if s.ListByStatusFn != nil {
		return s.ListByStatusFn(ctx, status, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Promise
	for _, p := range s.promises {
		if p.Status == status {
			copied := *p
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
