package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockPromiseStore mocks the store.PromiseStore interface
type MockPromiseStore struct {
	mock.Mock
}

var _ store.PromiseStore = (*MockPromiseStore)(nil)

func (m *MockPromiseStore) Create(ctx context.Context, p *domain.Promise) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockPromiseStore) Get(ctx context.Context, id uuid.UUID) (*domain.Promise, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Promise), args.Error(1)
}

func (m *MockPromiseStore) ClaimNext(ctx context.Context, req store.ClaimRequest) (*domain.Promise, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Promise), args.Error(1)
}

func (m *MockPromiseStore) Finish(ctx context.Context, params store.FinishParams) (*domain.Promise, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Promise), args.Error(1)
}

func (m *MockPromiseStore) Requeue(ctx context.Context, params store.RequeueParams) (*domain.Promise, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Promise), args.Error(1)
}

func (m *MockPromiseStore) Cancel(ctx context.Context, id uuid.UUID, at time.Time) (store.CancelOutcome, error) {
	args := m.Called(ctx, id, at)
	return args.Get(0).(store.CancelOutcome), args.Error(1)
}

func (m *MockPromiseStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockPromiseStore) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Promise, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Promise), args.Error(1)
}

func (m *MockPromiseStore) LoadStats(ctx context.Context) (store.LoadStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(store.LoadStats), args.Error(1)
}

func (m *MockPromiseStore) ListUnnotified(ctx context.Context, limit int) ([]*domain.Promise, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Promise), args.Error(1)
}

func (m *MockPromiseStore) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

// MockWaker counts wake-ups.
type MockWaker struct {
	Calls int
}

func (w *MockWaker) Wake() { w.Calls++ }

// staticCatalog is a fixed set of executor names.
type staticCatalog map[string]bool

func (c staticCatalog) Has(name string) bool { return c[name] }
