package task

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/executor"
	"github.com/phrazzld/promised/internal/scheduler"
	"github.com/phrazzld/promised/internal/store"
)

// Store is the part of store.PromiseStore the pool writes outcomes through.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Promise, error)
	Finish(ctx context.Context, params store.FinishParams) (*domain.Promise, error)
	Requeue(ctx context.Context, params store.RequeueParams) (*domain.Promise, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Promise, error)
}

// Dispatcher hands out the next promise a worker should run.
type Dispatcher interface {
	Next(ctx context.Context, workerID string) (*scheduler.Claim, error)
}

// Resolver looks up the executor a promise names.
type Resolver interface {
	Resolve(name string) (executor.Executor, error)
}

// Notifier accepts terminal promises for delivery without blocking.
type Notifier interface {
	Notify(p *domain.Promise) bool
}

// persistTimeout bounds outcome writes made after the pool context is gone.
const persistTimeout = 10 * time.Second

// Reasons recorded in error_detail by the pool itself.
const (
	detailCancelled         = "cancelled by request"
	detailShutdown          = "interrupted by shutdown"
	detailOrphanedRequeued  = "orphaned by restart; requeued"
	detailOrphanedExhausted = "orphaned by restart; retries exhausted"
)
