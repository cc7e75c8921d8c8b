package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/config"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/executor"
	"github.com/phrazzld/promised/internal/scheduler"
	"github.com/phrazzld/promised/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorker = "worker-0"

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		WorkerCount:        1,
		PollInterval:       5 * time.Millisecond,
		IdleBackoffMax:     20 * time.Millisecond,
		ExecutionTimeout:   time.Second,
		CancelPollInterval: 5 * time.Millisecond,
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
	}
}

func runningPromise(maxRetries, retryCount int) *domain.Promise {
	now := time.Now().UTC()
	return &domain.Promise{
		ID:              uuid.New(),
		TaskDescription: "do the thing",
		Priority:        domain.PriorityMedium,
		Status:          domain.StatusRunning,
		Origin:          "conv-1",
		Executor:        "test",
		MaxRetries:      maxRetries,
		RetryCount:      retryCount,
		WorkerID:        testWorker,
		CreatedAt:       now,
		UpdatedAt:       now,
		AvailableAt:     now,
		StartedAt:       &now,
	}
}

func registryWith(fn executor.Func) *executor.Registry {
	reg := executor.NewRegistry("test")
	reg.Register("test", fn)
	return reg
}

// recordingNotifier collects notified promises.
type recordingNotifier struct {
	mu       sync.Mutex
	promises []*domain.Promise
}

func (r *recordingNotifier) Notify(p *domain.Promise) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promises = append(r.promises, p)
	return true
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.promises)
}

// stubDispatcher hands out queued promises and marks them running in the store.
type stubDispatcher struct {
	mu       sync.Mutex
	store    *MockStore
	queue    []*domain.Promise
	err      error
	calls    atomic.Int32
	released atomic.Int32
}

func (d *stubDispatcher) add(p *domain.Promise) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, p)
}

func (d *stubDispatcher) Next(_ context.Context, workerID string) (*scheduler.Claim, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if len(d.queue) == 0 {
		return nil, nil
	}
	p := d.queue[0]
	d.queue = d.queue[1:]
	p.Status = domain.StatusRunning
	p.WorkerID = workerID
	d.store.Put(p)
	return &scheduler.Claim{Promise: p, Release: func() { d.released.Add(1) }}, nil
}

func claimFor(p *domain.Promise, released *atomic.Int32) *scheduler.Claim {
	return &scheduler.Claim{Promise: p, Release: func() { released.Add(1) }}
}

func newTestPool(st *MockStore, reg *executor.Registry, cfg config.PoolConfig, opts ...PoolOption) *WorkerPool {
	return NewWorkerPool(cfg, st, &stubDispatcher{store: st}, reg, setupTestLogger(), opts...)
}

func TestNewWorkerPool_Defaults(t *testing.T) {
	pool := NewWorkerPool(config.PoolConfig{WorkerCount: -3}, NewMockStore(), &stubDispatcher{}, executor.NewRegistry("x"), setupTestLogger())
	assert.Equal(t, 1, pool.cfg.WorkerCount)
	assert.Equal(t, time.Second, pool.cfg.PollInterval)
	assert.Equal(t, pool.cfg.PollInterval, pool.cfg.IdleBackoffMax)
	assert.Equal(t, pool.cfg.PollInterval, pool.cfg.CancelPollInterval)
	assert.Positive(t, pool.cfg.ExecutionTimeout)
	assert.Equal(t, pool.cfg.RetryBaseDelay, pool.cfg.RetryMaxDelay)
}

func TestWorkerPool_ProcessOutcomes(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("success completes and notifies", func(t *testing.T) {
		p := runningPromise(2, 0)
		st := NewMockStore(p)
		notifier := &recordingNotifier{}
		pool := newTestPool(st, registryWith(func(_ context.Context, req executor.Request) (executor.Result, error) {
			assert.Equal(t, p.ID, req.PromiseID)
			assert.Equal(t, 1, req.Attempt)
			return executor.Result{Summary: "42 results"}, nil
		}), testPoolConfig(), WithNotifier(notifier))

		var released atomic.Int32
		pool.process(context.Background(), testWorker, claimFor(p, &released))

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Equal(t, "42 results", got.ResultSummary)
		assert.Empty(t, got.ErrorDetail)
		assert.Equal(t, int32(1), released.Load())
		assert.Equal(t, 1, notifier.count())
		assert.Zero(t, pool.Active())
		assert.Equal(t, 1, pool.PeakActive())
	})

	t.Run("permanent error fails without retry", func(t *testing.T) {
		p := runningPromise(3, 0)
		st := NewMockStore(p)
		pool := newTestPool(st, registryWith(func(context.Context, executor.Request) (executor.Result, error) {
			return executor.Result{}, executor.Permanentf("bad instructions")
		}), testPoolConfig())

		var released atomic.Int32
		pool.process(context.Background(), testWorker, claimFor(p, &released))

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, "bad instructions", got.ErrorDetail)
		assert.Empty(t, st.Requeued)
		assert.Equal(t, int32(1), released.Load())
	})

	t.Run("transient error requeues with backoff", func(t *testing.T) {
		p := runningPromise(3, 1)
		st := NewMockStore(p)
		pool := newTestPool(st, registryWith(func(context.Context, executor.Request) (executor.Result, error) {
			return executor.Result{}, errors.New("upstream 503")
		}), testPoolConfig(), WithClock(func() time.Time { return fixed }))

		var released atomic.Int32
		pool.process(context.Background(), testWorker, claimFor(p, &released))

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, 2, got.RetryCount)
		assert.Equal(t, "upstream 503", got.ErrorDetail)
		require.Len(t, st.Requeued, 1)
		assert.Equal(t, fixed.Add(2*time.Second), st.Requeued[0].AvailableAt)
		assert.Empty(t, st.Finished)
	})

	t.Run("transient error with retries exhausted fails", func(t *testing.T) {
		p := runningPromise(2, 2)
		st := NewMockStore(p)
		pool := newTestPool(st, registryWith(func(context.Context, executor.Request) (executor.Result, error) {
			return executor.Result{}, errors.New("still flaky")
		}), testPoolConfig())

		pool.process(context.Background(), testWorker, claimFor(p, new(atomic.Int32)))

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Contains(t, got.ErrorDetail, "retries exhausted after 3 attempts")
		assert.Contains(t, got.ErrorDetail, "still flaky")
		assert.Empty(t, st.Requeued)
	})

	t.Run("panic is a permanent failure", func(t *testing.T) {
		p := runningPromise(3, 0)
		st := NewMockStore(p)
		pool := newTestPool(st, registryWith(func(context.Context, executor.Request) (executor.Result, error) {
			panic("nil map write")
		}), testPoolConfig())

		var released atomic.Int32
		assert.NotPanics(t, func() {
			pool.process(context.Background(), testWorker, claimFor(p, &released))
		})

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Contains(t, got.ErrorDetail, "executor panicked: nil map write")
		assert.Equal(t, int32(1), released.Load())
	})

	t.Run("unknown executor fails", func(t *testing.T) {
		p := runningPromise(3, 0)
		p.Executor = "quantum"
		st := NewMockStore(p)
		pool := newTestPool(st, registryWith(nil), testPoolConfig())

		pool.process(context.Background(), testWorker, claimFor(p, new(atomic.Int32)))

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Contains(t, got.ErrorDetail, "unknown executor")
	})

	t.Run("timeout is transient", func(t *testing.T) {
		p := runningPromise(1, 0)
		st := NewMockStore(p)
		cfg := testPoolConfig()
		cfg.ExecutionTimeout = 20 * time.Millisecond
		pool := newTestPool(st, registryWith(func(ctx context.Context, _ executor.Request) (executor.Result, error) {
			<-ctx.Done()
			return executor.Result{}, ctx.Err()
		}), cfg)

		pool.process(context.Background(), testWorker, claimFor(p, new(atomic.Int32)))

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Contains(t, got.ErrorDetail, "execution timed out after 20ms")
	})

	t.Run("late success after timeout is not trusted", func(t *testing.T) {
		p := runningPromise(1, 0)
		st := NewMockStore(p)
		cfg := testPoolConfig()
		cfg.ExecutionTimeout = 10 * time.Millisecond
		pool := newTestPool(st, registryWith(func(context.Context, executor.Request) (executor.Result, error) {
			time.Sleep(40 * time.Millisecond)
			return executor.Result{Summary: "too late"}, nil
		}), cfg)

		pool.process(context.Background(), testWorker, claimFor(p, new(atomic.Int32)))

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Empty(t, got.ResultSummary)
	})

	t.Run("cancellation request stops execution", func(t *testing.T) {
		p := runningPromise(3, 0)
		st := NewMockStore(p)
		notifier := &recordingNotifier{}
		started := make(chan struct{})
		pool := newTestPool(st, registryWith(func(ctx context.Context, _ executor.Request) (executor.Result, error) {
			close(started)
			<-ctx.Done()
			return executor.Result{}, ctx.Err()
		}), testPoolConfig(), WithNotifier(notifier))

		go func() {
			<-started
			st.RequestCancel(p.ID)
		}()
		pool.process(context.Background(), testWorker, claimFor(p, new(atomic.Int32)))

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusCancelled, got.Status)
		assert.Equal(t, detailCancelled, got.ErrorDetail)
		assert.False(t, got.CancelRequested)
		assert.Empty(t, st.Requeued)
		assert.Equal(t, 1, notifier.count())
	})

	t.Run("cancellation wins over a racing failure", func(t *testing.T) {
		p := runningPromise(3, 0)
		st := NewMockStore(p)
		pool := newTestPool(st, registryWith(func(context.Context, executor.Request) (executor.Result, error) {
			st.RequestCancel(p.ID)
			return executor.Result{}, errors.New("connection reset")
		}), testPoolConfig())

		pool.process(context.Background(), testWorker, claimFor(p, new(atomic.Int32)))

		assert.Equal(t, domain.StatusCancelled, st.Lookup(p.ID).Status)
		assert.Empty(t, st.Requeued)
	})

	t.Run("shutdown returns the promise without spending a retry", func(t *testing.T) {
		for _, maxRetries := range []int{2, 0} {
			p := runningPromise(maxRetries, 0)
			st := NewMockStore(p)
			notifier := &recordingNotifier{}
			ctx, cancel := context.WithCancel(context.Background())
			pool := newTestPool(st, registryWith(func(execCtx context.Context, _ executor.Request) (executor.Result, error) {
				cancel()
				<-execCtx.Done()
				return executor.Result{}, execCtx.Err()
			}), testPoolConfig(), WithNotifier(notifier))

			pool.process(ctx, testWorker, claimFor(p, new(atomic.Int32)))

			got := st.Lookup(p.ID)
			assert.Equal(t, domain.StatusPending, got.Status, "max_retries=%d", maxRetries)
			assert.Zero(t, got.RetryCount, "max_retries=%d", maxRetries)
			assert.Equal(t, detailShutdown, got.ErrorDetail)
			require.Len(t, st.Requeued, 1)
			assert.True(t, st.Requeued[0].Uncounted)
			assert.Empty(t, st.Finished)
			assert.Zero(t, notifier.count())
		}
	})

	t.Run("cancellation landing after the failure check blocks the requeue", func(t *testing.T) {
		p := runningPromise(3, 0)
		st := NewMockStore(p)
		var checks atomic.Int32
		st.CancelRequestedFn = func(_ context.Context, id uuid.UUID) (bool, error) {
			if checks.Add(1) == 1 {
				st.RequestCancel(id)
				return false, nil
			}
			return true, nil
		}
		pool := newTestPool(st, registryWith(func(context.Context, executor.Request) (executor.Result, error) {
			return executor.Result{}, errors.New("connection reset")
		}), testPoolConfig())

		pool.process(context.Background(), testWorker, claimFor(p, new(atomic.Int32)))

		got := st.Lookup(p.ID)
		assert.Equal(t, domain.StatusCancelled, got.Status)
		assert.Equal(t, detailCancelled, got.ErrorDetail)
		assert.Zero(t, got.RetryCount)
	})

	t.Run("conflicting finish is logged not notified", func(t *testing.T) {
		p := runningPromise(0, 0)
		st := NewMockStore(p)
		st.FinishFn = func(context.Context, store.FinishParams) (*domain.Promise, error) {
			return nil, store.ErrTransitionConflict
		}
		notifier := &recordingNotifier{}
		pool := newTestPool(st, registryWith(func(context.Context, executor.Request) (executor.Result, error) {
			return executor.Result{Summary: "ok"}, nil
		}), testPoolConfig(), WithNotifier(notifier))

		var released atomic.Int32
		pool.process(context.Background(), testWorker, claimFor(p, &released))
		assert.Zero(t, notifier.count())
		assert.Equal(t, int32(1), released.Load())
	})
}

func TestWorkerPool_RetryDelay(t *testing.T) {
	pool := newTestPool(NewMockStore(), registryWith(nil), testPoolConfig())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for retryCount, d := range want {
		assert.Equal(t, d, pool.RetryDelay(retryCount), "retry %d", retryCount)
	}
}

func TestWorkerPool_StartStop(t *testing.T) {
	p := runningPromise(1, 0)
	p.Status = domain.StatusPending
	st := NewMockStore()
	dispatch := &stubDispatcher{store: st}
	dispatch.add(p)

	done := make(chan struct{})
	reg := registryWith(func(context.Context, executor.Request) (executor.Result, error) {
		close(done)
		return executor.Result{Summary: "ok"}, nil
	})
	pool := NewWorkerPool(testPoolConfig(), st, dispatch, reg, setupTestLogger())

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolStarted)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("promise was not executed")
	}
	require.Eventually(t, func() bool {
		got := st.Lookup(p.ID)
		return got != nil && got.Status == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Stop())
	assert.NoError(t, pool.Stop())
	assert.Equal(t, int32(1), dispatch.released.Load())
}

func TestWorkerPool_WakeSkipsIdleBackoff(t *testing.T) {
	st := NewMockStore()
	dispatch := &stubDispatcher{store: st}
	cfg := testPoolConfig()
	cfg.PollInterval = time.Hour
	cfg.IdleBackoffMax = time.Hour

	executed := make(chan struct{}, 1)
	reg := registryWith(func(context.Context, executor.Request) (executor.Result, error) {
		executed <- struct{}{}
		return executor.Result{}, nil
	})
	pool := NewWorkerPool(cfg, st, dispatch, reg, setupTestLogger())
	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop() }()

	// Wait until the worker has found the queue empty and gone idle.
	require.Eventually(t, func() bool { return dispatch.calls.Load() >= 1 }, time.Second, time.Millisecond)

	p := runningPromise(0, 0)
	p.Status = domain.StatusPending
	dispatch.add(p)
	pool.Wake()

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not interrupt idle backoff")
	}
}

func TestWorkerPool_DispatchErrorsBackOff(t *testing.T) {
	st := NewMockStore()
	dispatch := &stubDispatcher{store: st, err: errors.New("database is locked")}
	pool := NewWorkerPool(testPoolConfig(), st, dispatch, registryWith(nil), setupTestLogger())
	require.NoError(t, pool.Start(context.Background()))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, pool.Stop())

	// With 5ms doubling to 20ms, 100ms allows only a handful of attempts.
	calls := dispatch.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.Less(t, calls, int32(15))
}

func TestWorkerPool_StartFailsWhenRecoveryFails(t *testing.T) {
	st := NewMockStore()
	st.ListByStatusFn = func(context.Context, domain.Status, int) ([]*domain.Promise, error) {
		return nil, errors.New("no such table: promises")
	}
	dispatch := &stubDispatcher{store: st}
	pool := NewWorkerPool(testPoolConfig(), st, dispatch, registryWith(nil), setupTestLogger(),
		WithRecoverer(NewRecoverer(st, setupTestLogger())))

	err := pool.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to recover promises")
	assert.Zero(t, dispatch.calls.Load())
}
