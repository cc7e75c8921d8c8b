package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/promised/internal/config"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/executor"
	"github.com/phrazzld/promised/internal/metrics"
	"github.com/phrazzld/promised/internal/redact"
	"github.com/phrazzld/promised/internal/scheduler"
	"github.com/phrazzld/promised/internal/store"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// ErrPoolStarted is returned by Start when the pool is already running.
var ErrPoolStarted = errors.New("worker pool already started")

// WorkerPool runs a fixed number of workers. Each worker loops: claim the
// next eligible promise, execute it under a timeout, persist the outcome.
type WorkerPool struct {
	cfg       config.PoolConfig
	store     Store
	dispatch  Dispatcher
	executors Resolver
	recoverer *Recoverer
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	// wake shortcuts idle backoff after an enqueue.
	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool

	active atomic.Int32
	peak   atomic.Int32
}

// PoolOption customizes a WorkerPool.
type PoolOption func(*WorkerPool)

// WithNotifier hands every terminal promise to n.
func WithNotifier(n Notifier) PoolOption {
	return func(p *WorkerPool) { p.notifier = n }
}

// WithMetrics records pool activity on m.
func WithMetrics(m *metrics.Metrics) PoolOption {
	return func(p *WorkerPool) { p.metrics = m }
}

// WithRecoverer runs r once in Start before any worker claims.
func WithRecoverer(r *Recoverer) PoolOption {
	return func(p *WorkerPool) { p.recoverer = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) PoolOption {
	return func(p *WorkerPool) { p.now = now }
}

// NewWorkerPool creates a pool. It does not start any goroutines.
func NewWorkerPool(
	cfg config.PoolConfig,
	st Store,
	dispatch Dispatcher,
	executors Resolver,
	logger *slog.Logger,
	opts ...PoolOption,
) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", cfg.WorkerCount,
			"default_count", 1)
		cfg.WorkerCount = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.IdleBackoffMax < cfg.PollInterval {
		cfg.IdleBackoffMax = cfg.PollInterval
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = cfg.PollInterval
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 10 * time.Minute
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}

	p := &WorkerPool{
		cfg:       cfg,
		store:     st,
		dispatch:  dispatch,
		executors: executors,
		logger:    logger.With("component", "worker_pool"),
		now:       time.Now,
		wake:      make(chan struct{}, cfg.WorkerCount),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs recovery and then launches the workers. Workers stop when ctx is
// cancelled or Stop is called. A recovery failure aborts startup.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}

	if p.recoverer != nil {
		if _, err := p.recoverer.Recover(ctx); err != nil {
			return fmt.Errorf("failed to recover promises: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		group.Go(func() error {
			p.worker(groupCtx, workerID)
			return nil
		})
	}

	p.cancel = cancel
	p.group = group
	p.started = true
	p.logger.InfoContext(ctx, "worker pool started", "worker_count", p.cfg.WorkerCount)
	return nil
}

// Stop cancels in-flight executions and waits for the workers to persist
// their outcomes, up to the configured shutdown timeout.
func (p *WorkerPool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	cancel, group := p.cancel, p.group
	p.started = false
	p.mu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	timeout := p.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case err := <-done:
		p.logger.Info("worker pool stopped")
		return err
	case <-time.After(timeout):
		p.logger.Error("worker pool did not stop in time", "timeout", timeout, "active", p.Active())
		return fmt.Errorf("worker pool shutdown timed out after %s", timeout)
	}
}

// Wake interrupts idle workers so a newly enqueued promise is claimed
// without waiting out the poll backoff. It never blocks.
func (p *WorkerPool) Wake() {
	for i := 0; i < cap(p.wake); i++ {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Active returns the number of promises currently executing.
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

// PeakActive returns the highest Active value observed.
func (p *WorkerPool) PeakActive() int {
	return int(p.peak.Load())
}

// worker processes promises until ctx is cancelled.
func (p *WorkerPool) worker(ctx context.Context, workerID string) {
	logger := p.logger.With("worker_id", workerID)
	logger.Debug("starting worker")
	defer logger.Debug("stopping worker")

	backoff := p.cfg.PollInterval
	for ctx.Err() == nil {
		claim, err := p.dispatch.Next(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.ErrorContext(ctx, "failed to claim next promise", "error", err)
			backoff = p.idle(ctx, backoff)
			continue
		}
		if claim == nil {
			backoff = p.idle(ctx, backoff)
			continue
		}

		backoff = p.cfg.PollInterval
		p.process(ctx, workerID, claim)
	}
}

// idle waits for backoff or a wake-up and returns the next backoff.
func (p *WorkerPool) idle(ctx context.Context, backoff time.Duration) time.Duration {
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return backoff
	case <-p.wake:
		return p.cfg.PollInterval
	case <-timer.C:
	}
	next := backoff * 2
	if next > p.cfg.IdleBackoffMax {
		next = p.cfg.IdleBackoffMax
	}
	return next
}

// process executes one claimed promise and persists its outcome. The
// admission slot is released only after the outcome is stored.
func (p *WorkerPool) process(ctx context.Context, workerID string, claim *scheduler.Claim) {
	defer claim.Release()
	promise := claim.Promise

	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	logger := p.logger.With(
		"promise_id", promise.ID,
		"worker_id", workerID,
		"priority", promise.Priority,
		"attempt", promise.RetryCount+1,
	)
	p.metrics.Claimed(ctx, promise, p.now().UTC())
	logger.InfoContext(ctx, "processing promise", "admission", claim.Decision.Reason)

	outcome := p.execute(ctx, logger, promise)
	execErr, cancelled := outcome.err, outcome.cancelled

	// Outcome writes must land even when the pool is shutting down.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if execErr != nil && !cancelled {
		// A cancellation request that raced a failure still wins.
		if requested, err := p.store.CancelRequested(persistCtx, promise.ID); err == nil && requested {
			cancelled = true
		}
	}

	switch {
	case cancelled:
		p.finish(persistCtx, logger, workerID, promise, domain.StatusCancelled, "", detailCancelled)
	case outcome.interrupted:
		p.returnInterrupted(persistCtx, logger, workerID, promise)
	case execErr == nil:
		p.finish(persistCtx, logger, workerID, promise, domain.StatusCompleted, outcome.result.Summary, "")
	case executor.IsPermanent(execErr):
		p.finish(persistCtx, logger, workerID, promise, domain.StatusFailed, "", redact.Detail(execErr))
	default:
		p.retryOrFail(persistCtx, logger, workerID, promise, execErr)
	}
}

// attempt is the result of one execution.
type attempt struct {
	result executor.Result
	err    error
	// cancelled is set when a cancellation request stopped the execution.
	cancelled bool
	// interrupted is set when pool shutdown stopped the execution.
	interrupted bool
}

// execute runs the promise's executor with the execution timeout while a
// watcher polls for cancellation requests. Panics become permanent failures.
func (p *WorkerPool) execute(ctx context.Context, logger *slog.Logger, promise *domain.Promise) attempt {
	exec, err := p.executors.Resolve(promise.Executor)
	if err != nil {
		logger.ErrorContext(ctx, "no executor for promise", "executor", promise.Executor, "error", err)
		return attempt{err: err}
	}

	execCtx, cancelExec := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	defer cancelExec()

	var cancelSeen atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		p.watchCancellation(execCtx, promise, func() {
			cancelSeen.Store(true)
			cancelExec()
		})
	}()

	start := p.now()
	res, err := safeExecute(execCtx, exec, executor.Request{
		PromiseID:       promise.ID,
		TaskDescription: promise.TaskDescription,
		Timeout:         p.cfg.ExecutionTimeout,
		Attempt:         promise.RetryCount + 1,
	}, logger)
	elapsed := p.now().Sub(start)

	cancelExec()
	<-watchDone

	// Late successes after a timeout or shutdown do not count.
	if err == nil && execCtx.Err() != nil && !cancelSeen.Load() {
		err = execCtx.Err()
	}

	executorName := promise.Executor
	if executorName == "" {
		executorName = "default"
	}
	p.metrics.Executed(ctx, executorName, elapsed, err)

	switch {
	case cancelSeen.Load():
		logger.InfoContext(ctx, "promise cancelled while running", "elapsed", elapsed)
		return attempt{result: res, err: err, cancelled: true}
	case err != nil && ctx.Err() != nil:
		return attempt{result: res, err: fmt.Errorf("%s: %w", detailShutdown, err), interrupted: true}
	case err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("execution timed out after %s: %w", p.cfg.ExecutionTimeout, err)
	}
	return attempt{result: res, err: err}
}

// watchCancellation polls the store until ctx ends and calls onCancel once
// a cancellation request is observed.
func (p *WorkerPool) watchCancellation(ctx context.Context, promise *domain.Promise, onCancel func()) {
	ticker := time.NewTicker(p.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := p.store.CancelRequested(ctx, promise.ID)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.WarnContext(ctx, "failed to poll cancellation", "promise_id", promise.ID, "error", err)
				}
				continue
			}
			if requested {
				onCancel()
				return
			}
		}
	}
}

// safeExecute runs the executor, converting a panic into a permanent error.
func safeExecute(
	ctx context.Context,
	exec executor.Executor,
	req executor.Request,
	logger *slog.Logger,
) (res executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "executor panicked",
				"panic", fmt.Sprint(r),
				"stack", redact.String(string(debug.Stack())))
			err = executor.Permanent(fmt.Errorf("executor panicked: %v", r))
		}
	}()
	return exec.Execute(ctx, req)
}

func (p *WorkerPool) retryOrFail(
	ctx context.Context,
	logger *slog.Logger,
	workerID string,
	promise *domain.Promise,
	execErr error,
) {
	detail := redact.Detail(execErr)
	if !promise.RetriesRemaining() {
		logger.WarnContext(ctx, "retries exhausted", "max_retries", promise.MaxRetries, "error", detail)
		p.finish(ctx, logger, workerID, promise, domain.StatusFailed, "",
			fmt.Sprintf("retries exhausted after %d attempts: %s", promise.RetryCount+1, detail))
		return
	}

	now := p.now().UTC()
	delay := p.RetryDelay(promise.RetryCount)
	requeued, ok := p.requeue(ctx, logger, workerID, promise, store.RequeueParams{
		ID:          promise.ID,
		WorkerID:    workerID,
		ErrorDetail: detail,
		AvailableAt: now.Add(delay),
		At:          now,
	})
	if !ok {
		return
	}
	p.metrics.Retried(ctx, promise.Priority)
	logger.InfoContext(ctx, "promise requeued after transient failure",
		"retry_count", requeued.RetryCount,
		"retry_in", delay,
		"error", detail)
}

// returnInterrupted puts a promise stopped by shutdown back to pending
// without spending a retry, so the next start runs it again.
func (p *WorkerPool) returnInterrupted(
	ctx context.Context,
	logger *slog.Logger,
	workerID string,
	promise *domain.Promise,
) {
	now := p.now().UTC()
	if _, ok := p.requeue(ctx, logger, workerID, promise, store.RequeueParams{
		ID:          promise.ID,
		WorkerID:    workerID,
		ErrorDetail: detailShutdown,
		AvailableAt: now,
		At:          now,
		Uncounted:   true,
	}); ok {
		logger.InfoContext(ctx, "promise returned to pending after shutdown interrupted it")
	}
}

// requeue stores a requeue. The store refuses it when cancellation was
// requested while the promise ran; the promise is then finished as cancelled.
func (p *WorkerPool) requeue(
	ctx context.Context,
	logger *slog.Logger,
	workerID string,
	promise *domain.Promise,
	params store.RequeueParams,
) (*domain.Promise, bool) {
	requeued, err := p.store.Requeue(ctx, params)
	if err == nil {
		return requeued, true
	}
	if store.IsConflictError(err) {
		if requested, cerr := p.store.CancelRequested(ctx, promise.ID); cerr == nil && requested {
			p.finish(ctx, logger, workerID, promise, domain.StatusCancelled, "", detailCancelled)
			return nil, false
		}
	}
	p.logPersistError(ctx, logger, "requeue", promise, err)
	return nil, false
}

func (p *WorkerPool) finish(
	ctx context.Context,
	logger *slog.Logger,
	workerID string,
	promise *domain.Promise,
	status domain.Status,
	summary, detail string,
) {
	finished, err := p.store.Finish(ctx, store.FinishParams{
		ID:            promise.ID,
		WorkerID:      workerID,
		Status:        status,
		ResultSummary: summary,
		ErrorDetail:   detail,
		At:            p.now().UTC(),
	})
	if err != nil {
		p.logPersistError(ctx, logger, "finish", promise, err)
		return
	}
	p.metrics.Finished(ctx, status)
	logger.InfoContext(ctx, "promise finished", "status", status)
	if p.notifier != nil {
		p.notifier.Notify(finished)
	}
}

// logPersistError records a failed outcome write. A transition conflict means
// the row changed under the worker; the current state is logged for context.
func (p *WorkerPool) logPersistError(ctx context.Context, logger *slog.Logger, op string, promise *domain.Promise, err error) {
	if !store.IsConflictError(err) {
		logger.ErrorContext(ctx, "failed to persist promise outcome", "operation", op, "error", err)
		return
	}
	current, getErr := p.store.Get(ctx, promise.ID)
	if getErr != nil {
		logger.WarnContext(ctx, "promise changed before outcome was stored", "operation", op, "error", err)
		return
	}
	logger.WarnContext(ctx, "promise changed before outcome was stored",
		"operation", op,
		"current_status", current.Status,
		"current_worker", current.WorkerID)
}

// RetryDelay returns the backoff before attempt retryCount+2, doubling from
// the base delay up to the maximum.
func (p *WorkerPool) RetryDelay(retryCount int) time.Duration {
	b := retry.WithCappedDuration(p.cfg.RetryMaxDelay, retry.NewExponential(p.cfg.RetryBaseDelay))
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
