// Package notify delivers promise outcomes to the conversations that created them.
//
// Delivery is at-least-once. The store's notified_at column acts as an
// outbox: the pool hands terminal promises to Notify, and a periodic sweep
// redelivers any terminal promise that was never marked, such as after a
// crash or a full buffer.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/config"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/events"
	"github.com/phrazzld/promised/internal/metrics"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

const sweepBatchSize = 100

// Outcomes reported to metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeDeferred  = "deferred"
)

// Outbox is the store view the notifier needs.
type Outbox interface {
	ListUnnotified(ctx context.Context, limit int) ([]*domain.Promise, error)
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Notifier delivers outcomes on its own goroutine so workers never wait on sinks.
type Notifier struct {
	outbox        Outbox
	emitter       events.EventEmitter
	queue         chan *domain.Promise
	limiter       *rate.Limiter
	maxAttempts   int
	baseDelay     time.Duration
	sweepInterval time.Duration
	metrics       *metrics.Metrics
	now           func() time.Time
	logger        *slog.Logger
}

// New creates a Notifier. m may be nil.
func New(outbox Outbox, emitter events.EventEmitter, cfg config.NotifyConfig, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	bufferSize := cfg.BufferSize
	if bufferSize < 1 {
		bufferSize = 1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Notifier{
		outbox:        outbox,
		emitter:       emitter,
		queue:         make(chan *domain.Promise, bufferSize),
		limiter:       rate.NewLimiter(limit, 1),
		maxAttempts:   maxAttempts,
		baseDelay:     cfg.BaseDelay,
		sweepInterval: cfg.SweepInterval,
		metrics:       m,
		now:           time.Now,
		logger:        logger.With("component", "notifier"),
	}
}

// Notify queues a terminal promise for delivery without blocking. It returns
// false when the buffer is full; the sweep picks the promise up later.
func (n *Notifier) Notify(p *domain.Promise) bool {
	if p == nil || !p.Status.Terminal() {
		return false
	}
	select {
	case n.queue <- p:
		return true
	default:
		n.logger.Warn("notification buffer full, deferring to sweep", "promise_id", p.ID)
		n.metrics.Notified(context.Background(), OutcomeDeferred)
		return false
	}
}

// Run delivers queued outcomes and sweeps the outbox until ctx is done.
// It sweeps once at startup to pick up outcomes a previous process left behind.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.InfoContext(ctx, "notifier started", "sweep_interval", n.sweepInterval)
	if _, err := n.Sweep(ctx); err != nil && ctx.Err() == nil {
		n.logger.ErrorContext(ctx, "initial outbox sweep failed", "error", err)
	}

	var tick <-chan time.Time
	if n.sweepInterval > 0 {
		ticker := time.NewTicker(n.sweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			n.logger.InfoContext(ctx, "notifier stopped", "buffered", len(n.queue))
			return nil
		case p := <-n.queue:
			n.deliver(ctx, p)
		case <-tick:
			if _, err := n.Sweep(ctx); err != nil && ctx.Err() == nil {
				n.logger.ErrorContext(ctx, "outbox sweep failed", "error", err)
			}
		}
	}
}

// Sweep delivers every terminal promise not yet marked notified and returns
// how many it handled.
func (n *Notifier) Sweep(ctx context.Context) (int, error) {
	handled := 0
	for {
		batch, err := n.outbox.ListUnnotified(ctx, sweepBatchSize)
		if err != nil {
			return handled, err
		}
		progressed := 0
		for _, p := range batch {
			if ctx.Err() != nil {
				return handled, ctx.Err()
			}
			if n.deliver(ctx, p) {
				progressed++
			}
		}
		handled += progressed
		if len(batch) < sweepBatchSize || progressed == 0 {
			if handled > 0 {
				n.logger.InfoContext(ctx, "outbox sweep delivered outcomes", "count", handled)
			}
			return handled, nil
		}
	}
}

// deliver emits the outcome with bounded retries and marks it notified
// whether or not a sink accepted it. It reports false only when the promise
// was left in the outbox.
func (n *Notifier) deliver(ctx context.Context, p *domain.Promise) bool {
	logger := n.logger.With("promise_id", p.ID, "origin", p.Origin, "status", p.Status)

	if err := n.limiter.Wait(ctx); err != nil {
		n.metrics.Notified(ctx, OutcomeDeferred)
		return false
	}

	event := events.NewPromiseFinished(p)
	backoff := retry.WithMaxRetries(uint64(n.maxAttempts-1), retry.NewExponential(n.baseDelayOrDefault()))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := n.emitter.EmitEvent(ctx, event); err != nil {
			event.Attempt++
			return retry.RetryableError(err)
		}
		return nil
	})

	outcome := OutcomeDelivered
	if err != nil {
		if ctx.Err() != nil {
			n.metrics.Notified(context.Background(), OutcomeDeferred)
			logger.Warn("delivery interrupted, leaving for next sweep", "error", err)
			return false
		}
		outcome = OutcomeDropped
		logger.ErrorContext(ctx, "delivery failed, dropping notification",
			"attempts", n.maxAttempts,
			"error", err)
	}
	n.metrics.Notified(ctx, outcome)

	if err := n.outbox.MarkNotified(ctx, p.ID, n.now().UTC()); err != nil {
		logger.ErrorContext(ctx, "failed to mark promise notified", "error", err)
		return false
	}
	return true
}

func (n *Notifier) baseDelayOrDefault() time.Duration {
	if n.baseDelay <= 0 {
		return 100 * time.Millisecond
	}
	return n.baseDelay
}
