// Package admission decides whether pending promises may start running now.
//
// Two gates apply. The hard gate is a counting semaphore sized to the maximum
// number of concurrently running promises; nothing bypasses it. The soft gate
// reads the resource monitor's latest snapshot. Under memory pressure or when
// telemetry is missing it narrows eligibility to critical promises only.
//
// Backlog pressure is measured on the pending medium and low promises, which
// are the very work it gates, so it never shuts that work out entirely: high
// promises stay eligible and so does any promise that has waited at least one
// aging threshold. The backlog therefore keeps draining while it is over the
// ceiling.
package admission

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/monitor"
)

// Reasons reported in Decision.Reason.
const (
	ReasonOK              = "ok"
	ReasonNoTelemetry     = "telemetry_unavailable"
	ReasonStaleTelemetry  = "telemetry_stale"
	ReasonMemoryPressure  = "memory_pressure"
	ReasonBacklogPressure = "backlog_pressure"
)

// Sampler exposes the latest resource reading.
type Sampler interface {
	Snapshot() monitor.Snapshot
}

// Config holds admission thresholds.
type Config struct {
	// MaxRunning is the hard cap on concurrently running promises.
	MaxRunning int
	// MaxHeapMB is the soft memory ceiling; zero disables it.
	MaxHeapMB int
	// MaxPendingNonUrgent is the soft backlog ceiling; zero disables it.
	MaxPendingNonUrgent int
	// StaleAfter is the maximum age of a usable snapshot.
	StaleAfter time.Duration
}

// Decision is the soft gate's verdict for one scheduling pass.
type Decision struct {
	// Priorities lists the classes that may be claimed.
	Priorities []domain.Priority
	// MaxResourceEstimateMB caps the resource estimate of non-critical
	// promises; zero means no cap.
	MaxResourceEstimateMB int
	// AdmitAged also admits promises that have waited at least one aging
	// threshold, whatever their class.
	AdmitAged bool
	// Reason names the check that restricted eligibility, or ReasonOK.
	Reason string
}

// Restricted reports whether some class is held back.
func (d Decision) Restricted() bool {
	return d.Reason != ReasonOK
}

// Allows reports whether p is among the admitted classes.
func (d Decision) Allows(p domain.Priority) bool {
	for _, allowed := range d.Priorities {
		if allowed == p {
			return true
		}
	}
	return false
}

// Controller combines the hard concurrency cap with the soft resource signal.
type Controller struct {
	cfg     Config
	sem     *semaphore.Weighted
	running atomic.Int64
	sampler Sampler
	logger  *slog.Logger
	last    atomic.Value // string: last reason, to log transitions once
}

// New creates a Controller.
func New(cfg Config, sampler Sampler, logger *slog.Logger) *Controller {
	if cfg.MaxRunning < 1 {
		cfg.MaxRunning = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxRunning)),
		sampler: sampler,
		logger:  logger.With("component", "admission"),
	}
	c.last.Store(ReasonOK)
	return c
}

// Reserve takes one running slot without blocking. The returned release must
// be called exactly once when the promise leaves the running state; extra
// calls are ignored.
func (c *Controller) Reserve() (release func(), ok bool) {
	if !c.sem.TryAcquire(1) {
		return nil, false
	}
	c.running.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			c.running.Add(-1)
			c.sem.Release(1)
		}
	}, true
}

// Running returns the number of held slots.
func (c *Controller) Running() int {
	return int(c.running.Load())
}

// Capacity returns the hard cap.
func (c *Controller) Capacity() int {
	return c.cfg.MaxRunning
}

// Eligible evaluates the soft gate at now.
func (c *Controller) Eligible(now time.Time) Decision {
	snap := c.sampler.Snapshot()

	var reason string
	switch {
	case snap.SampledAt.IsZero() || snap.Err != nil:
		reason = ReasonNoTelemetry
	case !snap.Fresh(now, c.cfg.StaleAfter):
		reason = ReasonStaleTelemetry
	case c.cfg.MaxHeapMB > 0 && snap.HeapMB >= c.cfg.MaxHeapMB:
		reason = ReasonMemoryPressure
	case c.cfg.MaxPendingNonUrgent > 0 && snap.PendingNonUrgent > c.cfg.MaxPendingNonUrgent:
		reason = ReasonBacklogPressure
	default:
		reason = ReasonOK
	}
	c.noteTransition(reason, snap)

	switch reason {
	case ReasonOK:
	case ReasonBacklogPressure:
		return Decision{
			Priorities: []domain.Priority{domain.PriorityCritical, domain.PriorityHigh},
			AdmitAged:  true,
			Reason:     reason,
		}
	default:
		return Decision{Priorities: []domain.Priority{domain.PriorityCritical}, Reason: reason}
	}

	d := Decision{Priorities: domain.AllPriorities, Reason: ReasonOK}
	if c.cfg.MaxHeapMB > 0 {
		d.MaxResourceEstimateMB = c.cfg.MaxHeapMB - snap.HeapMB
	}
	return d
}

// MayAdmit reports whether a promise of priority p could start now: a slot
// is free and the soft gate admits its class. It does not reserve anything.
func (c *Controller) MayAdmit(p domain.Priority, now time.Time) bool {
	if c.Running() >= c.cfg.MaxRunning {
		return false
	}
	return c.Eligible(now).Allows(p)
}

func (c *Controller) noteTransition(reason string, snap monitor.Snapshot) {
	prev, _ := c.last.Swap(reason).(string)
	if prev == reason {
		return
	}
	if reason == ReasonOK {
		c.logger.Info("admission pressure cleared", "previous_reason", prev)
		return
	}
	c.logger.Warn("admission restricted",
		"reason", reason,
		"heap_mb", snap.HeapMB,
		"pending_non_urgent", snap.PendingNonUrgent,
		"sampled_at", snap.SampledAt)
}
