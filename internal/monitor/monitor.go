// Package monitor samples host resource usage and queue load on a fixed
// interval and publishes the latest reading as a read-only snapshot.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/store"
)

const bytesPerMB = 1 << 20

// Snapshot is one resource reading. Consumers must treat it as immutable.
type Snapshot struct {
	SampledAt        time.Time
	HeapMB           int
	Goroutines       int
	Running          int
	Pending          int
	PendingNonUrgent int
	// Err is set when the last sample could not be taken; the other fields
	// then describe nothing.
	Err error
}

// Fresh reports whether the snapshot was taken successfully within maxAge of now.
func (s Snapshot) Fresh(now time.Time, maxAge time.Duration) bool {
	return s.Err == nil && !s.SampledAt.IsZero() && now.Sub(s.SampledAt) <= maxAge
}

// LoadSource provides queue load figures.
type LoadSource interface {
	LoadStats(ctx context.Context) (store.LoadStats, error)
}

// MemStatsFunc reads process memory statistics.
type MemStatsFunc func(*runtime.MemStats)

// Monitor periodically samples memory and queue load.
type Monitor struct {
	load     LoadSource
	interval time.Duration
	logger   *slog.Logger
	readMem  MemStatsFunc
	now      func() time.Time
	latest   atomic.Pointer[Snapshot]
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithMemStats replaces runtime.ReadMemStats, mainly for tests.
func WithMemStats(fn MemStatsFunc) Option {
	return func(m *Monitor) { m.readMem = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a Monitor. Until the first sample completes Snapshot returns a
// zero value, which is never Fresh.
func New(load LoadSource, interval time.Duration, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		load:     load,
		interval: interval,
		logger:   logger.With("component", "resource_monitor"),
		readMem:  runtime.ReadMemStats,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the latest reading.
func (m *Monitor) Snapshot() Snapshot {
	if s := m.latest.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// Sample takes one reading and publishes it.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	var ms runtime.MemStats
	m.readMem(&ms)

	snap := Snapshot{
		SampledAt:  m.now().UTC(),
		HeapMB:     int(ms.HeapAlloc / bytesPerMB),
		Goroutines: runtime.NumGoroutine(),
	}

	stats, err := m.load.LoadStats(ctx)
	if err != nil {
		snap.Err = fmt.Errorf("failed to sample queue load: %w", err)
		m.logger.Warn("resource sample failed", "error", err)
	} else {
		snap.Running = stats.ByStatus[domain.StatusRunning]
		snap.Pending = stats.ByStatus[domain.StatusPending]
		snap.PendingNonUrgent = stats.PendingNonUrgent
	}

	m.latest.Store(&snap)
	return snap
}

// Run samples every interval until ctx is done. It does not sample on entry;
// callers that need a reading before the first tick call Sample themselves.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Sample(ctx)
			m.logger.Debug("resource sample",
				"heap_mb", snap.HeapMB,
				"running", snap.Running,
				"pending", snap.Pending,
				"pending_non_urgent", snap.PendingNonUrgent)
		}
	}
}
