package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/store"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Requeued  int
	Failed    int
	Cancelled int
	// Skipped counts rows that changed while recovery was running.
	Skipped int
}

// Recoverer repairs promises a previous process left in the running state.
// It must run before any worker of this process claims work, and assumes no
// other pool shares the store.
type Recoverer struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecoverer creates a Recoverer.
func NewRecoverer(st Store, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		store:  st,
		logger: logger.With("component", "recovery"),
		now:    time.Now,
	}
}

// Recover settles every running promise. A promise whose cancellation was
// accepted before the restart is cancelled; the rest go back to pending when
// they have retries left and to failed otherwise. Orphaned promises never
// stay running.
func (r *Recoverer) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	orphans, err := r.store.ListByStatus(ctx, domain.StatusRunning, 0)
	if err != nil {
		return report, fmt.Errorf("failed to list running promises: %w", err)
	}
	if len(orphans) == 0 {
		r.logger.InfoContext(ctx, "no orphaned promises to recover")
		return report, nil
	}

	r.logger.InfoContext(ctx, "recovering orphaned promises", "running_count", len(orphans))

	for _, p := range orphans {
		now := r.now().UTC()
		switch {
		case p.CancelRequested:
			_, err = r.store.Finish(ctx, store.FinishParams{
				ID:          p.ID,
				WorkerID:    p.WorkerID,
				Status:      domain.StatusCancelled,
				ErrorDetail: detailCancelled,
				At:          now,
			})
			if err == nil {
				report.Cancelled++
				r.logger.InfoContext(ctx, "cancelled orphaned promise with a pending cancellation request", "promise_id", p.ID)
				continue
			}
		case p.RetriesRemaining():
			_, err = r.store.Requeue(ctx, store.RequeueParams{
				ID:          p.ID,
				WorkerID:    p.WorkerID,
				ErrorDetail: detailOrphanedRequeued,
				AvailableAt: now,
				At:          now,
			})
			if err == nil {
				report.Requeued++
				r.logger.InfoContext(ctx, "requeued orphaned promise",
					"promise_id", p.ID, "retry_count", p.RetryCount+1)
				continue
			}
		default:
			_, err = r.store.Finish(ctx, store.FinishParams{
				ID:          p.ID,
				WorkerID:    p.WorkerID,
				Status:      domain.StatusFailed,
				ErrorDetail: detailOrphanedExhausted,
				At:          now,
			})
			if err == nil {
				report.Failed++
				r.logger.WarnContext(ctx, "failed orphaned promise with no retries left", "promise_id", p.ID)
				continue
			}
		}

		if store.IsConflictError(err) || store.IsNotFoundError(err) {
			report.Skipped++
			r.logger.WarnContext(ctx, "orphaned promise changed during recovery", "promise_id", p.ID, "error", err)
			continue
		}
		return report, fmt.Errorf("failed to recover promise %s: %w", p.ID, err)
	}

	r.logger.InfoContext(ctx, "recovery complete",
		"requeued", report.Requeued,
		"failed", report.Failed,
		"cancelled", report.Cancelled,
		"skipped", report.Skipped)
	return report, nil
}
