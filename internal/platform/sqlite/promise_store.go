package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/store"
)

const promiseColumns = `id, task_description, priority, status, origin, executor,
	resource_estimate_mb, retry_count, max_retries, result_summary, error_detail,
	worker_id, cancel_requested, created_at, updated_at, available_at,
	started_at, completed_at, notified_at`

// SQLitePromiseStore implements the store.PromiseStore interface on SQLite.
type SQLitePromiseStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePromiseStore creates a SQLite-backed PromiseStore.
// If logger is nil, a default logger will be used.
func NewSQLitePromiseStore(db *sql.DB, logger *slog.Logger) *SQLitePromiseStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLitePromiseStore{
		db:     db,
		logger: logger.With(slog.String("component", "promise_store")),
	}
}

var _ store.PromiseStore = (*SQLitePromiseStore)(nil)

// Create implements store.PromiseStore.Create
func (s *SQLitePromiseStore) Create(ctx context.Context, p *domain.Promise) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	query := `INSERT INTO promises (` + promiseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID.String(),
		p.TaskDescription,
		p.Priority.Rank(),
		string(p.Status),
		p.Origin,
		p.Executor,
		nullInt(p.ResourceEstimateMB),
		p.RetryCount,
		p.MaxRetries,
		nullString(p.ResultSummary),
		nullString(p.ErrorDetail),
		nullString(p.WorkerID),
		p.CancelRequested,
		unixNano(p.CreatedAt),
		unixNano(p.UpdatedAt),
		unixNano(p.AvailableAt),
		nullNano(p.StartedAt),
		nullNano(p.CompletedAt),
		nullNano(p.NotifiedAt),
	)
	if err != nil {
		s.logger.Error("failed to create promise", "promise_id", p.ID, "error", err)
		return MapError(err)
	}
	return nil
}

// Get implements store.PromiseStore.Get
func (s *SQLitePromiseStore) Get(ctx context.Context, id uuid.UUID) (*domain.Promise, error) {
	return getPromise(ctx, s.db, id)
}

func getPromise(ctx context.Context, db store.DBTX, id uuid.UUID) (*domain.Promise, error) {
	row := db.QueryRowContext(ctx, `SELECT `+promiseColumns+` FROM promises WHERE id = ?`, id.String())
	p, err := scanPromise(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrPromiseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get promise: %w", MapError(err))
	}
	return p, nil
}

// ClaimNext implements store.PromiseStore.ClaimNext. The single UPDATE runs
// under SQLite's database write lock, so the subquery's choice cannot be
// claimed by anyone else before it is flipped to running.
func (s *SQLitePromiseStore) ClaimNext(
	ctx context.Context,
	req store.ClaimRequest,
) (*domain.Promise, error) {
	ranks := req.Ranks()
	if len(ranks) == 0 {
		return nil, nil
	}

	query, args := buildClaimQuery(req, ranks)
	p, err := scanPromise(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("failed to claim promise", "worker_id", req.WorkerID, "error", err)
		return nil, store.NewStoreError("promise", "claim", "query failed", MapError(err))
	}
	return p, nil
}

func buildClaimQuery(req store.ClaimRequest, ranks []int) (string, []any) {
	now := unixNano(req.Now)
	args := []any{now, now, req.WorkerID, now}

	placeholders := make([]string, len(ranks))
	for i, r := range ranks {
		placeholders[i] = "?"
		args = append(args, r)
	}
	eligibleFilter := fmt.Sprintf("priority IN (%s)", strings.Join(placeholders, ", "))

	aging := req.AgingThreshold > 0
	if aging && req.AdmitAged {
		eligibleFilter = "(" + eligibleFilter + " OR created_at <= ?)"
		args = append(args, now-int64(req.AgingThreshold))
	}

	resourceFilter := ""
	if req.MaxResourceEstimateMB > 0 {
		resourceFilter = " AND (priority = 0 OR resource_estimate_mb IS NULL OR resource_estimate_mb <= ?)"
		args = append(args, req.MaxResourceEstimateMB)
	}

	// One class per full threshold waited, floored at critical.
	rankExpr := "priority"
	if aging {
		rankExpr = "MAX(0, priority - MAX(0, ? - created_at) / ?)"
		args = append(args, now, int64(req.AgingThreshold))
	}

	query := fmt.Sprintf(`
		UPDATE promises
		SET status = 'running', started_at = ?, updated_at = ?, worker_id = ?, cancel_requested = 0
		WHERE status = 'pending' AND id = (
			SELECT id FROM promises
			WHERE status = 'pending' AND available_at <= ? AND %s%s
			ORDER BY %s, created_at, rowid
			LIMIT 1
		)
		RETURNING %s`,
		eligibleFilter,
		resourceFilter,
		rankExpr,
		promiseColumns,
	)
	return query, args
}

// Finish implements store.PromiseStore.Finish
func (s *SQLitePromiseStore) Finish(
	ctx context.Context,
	params store.FinishParams,
) (*domain.Promise, error) {
	if !params.Status.Terminal() {
		return nil, fmt.Errorf("%w: finish requires a terminal status, got %q",
			store.ErrInvalidEntity, params.Status)
	}
	if err := domain.ValidateTransition(domain.StatusRunning, params.Status); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	at := unixNano(params.At)
	row := s.db.QueryRowContext(ctx, `
		UPDATE promises
		SET status = ?, result_summary = ?, error_detail = ?,
		    completed_at = ?, updated_at = ?, cancel_requested = 0
		WHERE id = ? AND status = 'running' AND worker_id = ?
		RETURNING `+promiseColumns,
		string(params.Status),
		nullString(params.ResultSummary),
		nullString(params.ErrorDetail),
		at, at,
		params.ID.String(),
		params.WorkerID,
	)
	p, err := scanPromise(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, params.ID, "finish")
	}
	if err != nil {
		return nil, store.NewStoreError("promise", "finish", "update failed", MapError(err))
	}
	return p, nil
}

// Requeue implements store.PromiseStore.Requeue
func (s *SQLitePromiseStore) Requeue(
	ctx context.Context,
	params store.RequeueParams,
) (*domain.Promise, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE promises
		SET status = 'pending', retry_count = retry_count + ?, error_detail = ?,
		    available_at = ?, updated_at = ?, started_at = NULL, worker_id = NULL
		WHERE id = ? AND status = 'running' AND worker_id = ? AND cancel_requested = 0
		  AND (? OR retry_count < max_retries)
		RETURNING `+promiseColumns,
		params.RetryIncrement(),
		nullString(params.ErrorDetail),
		unixNano(params.AvailableAt),
		unixNano(params.At),
		params.ID.String(),
		params.WorkerID,
		params.Uncounted,
	)
	p, err := scanPromise(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, params.ID, "requeue")
	}
	if err != nil {
		return nil, store.NewStoreError("promise", "requeue", "update failed", MapError(err))
	}
	return p, nil
}

// Cancel implements store.PromiseStore.Cancel
func (s *SQLitePromiseStore) Cancel(
	ctx context.Context,
	id uuid.UUID,
	at time.Time,
) (store.CancelOutcome, error) {
	var outcome store.CancelOutcome
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		ts := unixNano(at)
		res, err := tx.ExecContext(ctx, `
			UPDATE promises SET status = 'cancelled', completed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`, ts, ts, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			outcome = store.CancelOutcome{Cancelled: true, Status: domain.StatusCancelled}
			return nil
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE promises SET cancel_requested = 1, updated_at = ?
			WHERE id = ? AND status = 'running'`, ts, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			outcome = store.CancelOutcome{Requested: true, Status: domain.StatusRunning}
			return nil
		}

		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM promises WHERE id = ?`, id.String()).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrPromiseNotFound
		}
		if err != nil {
			return err
		}
		outcome = store.CancelOutcome{Status: domain.Status(status)}
		return nil
	})
	if err != nil {
		if store.IsNotFoundError(err) {
			return store.CancelOutcome{}, err
		}
		return store.CancelOutcome{}, store.NewStoreError("promise", "cancel", "update failed", MapError(err))
	}
	return outcome, nil
}

// CancelRequested implements store.PromiseStore.CancelRequested
func (s *SQLitePromiseStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM promises WHERE id = ?`, id.String(),
	).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrPromiseNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", MapError(err))
	}
	return requested, nil
}

// ListByStatus implements store.PromiseStore.ListByStatus
func (s *SQLitePromiseStore) ListByStatus(
	ctx context.Context,
	status domain.Status,
	limit int,
) ([]*domain.Promise, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	return s.queryPromises(ctx, "list by status",
		`SELECT `+promiseColumns+` FROM promises WHERE status = ? ORDER BY created_at, rowid LIMIT ?`,
		string(status), limit)
}

// LoadStats implements store.PromiseStore.LoadStats
func (s *SQLitePromiseStore) LoadStats(ctx context.Context) (store.LoadStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, priority, count(*) FROM promises GROUP BY status, priority`)
	if err != nil {
		return store.LoadStats{}, fmt.Errorf("failed to load stats: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	stats := store.LoadStats{ByStatus: make(map[domain.Status]int, len(domain.AllStatuses))}
	for rows.Next() {
		var status string
		var rank, count int
		if err := rows.Scan(&status, &rank, &count); err != nil {
			return store.LoadStats{}, fmt.Errorf("failed to scan stats row: %w", err)
		}
		st := domain.Status(status)
		stats.ByStatus[st] += count
		if st == domain.StatusPending && rank >= domain.PriorityMedium.Rank() {
			stats.PendingNonUrgent += count
		}
	}
	if err := rows.Err(); err != nil {
		return store.LoadStats{}, fmt.Errorf("error iterating stats rows: %w", err)
	}
	return stats, nil
}

// ListUnnotified implements store.PromiseStore.ListUnnotified
func (s *SQLitePromiseStore) ListUnnotified(ctx context.Context, limit int) ([]*domain.Promise, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryPromises(ctx, "list unnotified", `
		SELECT `+promiseColumns+`
		FROM promises
		WHERE completed_at IS NOT NULL AND notified_at IS NULL
		ORDER BY completed_at, rowid
		LIMIT ?`, limit)
}

// MarkNotified implements store.PromiseStore.MarkNotified
func (s *SQLitePromiseStore) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE promises SET notified_at = ? WHERE id = ? AND completed_at IS NOT NULL AND notified_at IS NULL`,
		unixNano(at), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark promise notified: %w", MapError(err))
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.Get(ctx, id)
	return err
}

func (s *SQLitePromiseStore) queryPromises(
	ctx context.Context,
	op string,
	query string,
	args ...any,
) ([]*domain.Promise, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("promise query failed", "operation", op, "error", err)
		return nil, fmt.Errorf("failed to %s: %w", op, MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var promises []*domain.Promise
	for rows.Next() {
		p, err := scanPromise(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan promise row: %w", err)
		}
		promises = append(promises, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating promise rows: %w", err)
	}
	return promises, nil
}

func (s *SQLitePromiseStore) missOrConflict(ctx context.Context, id uuid.UUID, op string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Warn("guarded transition matched no row",
		"operation", op,
		"promise_id", id,
		"status", current.Status,
		"worker_id", current.WorkerID)
	return fmt.Errorf("%w: %s promise %s in status %s", store.ErrTransitionConflict, op, id, current.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPromise(row rowScanner) (*domain.Promise, error) {
	var (
		p                             domain.Promise
		id, status                    string
		rank                          int
		estimate                      sql.NullInt64
		result, errDetail, workerID   sql.NullString
		created, updated, available   int64
		startedAt, completedAt, notif sql.NullInt64
	)
	err := row.Scan(
		&id,
		&p.TaskDescription,
		&rank,
		&status,
		&p.Origin,
		&p.Executor,
		&estimate,
		&p.RetryCount,
		&p.MaxRetries,
		&result,
		&errDetail,
		&workerID,
		&p.CancelRequested,
		&created,
		&updated,
		&available,
		&startedAt,
		&completedAt,
		&notif,
	)
	if err != nil {
		return nil, err
	}

	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid promise id %q: %w", id, err)
	}
	if p.Priority, err = domain.PriorityFromRank(rank); err != nil {
		return nil, err
	}
	p.Status = domain.Status(status)
	if estimate.Valid {
		v := int(estimate.Int64)
		p.ResourceEstimateMB = &v
	}
	p.ResultSummary = result.String
	p.ErrorDetail = errDetail.String
	p.WorkerID = workerID.String
	p.CreatedAt = fromNano(created)
	p.UpdatedAt = fromNano(updated)
	p.AvailableAt = fromNano(available)
	p.StartedAt = nanoPtr(startedAt)
	p.CompletedAt = nanoPtr(completedAt)
	p.NotifiedAt = nanoPtr(notif)
	return &p, nil
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNano(*t), Valid: true}
}

func nanoPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNano(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
