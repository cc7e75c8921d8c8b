package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
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

// cancelAttempts bounds the retries of Cancel when a concurrent claim moved the
// row between the cancellation statements' snapshot and their row locks.
const cancelAttempts = 3

// PostgresPromiseStore implements the store.PromiseStore interface
// using a PostgreSQL database as the storage backend.
type PostgresPromiseStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresPromiseStore creates a new PostgreSQL implementation of the PromiseStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresPromiseStore(db store.DBTX, logger *slog.Logger) *PostgresPromiseStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresPromiseStore{
		db:     db,
		logger: logger.With(slog.String("component", "promise_store")),
	}
}

// Ensure PostgresPromiseStore implements store.PromiseStore interface
var _ store.PromiseStore = (*PostgresPromiseStore)(nil)

// Create implements store.PromiseStore.Create
func (s *PostgresPromiseStore) Create(ctx context.Context, p *domain.Promise) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO promises (` + promiseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
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
		p.CreatedAt.UTC(),
		p.UpdatedAt.UTC(),
		p.AvailableAt.UTC(),
		nullTime(p.StartedAt),
		nullTime(p.CompletedAt),
		nullTime(p.NotifiedAt),
	)
	if err != nil {
		s.logger.Error("failed to create promise", "promise_id", p.ID, "error", err)
		return MapError(err)
	}
	return nil
}

// Get implements store.PromiseStore.Get
func (s *PostgresPromiseStore) Get(ctx context.Context, id uuid.UUID) (*domain.Promise, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+promiseColumns+` FROM promises WHERE id = $1`, id)
	p, err := scanPromise(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrPromiseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get promise: %w", MapError(err))
	}
	return p, nil
}

// ClaimNext implements store.PromiseStore.ClaimNext
func (s *PostgresPromiseStore) ClaimNext(
	ctx context.Context,
	req store.ClaimRequest,
) (*domain.Promise, error) {
	ranks := req.Ranks()
	if len(ranks) == 0 {
		return nil, nil
	}

	query, args := buildClaimQuery(req, ranks)
	row := s.db.QueryRowContext(ctx, query, args...)
	p, err := scanPromise(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("failed to claim promise", "worker_id", req.WorkerID, "error", err)
		return nil, store.NewStoreError("promise", "claim", "query failed", MapError(err))
	}
	return p, nil
}

// buildClaimQuery renders the claim statement. The inner SELECT picks the best
// ranked eligible row and locks it, skipping rows other claimers hold.
func buildClaimQuery(req store.ClaimRequest, ranks []int) (string, []any) {
	now := req.Now.UTC()
	args := []any{now, req.WorkerID}

	placeholders := make([]string, len(ranks))
	for i, r := range ranks {
		args = append(args, r)
		placeholders[i] = "$" + strconv.Itoa(len(args))
	}
	eligibleFilter := fmt.Sprintf("priority IN (%s)", strings.Join(placeholders, ", "))

	rankExpr := "priority"
	if req.AgingThreshold > 0 {
		// One class per full threshold waited, floored at critical.
		args = append(args, req.AgingThreshold.Microseconds())
		rankExpr = fmt.Sprintf(
			"GREATEST(0, priority - LEAST(%d, FLOOR(EXTRACT(EPOCH FROM GREATEST(INTERVAL '0', $1 - created_at)) * 1000000 / $%d))::int)",
			len(domain.AllPriorities), len(args),
		)
		if req.AdmitAged {
			args = append(args, now.Add(-req.AgingThreshold))
			eligibleFilter = fmt.Sprintf("(%s OR created_at <= $%d)", eligibleFilter, len(args))
		}
	}

	resourceFilter := ""
	if req.MaxResourceEstimateMB > 0 {
		args = append(args, req.MaxResourceEstimateMB)
		resourceFilter = fmt.Sprintf(
			"\n\t\t\t  AND (priority = 0 OR resource_estimate_mb IS NULL OR resource_estimate_mb <= $%d)",
			len(args),
		)
	}

	query := fmt.Sprintf(`
		WITH next AS (
			SELECT id FROM promises
			WHERE status = 'pending'
			  AND available_at <= $1
			  AND %s%s
			ORDER BY %s, created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE promises AS p
		SET status = 'running', started_at = $1, updated_at = $1,
		    worker_id = $2, cancel_requested = FALSE
		FROM next
		WHERE p.id = next.id
		RETURNING %s`,
		eligibleFilter,
		resourceFilter,
		rankExpr,
		prefixedColumns("p"),
	)
	return query, args
}

// Finish implements store.PromiseStore.Finish
func (s *PostgresPromiseStore) Finish(
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

	query := `
		UPDATE promises
		SET status = $1, result_summary = $2, error_detail = $3,
		    completed_at = $4, updated_at = $4, cancel_requested = FALSE
		WHERE id = $5 AND status = 'running' AND worker_id = $6
		RETURNING ` + promiseColumns

	row := s.db.QueryRowContext(ctx, query,
		string(params.Status),
		nullString(params.ResultSummary),
		nullString(params.ErrorDetail),
		params.At.UTC(),
		params.ID,
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
func (s *PostgresPromiseStore) Requeue(
	ctx context.Context,
	params store.RequeueParams,
) (*domain.Promise, error) {
	query := `
		UPDATE promises
		SET status = 'pending', retry_count = retry_count + $1, error_detail = $2,
		    available_at = $3, updated_at = $4, started_at = NULL, worker_id = NULL
		WHERE id = $5 AND status = 'running' AND worker_id = $6 AND NOT cancel_requested
		  AND ($7 OR retry_count < max_retries)
		RETURNING ` + promiseColumns

	row := s.db.QueryRowContext(ctx, query,
		params.RetryIncrement(),
		nullString(params.ErrorDetail),
		params.AvailableAt.UTC(),
		params.At.UTC(),
		params.ID,
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
func (s *PostgresPromiseStore) Cancel(
	ctx context.Context,
	id uuid.UUID,
	at time.Time,
) (store.CancelOutcome, error) {
	query := `
		WITH pend AS (
			UPDATE promises
			SET status = 'cancelled', completed_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'pending'
			RETURNING id
		), run AS (
			UPDATE promises
			SET cancel_requested = TRUE, updated_at = $2
			WHERE id = $1 AND status = 'running'
			RETURNING id
		)
		SELECT (SELECT count(*) FROM pend), (SELECT count(*) FROM run),
		       (SELECT status FROM promises WHERE id = $1)`

	for attempt := 1; ; attempt++ {
		var cancelled, requested int
		var status sql.NullString
		err := s.db.QueryRowContext(ctx, query, id, at.UTC()).Scan(&cancelled, &requested, &status)
		if err != nil {
			return store.CancelOutcome{}, store.NewStoreError("promise", "cancel", "update failed", MapError(err))
		}
		if !status.Valid {
			return store.CancelOutcome{}, store.ErrPromiseNotFound
		}

		switch {
		case cancelled > 0:
			return store.CancelOutcome{Cancelled: true, Status: domain.StatusCancelled}, nil
		case requested > 0:
			return store.CancelOutcome{Requested: true, Status: domain.StatusRunning}, nil
		}

		current := domain.Status(status.String)
		if current.Terminal() || attempt >= cancelAttempts {
			return store.CancelOutcome{Status: current}, nil
		}
		// The row changed state between snapshot and lock; read it again.
		s.logger.Debug("cancel raced with a state change, retrying", "promise_id", id, "status", current)
	}
}

// CancelRequested implements store.PromiseStore.CancelRequested
func (s *PostgresPromiseStore) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM promises WHERE id = $1`, id,
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
func (s *PostgresPromiseStore) ListByStatus(
	ctx context.Context,
	status domain.Status,
	limit int,
) ([]*domain.Promise, error) {
	query := `SELECT ` + promiseColumns + ` FROM promises WHERE status = $1 ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryPromises(ctx, "list by status", query, args...)
}

// LoadStats implements store.PromiseStore.LoadStats
func (s *PostgresPromiseStore) LoadStats(ctx context.Context) (store.LoadStats, error) {
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
func (s *PostgresPromiseStore) ListUnnotified(ctx context.Context, limit int) ([]*domain.Promise, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + promiseColumns + `
		FROM promises
		WHERE completed_at IS NOT NULL AND notified_at IS NULL
		ORDER BY completed_at, id
		LIMIT $1`
	return s.queryPromises(ctx, "list unnotified", query, limit)
}

// MarkNotified implements store.PromiseStore.MarkNotified
func (s *PostgresPromiseStore) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE promises SET notified_at = $2 WHERE id = $1 AND completed_at IS NOT NULL AND notified_at IS NULL`,
		id, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark promise notified: %w", MapError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	// Already notified is fine; a missing row is not.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *PostgresPromiseStore) queryPromises(
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

// missOrConflict distinguishes a guarded update that matched nothing because
// the row is gone from one that lost a race.
func (s *PostgresPromiseStore) missOrConflict(ctx context.Context, id uuid.UUID, op string) error {
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
		rank                          int
		status                        string
		estimate                      sql.NullInt64
		result, errDetail, workerID   sql.NullString
		startedAt, completedAt, notif sql.NullTime
	)
	err := row.Scan(
		&p.ID,
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
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.AvailableAt,
		&startedAt,
		&completedAt,
		&notif,
	)
	if err != nil {
		return nil, err
	}

	priority, err := domain.PriorityFromRank(rank)
	if err != nil {
		return nil, err
	}
	p.Priority = priority
	p.Status = domain.Status(status)
	if estimate.Valid {
		v := int(estimate.Int64)
		p.ResourceEstimateMB = &v
	}
	p.ResultSummary = result.String
	p.ErrorDetail = errDetail.String
	p.WorkerID = workerID.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.AvailableAt = p.AvailableAt.UTC()
	p.StartedAt = timePtr(startedAt)
	p.CompletedAt = timePtr(completedAt)
	p.NotifiedAt = timePtr(notif)
	return &p, nil
}

func prefixedColumns(alias string) string {
	cols := strings.Split(promiseColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
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

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
