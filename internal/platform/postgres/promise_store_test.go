package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/platform/logger"
	"github.com/phrazzld/promised/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columnNames = func() []string {
	cols := strings.Split(promiseColumns, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}()

func newMockStore(t *testing.T) (*PostgresPromiseStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, l := logger.NewTestLogger(t)
	return NewPostgresPromiseStore(db, l), mock
}

func promiseRow(p *domain.Promise) []driver.Value {
	var estimate, started, completed, notified any
	if p.ResourceEstimateMB != nil {
		estimate = int64(*p.ResourceEstimateMB)
	}
	if p.StartedAt != nil {
		started = *p.StartedAt
	}
	if p.CompletedAt != nil {
		completed = *p.CompletedAt
	}
	if p.NotifiedAt != nil {
		notified = *p.NotifiedAt
	}
	nullable := func(s string) any {
		if s == "" {
			return nil
		}
		return s
	}
	return []driver.Value{
		p.ID.String(), p.TaskDescription, int64(p.Priority.Rank()), string(p.Status), p.Origin,
		p.Executor, estimate, int64(p.RetryCount), int64(p.MaxRetries), nullable(p.ResultSummary),
		nullable(p.ErrorDetail), nullable(p.WorkerID), p.CancelRequested, p.CreatedAt, p.UpdatedAt,
		p.AvailableAt, started, completed, notified,
	}
}

func newTestPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{Code: code, Message: "duplicate key value", ConstraintName: "promises_pkey"}
}

func samplePromise(t *testing.T, priority domain.Priority) *domain.Promise {
	t.Helper()
	p, err := domain.NewPromise(domain.NewPromiseParams{
		TaskDescription: "draft release notes",
		Priority:        priority,
		Origin:          "session-1",
		Executor:        "shell",
		MaxRetries:      2,
	})
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	p := samplePromise(t, domain.PriorityHigh)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO promises")).
		WithArgs(p.ID, p.TaskDescription, 1, "pending", p.Origin, p.Executor,
			sqlmock.AnyArg(), 0, 2, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Create(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_InvalidPromise(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	p := samplePromise(t, domain.PriorityHigh)
	p.Origin = ""

	err := s.Create(context.Background(), p)
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
	assert.ErrorIs(t, err, domain.ErrEmptyOrigin)
	assert.NoError(t, mock.ExpectationsWereMet(), "no statement should be issued")
}

func TestCreate_Duplicate(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	p := samplePromise(t, domain.PriorityLow)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO promises")).
		WillReturnError(newTestPgError(uniqueViolationCode))

	assert.ErrorIs(t, s.Create(context.Background(), p), store.ErrDuplicate)
}

func TestGet(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	p := samplePromise(t, domain.PriorityMedium)

	mock.ExpectQuery(regexp.QuoteMeta("FROM promises WHERE id = $1")).
		WithArgs(p.ID).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(promiseRow(p)...))

	got, err := s.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, domain.PriorityMedium, got.Priority)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.ResourceEstimateMB)
	assert.Empty(t, got.WorkerID)
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM promises WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(columnNames))

	_, err := s.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrPromiseNotFound)
	assert.True(t, store.IsNotFoundError(err))
}

func TestClaimNext(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	claimed := samplePromise(t, domain.PriorityLow)
	claimed.Status = domain.StatusRunning
	claimed.WorkerID = "w-1"
	claimed.StartedAt = &now

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(now, "w-1", 0, 1, 2, 3, time.Minute.Microseconds(), 256).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(promiseRow(claimed)...))

	got, err := s.ClaimNext(context.Background(), store.ClaimRequest{
		WorkerID:              "w-1",
		Eligible:              domain.AllPriorities,
		AgingThreshold:        time.Minute,
		MaxResourceEstimateMB: 256,
		Now:                   now,
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "w-1", got.WorkerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNext_Empty(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows(columnNames))

	got, err := s.ClaimNext(context.Background(), store.ClaimRequest{
		WorkerID: "w-1",
		Eligible: []domain.Priority{domain.PriorityCritical},
		Now:      time.Now(),
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimNext_NoEligibleClasses(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	got, err := s.ClaimNext(context.Background(), store.ClaimRequest{WorkerID: "w-1", Now: time.Now()})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing to claim means no query")
}

func TestBuildClaimQuery(t *testing.T) {
	t.Parallel()
	now := time.Now()

	t.Run("aging disabled", func(t *testing.T) {
		query, args := buildClaimQuery(store.ClaimRequest{WorkerID: "w", Now: now}, []int{0})
		assert.Contains(t, query, "priority IN ($3)")
		assert.Contains(t, query, "ORDER BY priority, created_at, id")
		assert.NotContains(t, query, "GREATEST")
		assert.NotContains(t, query, "resource_estimate_mb <=")
		assert.Len(t, args, 3)
	})

	t.Run("aging and resource filter", func(t *testing.T) {
		req := store.ClaimRequest{
			WorkerID:              "w",
			Now:                   now,
			AgingThreshold:        time.Hour,
			MaxResourceEstimateMB: 64,
		}
		query, args := buildClaimQuery(req, []int{0, 1})
		assert.Contains(t, query, "AND priority IN ($3, $4)")
		assert.Contains(t, query,
			"ORDER BY GREATEST(0, priority - LEAST(4, FLOOR(EXTRACT(EPOCH FROM GREATEST(INTERVAL '0', $1 - created_at)) * 1000000 / $5))::int)")
		assert.Contains(t, query, "resource_estimate_mb <= $6")
		assert.NotContains(t, query, "OR created_at <=")
		require.Len(t, args, 6)
		assert.Equal(t, time.Hour.Microseconds(), args[4])
	})

	t.Run("aged promises admitted past the class filter", func(t *testing.T) {
		req := store.ClaimRequest{
			WorkerID:       "w",
			Now:            now,
			Eligible:       []domain.Priority{domain.PriorityCritical, domain.PriorityHigh},
			AgingThreshold: time.Hour,
			AdmitAged:      true,
		}
		query, args := buildClaimQuery(req, req.Ranks())
		assert.Contains(t, query, "AND (priority IN ($3, $4) OR created_at <= $6)")
		require.Len(t, args, 6)
		assert.Equal(t, now.UTC().Add(-time.Hour), args[5])
	})
}

func TestFinish(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	done := samplePromise(t, domain.PriorityHigh)
	done.Status = domain.StatusCompleted
	done.ResultSummary = "ok"
	done.CompletedAt = &now

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $5 AND status = 'running' AND worker_id = $6")).
		WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg(), now, done.ID, "w-2").
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(promiseRow(done)...))

	got, err := s.Finish(context.Background(), store.FinishParams{
		ID:            done.ID,
		WorkerID:      "w-2",
		Status:        domain.StatusCompleted,
		ResultSummary: "ok",
		At:            now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "ok", got.ResultSummary)
	require.NotNil(t, got.CompletedAt)
}

func TestFinish_RejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()
	s, _ := newMockStore(t)

	_, err := s.Finish(context.Background(), store.FinishParams{
		ID:     uuid.New(),
		Status: domain.StatusPending,
		At:     time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestFinish_Conflict(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	other := samplePromise(t, domain.PriorityHigh)
	other.Status = domain.StatusCancelled
	other.CompletedAt = &now

	mock.ExpectQuery(regexp.QuoteMeta("status = 'running' AND worker_id")).
		WillReturnRows(sqlmock.NewRows(columnNames))
	mock.ExpectQuery(regexp.QuoteMeta("FROM promises WHERE id = $1")).
		WithArgs(other.ID).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(promiseRow(other)...))

	_, err := s.Finish(context.Background(), store.FinishParams{
		ID: other.ID, WorkerID: "w-3", Status: domain.StatusFailed, ErrorDetail: "boom", At: now,
	})
	assert.ErrorIs(t, err, store.ErrTransitionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue_RetriesExhaustedIsConflict(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	running := samplePromise(t, domain.PriorityMedium)
	running.Status = domain.StatusRunning
	running.RetryCount = running.MaxRetries

	mock.ExpectQuery(regexp.QuoteMeta("retry_count < max_retries")).
		WillReturnRows(sqlmock.NewRows(columnNames))
	mock.ExpectQuery(regexp.QuoteMeta("FROM promises WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(promiseRow(running)...))

	_, err := s.Requeue(context.Background(), store.RequeueParams{
		ID: running.ID, WorkerID: "w-1", ErrorDetail: "timeout", AvailableAt: time.Now(), At: time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrTransitionConflict)
}

func TestRequeue_GuardsAndUncounted(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	requeued := samplePromise(t, domain.PriorityMedium)

	mock.ExpectQuery(`NOT cancel_requested\s+AND \(\$7 OR retry_count < max_retries\)`).
		WithArgs(0, "shutdown", now, now, requeued.ID, "w-1", true).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(promiseRow(requeued)...))

	got, err := s.Requeue(context.Background(), store.RequeueParams{
		ID: requeued.ID, WorkerID: "w-1", ErrorDetail: "shutdown", AvailableAt: now, At: now, Uncounted: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	cancelCols := []string{"pend", "run", "status"}

	tests := []struct {
		name string
		rows [][]driver.Value
		want store.CancelOutcome
		err  error
	}{
		{
			name: "pending is cancelled",
			rows: [][]driver.Value{{int64(1), int64(0), "pending"}},
			want: store.CancelOutcome{Cancelled: true, Status: domain.StatusCancelled},
		},
		{
			name: "running is flagged",
			rows: [][]driver.Value{{int64(0), int64(1), "running"}},
			want: store.CancelOutcome{Requested: true, Status: domain.StatusRunning},
		},
		{
			name: "terminal is untouched",
			rows: [][]driver.Value{{int64(0), int64(0), "completed"}},
			want: store.CancelOutcome{Status: domain.StatusCompleted},
		},
		{
			name: "missing",
			rows: [][]driver.Value{{int64(0), int64(0), nil}},
			err:  store.ErrPromiseNotFound,
		},
		{
			name: "race is retried",
			rows: [][]driver.Value{{int64(0), int64(0), "pending"}, {int64(0), int64(1), "running"}},
			want: store.CancelOutcome{Requested: true, Status: domain.StatusRunning},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, mock := newMockStore(t)
			for _, r := range tc.rows {
				mock.ExpectQuery(`WITH pend AS`).
					WithArgs(id, sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows(cancelCols).AddRow(r...))
			}

			got, err := s.Cancel(context.Background(), id, time.Now())
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCancelRequested(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT cancel_requested FROM promises")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"cancel_requested"}).AddRow(true))

	requested, err := s.CancelRequested(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestListByStatus(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	a := samplePromise(t, domain.PriorityLow)
	b := samplePromise(t, domain.PriorityCritical)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 ORDER BY created_at, id LIMIT $2")).
		WithArgs("pending", 10).
		WillReturnRows(sqlmock.NewRows(columnNames).AddRow(promiseRow(a)...).AddRow(promiseRow(b)...))

	got, err := s.ListByStatus(context.Background(), domain.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, domain.PriorityCritical, got[1].Priority)
}

func TestLoadStats(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status, priority")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "priority", "count"}).
			AddRow("pending", int64(0), int64(2)).
			AddRow("pending", int64(2), int64(5)).
			AddRow("pending", int64(3), int64(1)).
			AddRow("running", int64(1), int64(2)).
			AddRow("completed", int64(3), int64(9)))

	stats, err := s.LoadStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, stats.ByStatus[domain.StatusPending])
	assert.Equal(t, 2, stats.ByStatus[domain.StatusRunning])
	assert.Equal(t, 9, stats.ByStatus[domain.StatusCompleted])
	assert.Equal(t, 6, stats.PendingNonUrgent)
}

func TestMarkNotified(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE promises SET notified_at = $2")).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.MarkNotified(context.Background(), id, time.Now()))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE promises SET notified_at = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM promises WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(columnNames))
	assert.ErrorIs(t, s.MarkNotified(context.Background(), id, time.Now()), store.ErrPromiseNotFound)
}

func TestQueryError(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("completed_at IS NOT NULL AND notified_at IS NULL")).
		WillReturnError(errors.New("connection reset by peer"))

	_, err := s.ListUnnotified(context.Background(), 0)
	assert.ErrorContains(t, err, "connection reset by peer")
}
