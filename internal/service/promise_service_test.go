package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func newTestService(t *testing.T, st store.PromiseStore, opts ...Option) PromiseService {
	t.Helper()
	svc, err := NewPromiseService(st, Config{DefaultMaxRetries: 3, AgingThreshold: 10 * time.Minute}, nil, opts...)
	require.NoError(t, err)
	return svc
}

func TestNewPromiseService_NilStore(t *testing.T) {
	svc, err := NewPromiseService(nil, Config{}, nil)
	assert.Nil(t, svc)
	var serr *PromiseServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "create_service", serr.Operation)
}

func TestEnqueue_PersistsPendingPromise(t *testing.T) {
	st := new(MockPromiseStore)
	waker := &MockWaker{}
	svc := newTestService(t, st, WithWaker(waker), WithExecutorCatalog(staticCatalog{"shell": true}))

	var saved *domain.Promise
	st.On("Create", mock.Anything, mock.AnythingOfType("*domain.Promise")).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*domain.Promise) }).
		Return(nil)

	id, err := svc.Enqueue(context.Background(), EnqueueRequest{
		TaskDescription: "summarize the thread",
		Priority:        " High ",
		Origin:          "chat-1",
		Executor:        "shell",
	})
	require.NoError(t, err)
	require.NotNil(t, saved)

	assert.Equal(t, saved.ID, id)
	assert.Equal(t, domain.StatusPending, saved.Status)
	assert.Equal(t, domain.PriorityHigh, saved.Priority)
	assert.Equal(t, 3, saved.MaxRetries, "default max retries applies")
	assert.Equal(t, 0, saved.RetryCount)
	assert.Equal(t, 1, waker.Calls)
	st.AssertExpectations(t)
}

func TestEnqueue_ExplicitMaxRetries(t *testing.T) {
	st := new(MockPromiseStore)
	svc := newTestService(t, st)

	st.On("Create", mock.Anything, mock.MatchedBy(func(p *domain.Promise) bool {
		return p.MaxRetries == 0 && p.ResourceEstimateMB != nil && *p.ResourceEstimateMB == 128
	})).Return(nil)

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{
		TaskDescription:    "one shot",
		Priority:           "critical",
		Origin:             "chat-1",
		MaxRetries:         intPtr(0),
		ResourceEstimateMB: intPtr(128),
	})
	require.NoError(t, err)
	st.AssertExpectations(t)
}

func TestEnqueue_ValidationFailures(t *testing.T) {
	valid := EnqueueRequest{TaskDescription: "task", Priority: "low", Origin: "chat"}

	tests := []struct {
		name   string
		mutate func(r *EnqueueRequest)
		field  string
	}{
		{"empty description", func(r *EnqueueRequest) { r.TaskDescription = "" }, "task_description"},
		{"blank description", func(r *EnqueueRequest) { r.TaskDescription = "   " }, "request"},
		{"unknown priority", func(r *EnqueueRequest) { r.Priority = "urgent" }, "priority"},
		{"missing origin", func(r *EnqueueRequest) { r.Origin = "" }, "origin"},
		{"negative retries", func(r *EnqueueRequest) { r.MaxRetries = intPtr(-1) }, "max_retries"},
		{"too many retries", func(r *EnqueueRequest) { r.MaxRetries = intPtr(21) }, "max_retries"},
		{"negative estimate", func(r *EnqueueRequest) { r.ResourceEstimateMB = intPtr(-5) }, "resource_estimate_mb"},
		{"unknown executor", func(r *EnqueueRequest) { r.Executor = "gpu" }, "executor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := new(MockPromiseStore)
			waker := &MockWaker{}
			svc := newTestService(t, st, WithWaker(waker), WithExecutorCatalog(staticCatalog{"shell": true}))

			req := valid
			tt.mutate(&req)
			id, err := svc.Enqueue(context.Background(), req)

			assert.Equal(t, uuid.Nil, id)
			assert.ErrorIs(t, err, domain.ErrValidation)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.NotEmpty(t, ve.Fields)
			assert.Equal(t, tt.field, ve.Fields[0].Field)
			assert.Zero(t, waker.Calls)
			st.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestEnqueue_StoreFailure(t *testing.T) {
	st := new(MockPromiseStore)
	waker := &MockWaker{}
	svc := newTestService(t, st, WithWaker(waker))

	dbErr := errors.New("disk full")
	st.On("Create", mock.Anything, mock.Anything).Return(dbErr)

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{TaskDescription: "t", Priority: "low", Origin: "o"})
	var serr *PromiseServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "enqueue", serr.Operation)
	assert.ErrorIs(t, err, dbErr)
	assert.Zero(t, waker.Calls)
}

func TestEnqueue_DuplicateKeepsStoreSentinel(t *testing.T) {
	st := new(MockPromiseStore)
	svc := newTestService(t, st)

	st.On("Create", mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: duplicate key value violates unique constraint", store.ErrDuplicate))

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{TaskDescription: "t", Priority: "high", Origin: "o"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.NotErrorIs(t, err, ErrPromiseNotFound)
}

func TestGetStatus(t *testing.T) {
	st := new(MockPromiseStore)
	svc := newTestService(t, st)

	p, err := domain.NewPromise(domain.NewPromiseParams{
		TaskDescription: "t", Priority: domain.PriorityLow, Origin: "o", MaxRetries: 1,
	})
	require.NoError(t, err)
	missing := uuid.New()

	st.On("Get", mock.Anything, p.ID).Return(p, nil)
	st.On("Get", mock.Anything, missing).Return(nil, store.ErrPromiseNotFound)

	got, err := svc.GetStatus(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = svc.GetStatus(context.Background(), missing)
	assert.ErrorIs(t, err, ErrPromiseNotFound)
}

func TestCancel(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		outcome store.CancelOutcome
		err     error
		want    bool
		wantErr error
	}{
		{"pending cancelled", store.CancelOutcome{Cancelled: true, Status: domain.StatusCancelled}, nil, true, nil},
		{"running flagged", store.CancelOutcome{Requested: true, Status: domain.StatusRunning}, nil, true, nil},
		{"already terminal", store.CancelOutcome{Status: domain.StatusCompleted}, nil, false, nil},
		{"missing", store.CancelOutcome{}, store.ErrPromiseNotFound, false, ErrPromiseNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := new(MockPromiseStore)
			svc := newTestService(t, st, WithClock(func() time.Time { return now }))
			id := uuid.New()
			st.On("Cancel", mock.Anything, id, now).Return(tt.outcome, tt.err)

			got, err := svc.Cancel(context.Background(), id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestList_PendingInSchedulerOrder(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	st := new(MockPromiseStore)
	svc := newTestService(t, st, WithClock(func() time.Time { return now }))

	mk := func(priority domain.Priority, age time.Duration) *domain.Promise {
		p, err := domain.NewPromise(domain.NewPromiseParams{
			TaskDescription: "t", Priority: priority, Origin: "o", MaxRetries: 1,
		})
		require.NoError(t, err)
		p.CreatedAt = now.Add(-age)
		return p
	}
	freshLow := mk(domain.PriorityLow, time.Minute)
	agedLow := mk(domain.PriorityLow, 15*time.Minute)
	medium := mk(domain.PriorityMedium, 2*time.Minute)
	critical := mk(domain.PriorityCritical, 0)

	// Store returns creation order; limit is applied after ranking.
	st.On("ListByStatus", mock.Anything, domain.StatusPending, 0).
		Return([]*domain.Promise{agedLow, medium, freshLow, critical}, nil)

	got, err := svc.List(context.Background(), domain.StatusPending, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, critical.ID, got[0].ID)
	assert.Equal(t, agedLow.ID, got[1].ID, "aged low ranks as medium and is older")
	assert.Equal(t, medium.ID, got[2].ID)
}

func TestList_OtherStatusesPassLimitThrough(t *testing.T) {
	st := new(MockPromiseStore)
	svc := newTestService(t, st)
	st.On("ListByStatus", mock.Anything, domain.StatusFailed, 5).Return([]*domain.Promise{}, nil)

	got, err := svc.List(context.Background(), domain.StatusFailed, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	st.AssertExpectations(t)
}

func TestList_InvalidStatus(t *testing.T) {
	svc := newTestService(t, new(MockPromiseStore))
	_, err := svc.List(context.Background(), domain.Status("zombie"), 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
