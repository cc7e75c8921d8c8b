package api

import (
	"time"

	"github.com/phrazzld/promised/internal/domain"
)

// EnqueuePromiseRequest defines the payload for creating a promise.
// Field validation happens in the service so every transport shares it.
type EnqueuePromiseRequest struct {
	TaskDescription    string `json:"task_description"`
	Priority           string `json:"priority"`
	Origin             string `json:"origin,omitempty"`
	Executor           string `json:"executor,omitempty"`
	MaxRetries         *int   `json:"max_retries,omitempty"`
	ResourceEstimateMB *int   `json:"resource_estimate_mb,omitempty"`
}

// EnqueuePromiseResponse is returned with 202 Accepted.
type EnqueuePromiseResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PromiseResponse represents a promise and its lifecycle state.
type PromiseResponse struct {
	ID                 string     `json:"id"`
	TaskDescription    string     `json:"task_description"`
	Priority           string     `json:"priority"`
	Status             string     `json:"status"`
	Origin             string     `json:"origin"`
	Executor           string     `json:"executor,omitempty"`
	ResourceEstimateMB *int       `json:"resource_estimate_mb,omitempty"`
	RetryCount         int        `json:"retry_count"`
	MaxRetries         int        `json:"max_retries"`
	ResultSummary      string     `json:"result_summary,omitempty"`
	ErrorDetail        string     `json:"error_detail,omitempty"`
	CancelRequested    bool       `json:"cancel_requested"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// CancelPromiseResponse reports the effect of a cancellation request.
type CancelPromiseResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
}

// ListPromisesResponse wraps a page of promises.
type ListPromisesResponse struct {
	Promises []PromiseResponse `json:"promises"`
	Count    int               `json:"count"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func promiseToResponse(p *domain.Promise) PromiseResponse {
	return PromiseResponse{
		ID:                 p.ID.String(),
		TaskDescription:    p.TaskDescription,
		Priority:           string(p.Priority),
		Status:             string(p.Status),
		Origin:             p.Origin,
		Executor:           p.Executor,
		ResourceEstimateMB: p.ResourceEstimateMB,
		RetryCount:         p.RetryCount,
		MaxRetries:         p.MaxRetries,
		ResultSummary:      p.ResultSummary,
		ErrorDetail:        p.ErrorDetail,
		CancelRequested:    p.CancelRequested,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		StartedAt:          p.StartedAt,
		CompletedAt:        p.CompletedAt,
	}
}
