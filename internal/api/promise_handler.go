package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/phrazzld/promised/internal/api/shared"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/platform/logger"
	"github.com/phrazzld/promised/internal/service"
)

// PromiseHandler handles promise-related HTTP requests
type PromiseHandler struct {
	promises service.PromiseService
	logger   *slog.Logger
}

// NewPromiseHandler creates a new PromiseHandler
func NewPromiseHandler(promises service.PromiseService, logger *slog.Logger) *PromiseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromiseHandler{
		promises: promises,
		logger:   logger.With("component", "promise_handler"),
	}
}

// Enqueue handles POST /api/promises requests.
func (h *PromiseHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueuePromiseRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	// Authenticated producers default the origin to their own identity.
	origin := req.Origin
	if origin == "" {
		if producer, ok := shared.GetProducer(r.Context()); ok {
			origin = producer
		}
	}

	id, err := h.promises.Enqueue(r.Context(), service.EnqueueRequest{
		TaskDescription:    req.TaskDescription,
		Priority:           req.Priority,
		Origin:             origin,
		Executor:           req.Executor,
		MaxRetries:         req.MaxRetries,
		ResourceEstimateMB: req.ResourceEstimateMB,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, EnqueuePromiseResponse{
		ID:     id.String(),
		Status: string(domain.StatusPending),
	})
}

// GetStatus handles GET /api/promises/{id} requests.
func (h *PromiseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	p, err := h.promises.GetStatus(r.Context(), id)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, promiseToResponse(p))
}

// Cancel handles POST /api/promises/{id}/cancel requests.
func (h *PromiseHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	accepted, err := h.promises.Cancel(r.Context(), id)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	resp := CancelPromiseResponse{ID: id.String(), Accepted: accepted}
	if p, err := h.promises.GetStatus(r.Context(), id); err == nil {
		resp.Status = string(p.Status)
	} else {
		logger.FromContext(r.Context()).Debug("status lookup after cancel failed", "promise_id", id, "error", err)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// List handles GET /api/promises requests.
func (h *PromiseHandler) List(w http.ResponseWriter, r *http.Request) {
	status, limit, err := parseListQuery(r)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	promises, err := h.promises.List(r.Context(), status, limit)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	resp := ListPromisesResponse{Promises: make([]PromiseResponse, 0, len(promises))}
	for _, p := range promises {
		resp.Promises = append(resp.Promises, promiseToResponse(p))
	}
	resp.Count = len(resp.Promises)
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

func (h *PromiseHandler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)
	if errors.Is(err, domain.ErrValidation) {
		shared.RespondWithErrorDetails(w, r, status, GetSafeErrorMessage(err), validationDetails(err))
		return
	}
	shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
}
