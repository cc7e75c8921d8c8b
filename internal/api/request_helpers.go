package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// getPathUUID extracts a UUID from the URL path parameters.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, &service.ValidationError{Fields: []service.FieldError{{Field: paramName, Message: "is required"}}}
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, &service.ValidationError{Fields: []service.FieldError{{Field: paramName, Message: "has invalid format"}}}
	}
	return id, nil
}

// parseListQuery reads ?status= and ?limit=. Status defaults to pending.
func parseListQuery(r *http.Request) (domain.Status, int, error) {
	q := r.URL.Query()

	status := domain.StatusPending
	if raw := q.Get("status"); raw != "" {
		parsed, err := domain.ParseStatus(raw)
		if err != nil {
			return "", 0, &service.ValidationError{Fields: []service.FieldError{{Field: "status", Message: err.Error()}}}
		}
		status = parsed
	}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			return "", 0, &service.ValidationError{Fields: []service.FieldError{{
				Field: "limit", Message: fmt.Sprintf("must be an integer between 1 and %d", maxListLimit),
			}}}
		}
		limit = n
	}
	return status, limit, nil
}
