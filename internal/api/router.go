package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/promised/internal/api/middleware"
	"github.com/phrazzld/promised/internal/api/shared"
	"github.com/phrazzld/promised/internal/service"
	"github.com/phrazzld/promised/internal/service/auth"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds the dependencies of the HTTP surface.
type RouterConfig struct {
	Promises service.PromiseService
	// JWT enables bearer authentication on /api routes when non-nil.
	JWT    auth.JWTService
	Health HealthCheck
	Logger *slog.Logger
}

// NewRouter creates the application router with all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(log))

	promiseHandler := NewPromiseHandler(cfg.Promises, log)

	r.Route("/api", func(r chi.Router) {
		if cfg.JWT != nil {
			r.Use(apiMiddleware.NewAuthMiddleware(cfg.JWT).Authenticate)
		}
		r.Post("/promises", promiseHandler.Enqueue)
		r.Get("/promises", promiseHandler.List)
		r.Get("/promises/{id}", promiseHandler.GetStatus)
		r.Post("/promises/{id}/cancel", promiseHandler.Cancel)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := cfg.Health(ctx); err != nil {
				log.Warn("health check failed", "error", err)
				shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: "store unreachable"})
				return
			}
		}
		shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
	})

	return r
}
