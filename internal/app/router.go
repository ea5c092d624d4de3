package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/ordersettle/internal/ingest"
	"github.com/odyssey-erp/ordersettle/internal/observability"
	"github.com/odyssey-erp/ordersettle/internal/platform/httpx"
	"github.com/odyssey-erp/ordersettle/internal/settlement"
	"github.com/odyssey-erp/ordersettle/jobs"
)

// ReadyFunc checks backing services for the readiness probe.
type ReadyFunc func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	IngestHandler     *ingest.Handler
	SettlementHandler *settlement.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
	Ready             ReadyFunc
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if params.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := params.Ready(ctx); err != nil {
				if params.Logger != nil {
					params.Logger.Warn("readiness check failed", slog.Any("error", err))
				}
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RequireAdmin(params.Logger))
		if params.IngestHandler != nil {
			r.Route("/orders", params.IngestHandler.MountRoutes)
		}
		if params.SettlementHandler != nil {
			r.Route("/settlement", params.SettlementHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
