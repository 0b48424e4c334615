package handlers

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter mounts the operator API.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Liveness)

	r.Route("/api/v1", func(r chi.Router) {
		// Jobs and locks
		r.Post("/jobs/{name}/run", h.RunJob)
		r.Get("/locks", h.ListLocks)
		r.Delete("/locks/{name}", h.ForceReleaseLock)

		// Events
		r.Get("/events", h.GetEvents)
		r.Get("/events/{id}", h.GetEvent)

		// Settlement
		r.Get("/settlements/queue", h.GetQueue)
		r.Get("/settlements/queue/counts", h.GetQueueCounts)
		r.Post("/settlements/queue/{id}/process", h.ProcessQueueItem)
		r.Post("/settlements/process", h.ProcessQueue)
		r.Post("/settlements/retry", h.RetryFailed)
		r.Get("/settlements/{gameID}/preview", h.PreviewSettlement)

		// Health checks and repairs
		r.Get("/health/report", h.HealthReport)
		r.Post("/health/repairs/locks", h.RepairLocks)
		r.Post("/health/repairs/orphans", h.RepairOrphans)

		// Backfills
		r.Post("/backfills", h.StartBackfill)
		r.Get("/backfills", h.ListBackfills)
		r.Get("/backfills/{id}", h.GetBackfill)
		r.Delete("/backfills/{id}", h.CancelBackfill)
	})

	return r
}
