package handlers

import (
	"net/http"

	"github.com/jordannassie/courtside/pkg/models"
)

// HealthReport runs every pipeline check.
// GET /api/v1/health/report
func (h *Handler) HealthReport(w http.ResponseWriter, r *http.Request) {
	report := h.doctor.Report(r.Context())

	status := http.StatusOK
	if report.Overall == models.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

// RepairLocks releases expired leases.
// POST /api/v1/health/repairs/locks
func (h *Handler) RepairLocks(w http.ResponseWriter, r *http.Request) {
	res, err := h.doctor.ReleaseExpiredLocks(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "lock repair failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// RepairOrphans enqueues finalized events that never reached the queue.
// POST /api/v1/health/repairs/orphans?limit=100
func (h *Handler) RepairOrphans(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100)
	res, err := h.doctor.EnqueueOrphanedFinals(r.Context(), limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "orphan repair failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
