package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordannassie/courtside/pkg/models"
)

// RunJob triggers one named job and returns its summary. A run skipped
// because another worker holds the lease comes back 200 with skipped=true.
// POST /api/v1/jobs/{name}/run
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := models.JobName(chi.URLParam(r, "name"))
	if !models.ValidJobName(name) {
		h.respondError(w, http.StatusBadRequest, "unknown job name", nil)
		return
	}
	if name == models.JobBackfill {
		h.respondError(w, http.StatusBadRequest, "backfill runs via /backfills", nil)
		return
	}

	// Jobs outlive the default request timeout; give them their own, and
	// push the connection write deadline past it so the summary still
	// reaches the caller after a long run.
	const runFor = 10 * time.Minute
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(runFor + time.Minute)); err != nil {
		h.log.WithError(err).Debug("extend write deadline")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), runFor)
	defer cancel()

	sum, err := h.runner.Run(ctx, name)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "job run failed", err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// ListLocks returns every lease row.
// GET /api/v1/locks
func (h *Handler) ListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.locks.List(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list locks", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"locks": locks,
		"count": len(locks),
	})
}

// ForceReleaseLock removes a lease regardless of owner. Operator tool for
// leases orphaned by a crashed worker whose TTL has not yet expired.
// DELETE /api/v1/locks/{name}
func (h *Handler) ForceReleaseLock(w http.ResponseWriter, r *http.Request) {
	name := models.JobName(chi.URLParam(r, "name"))
	if !models.ValidJobName(name) {
		h.respondError(w, http.StatusBadRequest, "unknown job name", nil)
		return
	}
	if err := h.locks.ForceRelease(r.Context(), name); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to release lock", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"released": string(name),
	})
}

// StartBackfill launches a historical load.
// POST /api/v1/backfills?days=N
func (h *Handler) StartBackfill(w http.ResponseWriter, r *http.Request) {
	days := parseIntParam(r, "days", 0)
	if days <= 0 {
		h.respondError(w, http.StatusBadRequest, "days must be a positive integer", nil)
		return
	}
	run, err := h.backfill.Start(r.Context(), days)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to start backfill", err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

// ListBackfills returns every tracked run.
// GET /api/v1/backfills
func (h *Handler) ListBackfills(w http.ResponseWriter, r *http.Request) {
	runs := h.tracker.List()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetBackfill returns one run's progress.
// GET /api/v1/backfills/{id}
func (h *Handler) GetBackfill(w http.ResponseWriter, r *http.Request) {
	run := h.tracker.Get(chi.URLParam(r, "id"))
	if run == nil {
		h.respondError(w, http.StatusNotFound, "backfill run not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// CancelBackfill stops a running backfill.
// DELETE /api/v1/backfills/{id}
func (h *Handler) CancelBackfill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.tracker.Cancel(id) {
		h.respondError(w, http.StatusNotFound, "no running backfill with that id", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"canceled": id,
	})
}
