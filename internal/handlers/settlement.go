package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jordannassie/courtside/pkg/models"
)

// GetQueue lists settlement queue items, optionally by status.
// GET /api/v1/settlements/queue?status=FAILED&limit=50
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100)
	status := models.QueueStatus(r.URL.Query().Get("status"))

	var (
		items []models.QueueItem
		err   error
	)
	if status != "" {
		items, err = h.queue.InStatus(r.Context(), status, limit)
	} else {
		items, err = h.queue.List(r.Context(), limit)
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list queue", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// GetQueueCounts returns item counts per status.
// GET /api/v1/settlements/queue/counts
func (h *Handler) GetQueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to count queue", err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

// ProcessQueueItem settles one queue item by ID.
// POST /api/v1/settlements/queue/{id}/process
func (h *Handler) ProcessQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "queue id must be an integer", nil)
		return
	}
	res, err := h.settler.ProcessByID(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to process item", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ProcessQueue drains queued items.
// POST /api/v1/settlements/process?limit=50
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	results, err := h.settler.ProcessAll(r.Context(), limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to process queue", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// RetryFailed re-attempts failed items.
// POST /api/v1/settlements/retry?limit=50
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	results, err := h.settler.RetryFailed(r.Context(), limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to retry queue", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// PreviewSettlement computes the would-be distribution without writing.
// GET /api/v1/settlements/{gameID}/preview
func (h *Handler) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	gameID, err := strconv.ParseInt(chi.URLParam(r, "gameID"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "game id must be an integer", nil)
		return
	}

	preview, err := h.settler.Preview(r.Context(), gameID, func(ctx context.Context) (models.Outcome, bool, error) {
		return h.outcomeFromEvent(ctx, gameID)
	})
	if err != nil {
		h.respondError(w, http.StatusConflict, "no settlement outcome available", err)
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

// outcomeFromEvent derives the settlement outcome from the event row when
// the game never made it onto the queue.
func (h *Handler) outcomeFromEvent(ctx context.Context, gameID int64) (models.Outcome, bool, error) {
	si, err := h.events.Probe(ctx)
	if err != nil {
		return "", false, err
	}
	ev, err := h.events.GetByID(ctx, si, gameID)
	if err != nil {
		return "", false, err
	}
	if ev == nil {
		return "", false, fmt.Errorf("event %d not found", gameID)
	}
	switch {
	case ev.StatusNorm == models.StatusCanceled:
		return models.OutcomeCanceled, true, nil
	case ev.FinalizedAt != nil && ev.WinnerSide != nil:
		return models.OutcomeForWinner(*ev.WinnerSide), false, nil
	default:
		return "", false, fmt.Errorf("event %d is not settled yet", gameID)
	}
}
