package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jordannassie/courtside/internal/store"
	"github.com/jordannassie/courtside/pkg/models"
)

// GetEvents lists events with optional filters.
// GET /api/v1/events?league=NBA&status=LIVE&limit=50
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	si, err := h.events.Probe(ctx)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to probe schema", err)
		return
	}

	filter := store.ListFilter{
		League: models.League(r.URL.Query().Get("league")),
		Status: models.EventStatus(r.URL.Query().Get("status")),
		Limit:  parseIntParam(r, "limit", 100),
	}
	events, err := h.events.List(ctx, si, filter)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to retrieve events", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// GetEvent returns one event by row ID.
// GET /api/v1/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "event id must be an integer", nil)
		return
	}

	ctx := r.Context()
	si, err := h.events.Probe(ctx)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to probe schema", err)
		return
	}
	event, err := h.events.GetByID(ctx, si, id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to retrieve event", err)
		return
	}
	if event == nil {
		h.respondError(w, http.StatusNotFound, "event not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, event)
}
