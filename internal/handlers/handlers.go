// Package handlers exposes the operator API: trigger jobs, inspect and
// force-release locks, work the settlement queue, run health checks and
// repairs, and drive backfills. Handlers hold interfaces so tests can
// substitute in-memory implementations.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/internal/health"
	"github.com/jordannassie/courtside/internal/settle"
	"github.com/jordannassie/courtside/internal/store"
	"github.com/jordannassie/courtside/pkg/models"
)

// JobRunner executes a named job under its lease.
type JobRunner interface {
	Run(ctx context.Context, job models.JobName) (models.JobSummary, error)
}

// LockAdmin inspects and force-releases job leases.
type LockAdmin interface {
	List(ctx context.Context) ([]models.JobLock, error)
	ForceRelease(ctx context.Context, job models.JobName) error
}

// EventReader serves the read-side event endpoints.
type EventReader interface {
	Probe(ctx context.Context) (store.SchemaInfo, error)
	List(ctx context.Context, si store.SchemaInfo, f store.ListFilter) ([]models.Event, error)
	GetByID(ctx context.Context, si store.SchemaInfo, id int64) (*models.Event, error)
}

// Settler drives queue processing.
type Settler interface {
	ProcessByID(ctx context.Context, id int64) (settle.ProcessResult, error)
	ProcessAll(ctx context.Context, limit int) ([]settle.ProcessResult, error)
	RetryFailed(ctx context.Context, limit int) ([]settle.ProcessResult, error)
	Preview(ctx context.Context, gameID int64, fallback func(ctx context.Context) (models.Outcome, bool, error)) (models.SettlementPreview, error)
}

// Doctor runs health checks and repairs.
type Doctor interface {
	Report(ctx context.Context) models.HealthReport
	ReleaseExpiredLocks(ctx context.Context) (health.RepairResult, error)
	EnqueueOrphanedFinals(ctx context.Context, limit int) (health.RepairResult, error)
}

// BackfillAdmin starts, inspects, and cancels backfill runs.
type BackfillAdmin interface {
	Start(ctx context.Context, days int) (models.BackfillRun, error)
}

// Tracker is the in-memory backfill run registry.
type Tracker interface {
	Get(id string) *models.BackfillRun
	List() []models.BackfillRun
	Cancel(id string) bool
}

// Pinger is the liveness probe dependency.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler contains dependencies for the operator API.
type Handler struct {
	runner   JobRunner
	locks    LockAdmin
	events   EventReader
	queue    settle.QueueStore
	settler  Settler
	doctor   Doctor
	backfill BackfillAdmin
	tracker  Tracker
	db       Pinger
	log      *logrus.Logger
}

// NewHandler creates a handler with its dependencies.
func NewHandler(runner JobRunner, locks LockAdmin, events EventReader, queue settle.QueueStore, settler Settler, doctor Doctor, backfill BackfillAdmin, tracker Tracker, db Pinger, log *logrus.Logger) *Handler {
	return &Handler{
		runner:   runner,
		locks:    locks,
		events:   events,
		queue:    queue,
		settler:  settler,
		doctor:   doctor,
		backfill: backfill,
		tracker:  tracker,
		db:       db,
		log:      log,
	}
}

// Liveness reports process and database health.
// GET /health
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "database unhealthy", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "courtside",
	})
}

func parseIntParam(r *http.Request, param string, defaultValue int) int {
	valueStr := r.URL.Query().Get(param)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		h.log.WithError(err).Warn(message)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
