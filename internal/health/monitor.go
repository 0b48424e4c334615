// Package health inspects the pipeline for events and queue items that
// have fallen between the cracks: games live for longer than any game
// lasts, finals that never reached the settlement queue, queue items aging
// in a non-terminal status. Checks are read-only; the two repair actions
// are separate, explicit calls.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/pkg/models"
)

// Finding is one check's raw query result.
type Finding struct {
	Count   int
	Samples []map[string]interface{}
}

// Store is the read/repair surface the monitor needs from the database.
type Store interface {
	// LiveTooLong finds events still LIVE that started before cutoff.
	LiveTooLong(ctx context.Context, cutoff time.Time, sampleLimit int) (Finding, error)
	// ScheduledStale finds events still SCHEDULED whose start passed
	// before cutoff (covers postponed games the provider forgot).
	ScheduledStale(ctx context.Context, cutoff time.Time, sampleLimit int) (Finding, error)
	// FinalsNotEnqueued finds finalized events that have open markets but
	// no settlement queue item.
	FinalsNotEnqueued(ctx context.Context, sampleLimit int) (Finding, error)
	// QueueAged finds queue items sitting in the given status since
	// before cutoff.
	QueueAged(ctx context.Context, status models.QueueStatus, cutoff time.Time, sampleLimit int) (Finding, error)
	// FailedOverAttempts finds FAILED queue items at or past the attempt
	// ceiling; these will not fix themselves.
	FailedOverAttempts(ctx context.Context, minAttempts, sampleLimit int) (Finding, error)

	// OrphanedFinals returns the finalized events FinalsNotEnqueued
	// counts, with enough fields to enqueue them.
	OrphanedFinals(ctx context.Context, limit int) ([]models.Event, error)
	// ExpiredLocks returns lease rows whose TTL has passed.
	ExpiredLocks(ctx context.Context, now time.Time) ([]models.JobLock, error)
	// DeleteLock removes one lease row.
	DeleteLock(ctx context.Context, job models.JobName) (bool, error)
	// Enqueue pushes a settlement item, idempotent per game.
	Enqueue(ctx context.Context, item models.QueueItem) (bool, error)
}

// Config sets the thresholds that separate "slow day" from "stuck".
type Config struct {
	LiveTooLong      time.Duration
	ScheduledStale   time.Duration
	QueuedTooLong    time.Duration
	ProcessingStale  time.Duration
	AttemptCeiling   int
	SampleLimit      int
	WarningAtCount   int
	CriticalAtCount  int
}

func (c *Config) setDefaults() {
	if c.LiveTooLong <= 0 {
		c.LiveTooLong = 6 * time.Hour
	}
	if c.ScheduledStale <= 0 {
		c.ScheduledStale = 24 * time.Hour
	}
	if c.QueuedTooLong <= 0 {
		c.QueuedTooLong = time.Hour
	}
	if c.ProcessingStale <= 0 {
		c.ProcessingStale = 15 * time.Minute
	}
	if c.AttemptCeiling <= 0 {
		c.AttemptCeiling = 3
	}
	if c.SampleLimit <= 0 {
		c.SampleLimit = 5
	}
	if c.WarningAtCount <= 0 {
		c.WarningAtCount = 1
	}
	if c.CriticalAtCount <= 0 {
		c.CriticalAtCount = 10
	}
}

// Monitor runs the checks and repairs.
type Monitor struct {
	cfg   Config
	store Store
	log   *logrus.Logger
	now   func() time.Time
}

func NewMonitor(cfg Config, store Store, log *logrus.Logger) *Monitor {
	cfg.setDefaults()
	return &Monitor{cfg: cfg, store: store, log: log, now: time.Now}
}

func (m *Monitor) tierFor(count int) models.HealthTier {
	switch {
	case count >= m.cfg.CriticalAtCount:
		return models.HealthCritical
	case count >= m.cfg.WarningAtCount:
		return models.HealthWarning
	default:
		return models.HealthOK
	}
}

// Report runs every check. A check whose query fails is reported as
// critical with the error in its detail rather than failing the whole
// report; a half-broken report is more useful to an operator than none.
func (m *Monitor) Report(ctx context.Context) models.HealthReport {
	now := m.now()
	checks := []struct {
		name   string
		detail string
		run    func(ctx context.Context) (Finding, error)
	}{
		{"live_too_long", "events LIVE past any plausible game length", func(ctx context.Context) (Finding, error) {
			return m.store.LiveTooLong(ctx, now.Add(-m.cfg.LiveTooLong), m.cfg.SampleLimit)
		}},
		{"scheduled_stale", "events still SCHEDULED long after start", func(ctx context.Context) (Finding, error) {
			return m.store.ScheduledStale(ctx, now.Add(-m.cfg.ScheduledStale), m.cfg.SampleLimit)
		}},
		{"finals_not_enqueued", "finalized events with markets but no queue item", func(ctx context.Context) (Finding, error) {
			return m.store.FinalsNotEnqueued(ctx, m.cfg.SampleLimit)
		}},
		{"queue_aged", "items QUEUED longer than expected", func(ctx context.Context) (Finding, error) {
			return m.store.QueueAged(ctx, models.QueueStatusQueued, now.Add(-m.cfg.QueuedTooLong), m.cfg.SampleLimit)
		}},
		{"processing_stale", "items stuck in PROCESSING", func(ctx context.Context) (Finding, error) {
			return m.store.QueueAged(ctx, models.QueueStatusProcessing, now.Add(-m.cfg.ProcessingStale), m.cfg.SampleLimit)
		}},
		{"failed_exhausted", "FAILED items at the attempt ceiling", func(ctx context.Context) (Finding, error) {
			return m.store.FailedOverAttempts(ctx, m.cfg.AttemptCeiling, m.cfg.SampleLimit)
		}},
	}

	report := models.HealthReport{Overall: models.HealthOK}
	for _, c := range checks {
		hc := models.HealthCheck{Name: c.name, Detail: c.detail}
		if f, err := c.run(ctx); err != nil {
			hc.Tier = models.HealthCritical
			hc.Detail = fmt.Sprintf("check failed: %v", err)
		} else {
			hc.Count = f.Count
			hc.Samples = f.Samples
			hc.Tier = m.tierFor(f.Count)
		}
		report.Overall = models.Worse(report.Overall, hc.Tier)
		report.Checks = append(report.Checks, hc)
	}
	return report
}

// RepairResult counts what a repair actually touched.
type RepairResult struct {
	Action   string   `json:"action"`
	Affected int      `json:"affected"`
	Details  []string `json:"details,omitempty"`
}

// ReleaseExpiredLocks deletes lease rows whose TTL has passed. Safe against
// live jobs: a healthy worker keeps its expiry in the future.
func (m *Monitor) ReleaseExpiredLocks(ctx context.Context) (RepairResult, error) {
	res := RepairResult{Action: "release_expired_locks"}
	locks, err := m.store.ExpiredLocks(ctx, m.now())
	if err != nil {
		return res, fmt.Errorf("list expired locks: %w", err)
	}
	for _, l := range locks {
		ok, err := m.store.DeleteLock(ctx, l.JobName)
		if err != nil {
			return res, fmt.Errorf("delete lock %s: %w", l.JobName, err)
		}
		if ok {
			res.Affected++
			res.Details = append(res.Details, fmt.Sprintf("%s (held by %s)", l.JobName, l.LockedBy))
		}
	}
	if res.Affected > 0 {
		m.log.WithField("released", res.Affected).Info("released expired job locks")
	}
	return res, nil
}

// EnqueueOrphanedFinals pushes finalized events that have markets but never
// made it onto the settlement queue. Enqueue is idempotent, so racing with
// a concurrent sync run is harmless.
func (m *Monitor) EnqueueOrphanedFinals(ctx context.Context, limit int) (RepairResult, error) {
	res := RepairResult{Action: "enqueue_orphaned_finals"}
	if limit <= 0 {
		limit = 100
	}
	orphans, err := m.store.OrphanedFinals(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("list orphaned finals: %w", err)
	}
	for _, ev := range orphans {
		outcome := models.OutcomeCanceled
		reason := models.ReasonCanceled
		if ev.StatusNorm == models.StatusFinal {
			if ev.WinnerSide == nil {
				res.Details = append(res.Details, fmt.Sprintf("game %d: final without winner, skipped", ev.ID))
				continue
			}
			outcome = models.OutcomeForWinner(*ev.WinnerSide)
			reason = models.ReasonFinal
		}
		added, err := m.store.Enqueue(ctx, models.QueueItem{
			GameID:     ev.ID,
			League:     ev.League,
			ExternalID: ev.ExternalID,
			Provider:   ev.Provider,
			Status:     models.QueueStatusQueued,
			Outcome:    outcome,
			Reason:     reason,
		})
		if err != nil {
			return res, fmt.Errorf("enqueue game %d: %w", ev.ID, err)
		}
		if added {
			res.Affected++
			res.Details = append(res.Details, fmt.Sprintf("game %d enqueued", ev.ID))
		}
	}
	if res.Affected > 0 {
		m.log.WithField("enqueued", res.Affected).Info("enqueued orphaned finals")
	}
	return res, nil
}
