package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/internal/locks"
	"github.com/jordannassie/courtside/pkg/models"
)

// Tracker keeps backfill run state in memory so the API can report
// progress and cancel a run. Runs are per-process; the lease row is what
// stops two processes from backfilling at once.
type Tracker struct {
	mu      sync.Mutex
	runs    map[string]*models.BackfillRun
	cancels map[string]context.CancelFunc
}

func NewTracker() *Tracker {
	return &Tracker{
		runs:    make(map[string]*models.BackfillRun),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *Tracker) start(run *models.BackfillRun, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[run.ID] = run
	t.cancels[run.ID] = cancel
}

func (t *Tracker) update(id string, fn func(*models.BackfillRun)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[id]; ok {
		fn(r)
	}
}

// Get returns a copy of the run, or nil if unknown.
func (t *Tracker) Get(id string) *models.BackfillRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// List returns copies of every tracked run.
func (t *Tracker) List() []models.BackfillRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.BackfillRun, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, *r)
	}
	return out
}

// Cancel stops a running backfill. Returns false if the run is unknown or
// already finished.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cancel, ok := t.cancels[id]
	if !ok {
		return false
	}
	delete(t.cancels, id)
	cancel()
	return true
}

func (t *Tracker) finish(id string, status models.BackfillStatus, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[id]; ok && r.Status == models.BackfillRunning {
		r.Status = status
		r.CompletedAt = &at
	}
	delete(t.cancels, id)
}

// BackfillConfig bounds a historical load.
type BackfillConfig struct {
	Leagues   []models.League
	BatchSize int
	// LeaseTTL is the backfill lease duration; KeepAlive renews it after
	// every date so a multi-hour run never lapses.
	LeaseTTL time.Duration
	// PauseBetweenDates spaces the per-date provider calls.
	PauseBetweenDates time.Duration
}

func (c *BackfillConfig) setDefaults() {
	if len(c.Leagues) == 0 {
		c.Leagues = models.AllLeagues()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
}

// Backfill bulk-loads past fixtures, newest date first, under the backfill
// lease. It is Discovery pointed backwards: same upsert path, no
// settlement decisions.
type Backfill struct {
	cfg      BackfillConfig
	provider Provider
	events   EventStore
	locks    *locks.Manager
	tracker  *Tracker
	log      *logrus.Logger
	now      func() time.Time
}

func NewBackfill(cfg BackfillConfig, p Provider, es EventStore, lm *locks.Manager, tr *Tracker, log *logrus.Logger) *Backfill {
	cfg.setDefaults()
	return &Backfill{cfg: cfg, provider: p, events: es, locks: lm, tracker: tr, log: log, now: time.Now}
}

// Start launches a backfill covering the last `days` days and returns its
// run record immediately. If the backfill lease is held elsewhere the run
// is created already-failed so the caller sees why nothing happened.
func (b *Backfill) Start(parent context.Context, days int) (models.BackfillRun, error) {
	if days <= 0 {
		return models.BackfillRun{}, fmt.Errorf("days must be positive, got %d", days)
	}

	now := b.now()
	run := &models.BackfillRun{
		ID:         uuid.NewString(),
		Status:     models.BackfillRunning,
		Days:       days,
		DatesTotal: days,
		StartedAt:  now,
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	b.tracker.start(run, cancel)

	go b.run(ctx, run.ID, days, now)
	return *run, nil
}

func (b *Backfill) run(ctx context.Context, runID string, days int, started time.Time) {
	outcome, err := b.locks.WithLock(ctx, models.JobBackfill, b.cfg.LeaseTTL, func(ctx context.Context, g *locks.Guard) error {
		return b.walk(ctx, g, runID, days, started)
	})

	now := b.now()
	switch {
	case err != nil && ctx.Err() != nil:
		b.tracker.finish(runID, models.BackfillCanceled, now)
	case err != nil:
		b.tracker.update(runID, func(r *models.BackfillRun) {
			if r.FirstError == "" {
				r.FirstError = err.Error()
			}
		})
		b.tracker.finish(runID, models.BackfillFailed, now)
	case outcome.Skipped:
		b.tracker.update(runID, func(r *models.BackfillRun) {
			r.FirstError = fmt.Sprintf("backfill already running (held by %s)", outcome.Holder)
		})
		b.tracker.finish(runID, models.BackfillFailed, now)
	default:
		b.tracker.finish(runID, models.BackfillCompleted, now)
	}
}

func (b *Backfill) walk(ctx context.Context, g *locks.Guard, runID string, days int, started time.Time) error {
	si, err := b.events.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probe schema: %w", err)
	}

	day := started.Truncate(24 * time.Hour)
	for i := 0; i < days; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		date := day.Add(-time.Duration(i) * 24 * time.Hour)

		for _, league := range b.cfg.Leagues {
			games, err := b.provider.GamesForDate(ctx, league, date)
			if err != nil {
				b.tracker.update(runID, func(r *models.BackfillRun) {
					if r.FirstError == "" {
						r.FirstError = fmt.Sprintf("%s %s: %v", league, date.Format("2006-01-02"), err)
					}
				})
				continue
			}

			events := make([]models.Event, 0, len(games))
			for _, gm := range games {
				events = append(events, toEvent(league, gm, b.now()))
			}

			upserted := 0
			for start := 0; start < len(events); start += b.cfg.BatchSize {
				end := start + b.cfg.BatchSize
				if end > len(events) {
					end = len(events)
				}
				n, err := b.events.UpsertBatch(ctx, si, events[start:end])
				if err != nil {
					b.tracker.update(runID, func(r *models.BackfillRun) {
						if r.FirstError == "" {
							r.FirstError = fmt.Sprintf("%s %s: upsert: %v", league, date.Format("2006-01-02"), err)
						}
					})
					break
				}
				upserted += n
			}

			b.tracker.update(runID, func(r *models.BackfillRun) {
				r.Fetched += len(games)
				r.Upserted += upserted
			})
		}

		b.tracker.update(runID, func(r *models.BackfillRun) { r.DatesDone = i + 1 })

		if err := g.KeepAlive(ctx); err != nil {
			return err
		}
		sleepCtx(ctx, b.cfg.PauseBetweenDates)
	}

	b.log.WithFields(logrus.Fields{"run": runID, "days": days}).Info("backfill complete")
	return nil
}
