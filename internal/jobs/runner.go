package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/internal/locks"
	"github.com/jordannassie/courtside/internal/settle"
	"github.com/jordannassie/courtside/pkg/models"
)

// RunnerConfig holds per-job lease TTLs and the settle drain size.
type RunnerConfig struct {
	DiscoverTTL time.Duration
	SyncTTL     time.Duration
	FinalizeTTL time.Duration
	SettleTTL   time.Duration
	SettleBatch int
}

func (c *RunnerConfig) setDefaults() {
	if c.DiscoverTTL <= 0 {
		c.DiscoverTTL = 10 * time.Minute
	}
	if c.SyncTTL <= 0 {
		c.SyncTTL = 2 * time.Minute
	}
	if c.FinalizeTTL <= 0 {
		c.FinalizeTTL = 10 * time.Minute
	}
	if c.SettleTTL <= 0 {
		c.SettleTTL = 5 * time.Minute
	}
	if c.SettleBatch <= 0 {
		c.SettleBatch = 50
	}
}

// Runner executes named jobs under their leases. Every Run call either
// produces a summary or a skipped summary naming the current holder; the
// lease row in the shared store is the only coordination between workers.
type Runner struct {
	cfg       RunnerConfig
	locks     *locks.Manager
	discovery *Discovery
	sync      *Sync
	finalize  *Finalize
	processor *settle.Processor
	log       *logrus.Logger
	now       func() time.Time
}

func NewRunner(cfg RunnerConfig, lm *locks.Manager, d *Discovery, s *Sync, f *Finalize, pr *settle.Processor, log *logrus.Logger) *Runner {
	cfg.setDefaults()
	return &Runner{cfg: cfg, locks: lm, discovery: d, sync: s, finalize: f, processor: pr, log: log, now: time.Now}
}

// Run executes one job by name. Skips (lease held elsewhere) come back as
// a summary with Skipped set, not as an error.
func (r *Runner) Run(ctx context.Context, job models.JobName) (models.JobSummary, error) {
	switch job {
	case models.JobDiscover:
		return r.under(ctx, job, r.cfg.DiscoverTTL, r.discovery.Run)
	case models.JobSync:
		return r.under(ctx, job, r.cfg.SyncTTL, r.sync.Run)
	case models.JobFinalize:
		return r.under(ctx, job, r.cfg.FinalizeTTL, r.finalize.Run)
	case models.JobSettle:
		return r.under(ctx, job, r.cfg.SettleTTL, r.runSettle)
	default:
		return models.JobSummary{}, fmt.Errorf("unknown job %q", job)
	}
}

func (r *Runner) under(ctx context.Context, job models.JobName, ttl time.Duration, run func(ctx context.Context, keepAlive KeepAlive) models.JobSummary) (models.JobSummary, error) {
	var sum models.JobSummary
	outcome, err := r.locks.WithLock(ctx, job, ttl, func(ctx context.Context, g *locks.Guard) error {
		sum = run(ctx, g.KeepAlive)
		return nil
	})
	if err != nil {
		return models.JobSummary{}, err
	}
	if outcome.Skipped {
		return models.JobSummary{
			Job:       job,
			StartedAt: r.now(),
			Skipped:   true,
			SkippedBy: outcome.Holder,
		}, nil
	}
	return sum, nil
}

// runSettle drains the queue as a job so settlement respects the same
// single-runner rule as everything else.
func (r *Runner) runSettle(ctx context.Context, keepAlive KeepAlive) (sum models.JobSummary) {
	sum = models.JobSummary{Job: models.JobSettle, StartedAt: r.now()}
	defer func() { sum.Duration = r.now().Sub(sum.StartedAt) }()

	for {
		results, err := r.processor.ProcessAll(ctx, r.cfg.SettleBatch)
		if err != nil {
			sum.RecordError(err.Error())
			return sum
		}
		settled := 0
		for _, res := range results {
			sum.Fetched++
			if res.Error != "" {
				sum.RecordError(fmt.Sprintf("game %d: %s", res.GameID, res.Error))
				continue
			}
			sum.Settled++
			settled++
		}
		// A pass that settles nothing will not settle anything next pass
		// either; stop instead of spinning on the same failures.
		if len(results) < r.cfg.SettleBatch || settled == 0 {
			return sum
		}
		if keepAlive != nil {
			if err := keepAlive(ctx); err != nil {
				sum.RecordError(fmt.Sprintf("lease lost: %v", err))
				return sum
			}
		}
	}
}
