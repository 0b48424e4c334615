package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/internal/provider"
	"github.com/jordannassie/courtside/internal/store"
	"github.com/jordannassie/courtside/pkg/models"
)

// DiscoveryConfig bounds the rolling window Discovery covers on each run.
type DiscoveryConfig struct {
	Leagues      []models.League
	HoursBack    int
	HoursForward int
	BatchSize    int
	// PauseBetweenDates spaces consecutive provider calls on top of the
	// client's own rate limiter.
	PauseBetweenDates time.Duration
}

func (c *DiscoveryConfig) setDefaults() {
	if len(c.Leagues) == 0 {
		c.Leagues = models.AllLeagues()
	}
	if c.HoursBack <= 0 {
		c.HoursBack = 36
	}
	if c.HoursForward <= 0 {
		c.HoursForward = 36
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Discovery upserts every fixture the provider lists inside a rolling
// window around now. It creates rows for new events and refreshes
// schedule/status fields for known ones; settlement decisions belong to
// Sync and Finalize, never here.
type Discovery struct {
	cfg      DiscoveryConfig
	provider Provider
	events   EventStore
	log      *logrus.Logger
	now      func() time.Time
}

func NewDiscovery(cfg DiscoveryConfig, p Provider, es EventStore, log *logrus.Logger) *Discovery {
	cfg.setDefaults()
	return &Discovery{cfg: cfg, provider: p, events: es, log: log, now: time.Now}
}

// Run walks every league/date pair in the window. A failed fetch or upsert
// is recorded against that unit and the walk continues; the summary is the
// only way errors leave this method.
func (d *Discovery) Run(ctx context.Context, keepAlive KeepAlive) (sum models.JobSummary) {
	now := d.now()
	sum = models.JobSummary{Job: models.JobDiscover, StartedAt: now}
	defer func() { sum.Duration = d.now().Sub(sum.StartedAt) }()

	si, err := d.events.Probe(ctx)
	if err != nil {
		sum.RecordError(fmt.Sprintf("probe schema: %v", err))
		return sum
	}

	first := now.Add(-time.Duration(d.cfg.HoursBack) * time.Hour).Truncate(24 * time.Hour)
	last := now.Add(time.Duration(d.cfg.HoursForward) * time.Hour).Truncate(24 * time.Hour)

	for _, league := range d.cfg.Leagues {
		lr := models.LeagueResult{League: league}
		for date := first; !date.After(last); date = date.Add(24 * time.Hour) {
			if ctx.Err() != nil {
				sum.RecordError(ctx.Err().Error())
				sum.Leagues = append(sum.Leagues, lr)
				return sum
			}
			games, err := d.provider.GamesForDate(ctx, league, date)
			if err != nil {
				sum.RecordError(fmt.Sprintf("%s %s: fetch: %v", league, date.Format("2006-01-02"), err))
				lr.Errors++
				continue
			}
			lr.Fetched += len(games)
			sum.Fetched += len(games)

			n, err := d.upsert(ctx, si, league, games, now)
			if err != nil {
				sum.RecordError(fmt.Sprintf("%s %s: upsert: %v", league, date.Format("2006-01-02"), err))
				lr.Errors++
				continue
			}
			lr.Upserted += n
			sum.Upserted += n

			sleepCtx(ctx, d.cfg.PauseBetweenDates)
		}
		sum.Leagues = append(sum.Leagues, lr)

		if keepAlive != nil {
			if err := keepAlive(ctx); err != nil {
				sum.RecordError(fmt.Sprintf("lease lost after %s: %v", league, err))
				return sum
			}
		}
	}

	d.log.WithFields(logrus.Fields{
		"fetched":  sum.Fetched,
		"upserted": sum.Upserted,
		"errors":   len(sum.Errors),
	}).Info("discovery run complete")
	return sum
}

func (d *Discovery) upsert(ctx context.Context, si store.SchemaInfo, league models.League, games []provider.Game, now time.Time) (int, error) {
	events := make([]models.Event, 0, len(games))
	for _, g := range games {
		events = append(events, toEvent(league, g, now))
	}

	total := 0
	for start := 0; start < len(events); start += d.cfg.BatchSize {
		end := start + d.cfg.BatchSize
		if end > len(events) {
			end = len(events)
		}
		n, err := d.events.UpsertBatch(ctx, si, events[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
