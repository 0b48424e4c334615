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

// FinalizeConfig bounds a finalize sweep.
type FinalizeConfig struct {
	// StuckAfter is how long past start an unfinalized event must be
	// before the sweep re-checks it with the provider.
	StuckAfter time.Duration
	// MaxEvents caps one sweep; the rest wait for the next run.
	MaxEvents int
	// PauseBetweenChecks spaces the per-event provider re-fetches.
	PauseBetweenChecks time.Duration
}

func (c *FinalizeConfig) setDefaults() {
	if c.StuckAfter <= 0 {
		c.StuckAfter = 4 * time.Hour
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 100
	}
}

// Finalize is the backstop for events Sync missed: anything unfinalized
// well past its start gets re-checked against the provider and, if the feed
// now shows a terminal state, stamped and enqueued. Events whose feed still
// shows them unfinished are left for the next sweep.
type Finalize struct {
	cfg      FinalizeConfig
	provider Provider
	events   EventStore
	queue    Enqueuer
	notify   Notifier
	log      *logrus.Logger
	now      func() time.Time
}

func NewFinalize(cfg FinalizeConfig, p Provider, es EventStore, q Enqueuer, n Notifier, log *logrus.Logger) *Finalize {
	cfg.setDefaults()
	return &Finalize{cfg: cfg, provider: p, events: es, queue: q, notify: n, log: log, now: time.Now}
}

func (f *Finalize) Run(ctx context.Context, keepAlive KeepAlive) (sum models.JobSummary) {
	now := f.now()
	sum = models.JobSummary{Job: models.JobFinalize, StartedAt: now}
	defer func() { sum.Duration = f.now().Sub(sum.StartedAt) }()

	si, err := f.events.Probe(ctx)
	if err != nil {
		sum.RecordError(fmt.Sprintf("probe schema: %v", err))
		return sum
	}

	stuck, err := f.events.StuckEvents(ctx, si, now.Add(-f.cfg.StuckAfter), f.cfg.MaxEvents)
	if err != nil {
		sum.RecordError(fmt.Sprintf("list stuck: %v", err))
		return sum
	}
	sum.Fetched = len(stuck)

	// Re-fetches are grouped so one provider call covers every stuck
	// event sharing a league and date.
	byDay := make(map[string][]models.Event)
	var order []string
	for _, ev := range stuck {
		key := string(ev.League) + "|" + ev.StartsAt.UTC().Format("2006-01-02")
		if _, ok := byDay[key]; !ok {
			order = append(order, key)
		}
		byDay[key] = append(byDay[key], ev)
	}

	for i, key := range order {
		if ctx.Err() != nil {
			sum.RecordError(ctx.Err().Error())
			return sum
		}
		group := byDay[key]
		league := group[0].League

		games, err := f.provider.GamesForDate(ctx, league, group[0].StartsAt)
		if err != nil {
			sum.RecordError(fmt.Sprintf("%s %s: fetch: %v", league, group[0].StartsAt.Format("2006-01-02"), err))
			continue
		}
		byID := make(map[string]provider.Game, len(games))
		for _, g := range games {
			byID[g.ExternalID] = g
		}

		for _, ev := range group {
			if err := f.checkOne(ctx, si, ev, byID, now, &sum); err != nil {
				sum.RecordError(fmt.Sprintf("%s %s: %v", ev.League, ev.ExternalID, err))
			}
		}

		if keepAlive != nil && (i+1)%5 == 0 {
			if err := keepAlive(ctx); err != nil {
				sum.RecordError(fmt.Sprintf("lease lost: %v", err))
				return sum
			}
		}
		sleepCtx(ctx, f.cfg.PauseBetweenChecks)
	}

	f.log.WithFields(logrus.Fields{
		"stuck":            len(stuck),
		"finalized":        sum.Finalized,
		"enqueued":         sum.Enqueued,
		"final_no_markets": sum.FinalNoMarkets,
		"errors":           len(sum.Errors),
	}).Info("finalize sweep complete")
	return sum
}

func (f *Finalize) checkOne(ctx context.Context, si store.SchemaInfo, ev models.Event, byID map[string]provider.Game, now time.Time, sum *models.JobSummary) error {
	g, ok := byID[ev.ExternalID]
	if !ok {
		// Vanished from the feed entirely; the health sweep surfaces
		// these if they stay gone.
		return nil
	}

	latest := toEvent(ev.League, g, now)
	if latest.StatusNorm != models.StatusFinal && latest.StatusNorm != models.StatusCanceled {
		// Keep the fresher status/scores but leave settlement alone.
		if _, err := f.events.UpsertBatch(ctx, si, []models.Event{latest}); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		return nil
	}

	markets, err := f.events.MarketsForGame(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("markets: %w", err)
	}
	if len(markets) == 0 {
		// Nothing to settle; stamp the terminal state and move on.
		var winner *models.WinnerSide
		if latest.StatusNorm == models.StatusFinal && latest.HomeScore != nil && latest.AwayScore != nil {
			w := models.WinnerFromScores(*latest.HomeScore, *latest.AwayScore)
			winner = &w
		}
		stamped, err := f.events.MarkFinalized(ctx, ev.ID, latest.StatusNorm, latest.HomeScore, latest.AwayScore, winner, now)
		if err != nil {
			return fmt.Errorf("finalize: %w", err)
		}
		if stamped {
			sum.Finalized++
			sum.FinalNoMarkets++
		}
		return nil
	}

	if _, err := f.events.LockMarkets(ctx, ev.ID); err != nil {
		return fmt.Errorf("lock markets: %w", err)
	}
	return finalizeAndEnqueue(ctx, f.events, f.queue, f.notify, f.log, &ev, latest, now, sum)
}
