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

// SyncConfig bounds a live-sync run.
type SyncConfig struct {
	Leagues []models.League
}

func (c *SyncConfig) setDefaults() {
	if len(c.Leagues) == 0 {
		c.Leagues = models.AllLeagues()
	}
}

// Sync tracks in-play games and is the primary path onto the settlement
// queue: when a tracked event crosses into FINAL or CANCELED it stamps the
// terminal state exactly once and enqueues the game.
type Sync struct {
	cfg      SyncConfig
	provider Provider
	events   EventStore
	queue    Enqueuer
	notify   Notifier
	log      *logrus.Logger
	now      func() time.Time
}

func NewSync(cfg SyncConfig, p Provider, es EventStore, q Enqueuer, n Notifier, log *logrus.Logger) *Sync {
	cfg.setDefaults()
	return &Sync{cfg: cfg, provider: p, events: es, queue: q, notify: n, log: log, now: time.Now}
}

// Run fetches the union of live games and today's slate per league, upserts
// each, and handles any terminal transition it observes. One bad game never
// stops the rest of the run.
func (s *Sync) Run(ctx context.Context, keepAlive KeepAlive) (sum models.JobSummary) {
	now := s.now()
	sum = models.JobSummary{Job: models.JobSync, StartedAt: now}
	defer func() { sum.Duration = s.now().Sub(sum.StartedAt) }()

	si, err := s.events.Probe(ctx)
	if err != nil {
		sum.RecordError(fmt.Sprintf("probe schema: %v", err))
		return sum
	}

	for _, league := range s.cfg.Leagues {
		if ctx.Err() != nil {
			sum.RecordError(ctx.Err().Error())
			return sum
		}
		lr := models.LeagueResult{League: league}

		games, err := s.gamesToTrack(ctx, league, now)
		if err != nil {
			sum.RecordError(fmt.Sprintf("%s: fetch: %v", league, err))
			lr.Errors++
			sum.Leagues = append(sum.Leagues, lr)
			continue
		}
		lr.Fetched = len(games)
		sum.Fetched += len(games)

		for _, g := range games {
			if err := s.syncOne(ctx, si, league, g, now, &sum); err != nil {
				sum.RecordError(fmt.Sprintf("%s %s: %v", league, g.ExternalID, err))
				lr.Errors++
				continue
			}
			lr.Upserted++
			sum.Upserted++
		}
		sum.Leagues = append(sum.Leagues, lr)

		if keepAlive != nil {
			if err := keepAlive(ctx); err != nil {
				sum.RecordError(fmt.Sprintf("lease lost after %s: %v", league, err))
				return sum
			}
		}
	}

	s.log.WithFields(logrus.Fields{
		"fetched":   sum.Fetched,
		"finalized": sum.Finalized,
		"enqueued":  sum.Enqueued,
		"errors":    len(sum.Errors),
	}).Info("sync run complete")
	return sum
}

// gamesToTrack merges the live feed with today's schedule, deduped by
// external ID. The live feed alone misses games that finished between runs.
func (s *Sync) gamesToTrack(ctx context.Context, league models.League, now time.Time) ([]provider.Game, error) {
	live, err := s.provider.LiveGames(ctx, league)
	if err != nil {
		return nil, fmt.Errorf("live: %w", err)
	}
	today, err := s.provider.GamesForDate(ctx, league, now)
	if err != nil {
		return nil, fmt.Errorf("today: %w", err)
	}

	seen := make(map[string]bool, len(live))
	out := make([]provider.Game, 0, len(live)+len(today))
	for _, g := range live {
		seen[g.ExternalID] = true
		out = append(out, g)
	}
	for _, g := range today {
		if !seen[g.ExternalID] {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Sync) syncOne(ctx context.Context, si store.SchemaInfo, league models.League, g provider.Game, now time.Time, sum *models.JobSummary) error {
	ev := toEvent(league, g, now)

	prev, err := s.events.GetByIdentity(ctx, si, league, g.ExternalID)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	if prev != nil && !models.CanTransition(prev.StatusNorm, ev.StatusNorm) {
		// Feed disagrees with a state we already stamped; keep ours.
		ev.StatusNorm = prev.StatusNorm
	}

	if _, err := s.events.UpsertBatch(ctx, si, []models.Event{ev}); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	if ev.StatusNorm != models.StatusFinal && ev.StatusNorm != models.StatusCanceled {
		return nil
	}

	// Re-read for the row ID and the authoritative finalized flag; the
	// game may be brand new or already stamped by an earlier run.
	cur := prev
	if cur == nil || cur.ID == 0 {
		cur, err = s.events.GetByIdentity(ctx, si, league, g.ExternalID)
		if err != nil {
			return fmt.Errorf("reread: %w", err)
		}
		if cur == nil {
			return fmt.Errorf("reread: row missing after upsert")
		}
	}
	if cur.FinalizedAt != nil {
		return nil
	}

	return finalizeAndEnqueue(ctx, s.events, s.queue, s.notify, s.log, cur, ev, now, sum)
}

// finalizeAndEnqueue stamps the terminal state and pushes the game onto the
// settlement queue. MarkFinalized returning false means another worker got
// there first; the enqueue still runs because it is idempotent per game.
func finalizeAndEnqueue(ctx context.Context, es EventStore, q Enqueuer, n Notifier, log *logrus.Logger, cur *models.Event, latest models.Event, now time.Time, sum *models.JobSummary) error {
	var winner *models.WinnerSide
	outcome := models.OutcomeCanceled
	reason := models.ReasonCanceled
	if latest.StatusNorm == models.StatusFinal {
		if latest.HomeScore == nil || latest.AwayScore == nil {
			return fmt.Errorf("final without scores")
		}
		w := models.WinnerFromScores(*latest.HomeScore, *latest.AwayScore)
		winner = &w
		outcome = models.OutcomeForWinner(w)
		reason = models.ReasonFinal
	}

	stamped, err := es.MarkFinalized(ctx, cur.ID, latest.StatusNorm, latest.HomeScore, latest.AwayScore, winner, now)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	if stamped {
		sum.Finalized++
	}

	added, err := q.Enqueue(ctx, models.QueueItem{
		GameID:     cur.ID,
		League:     cur.League,
		ExternalID: cur.ExternalID,
		Provider:   cur.Provider,
		Status:     models.QueueStatusQueued,
		Outcome:    outcome,
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if added {
		sum.Enqueued++
	}

	if n != nil {
		done := *cur
		done.StatusNorm = latest.StatusNorm
		done.HomeScore = latest.HomeScore
		done.AwayScore = latest.AwayScore
		done.WinnerSide = winner
		if err := n.PublishTransition(ctx, done); err != nil {
			log.WithError(err).Warn("transition publish failed")
		}
	}
	return nil
}
