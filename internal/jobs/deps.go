// Package jobs holds the pipeline that drives an event through its
// lifecycle: Discovery upserts a rolling window of fixtures, Sync tracks
// live games and catches FINAL/CANCELED transitions, Finalize is the
// backstop for events stuck mid-lifecycle, and Backfill bulk-loads history.
// Each job is a short-lived invocation that runs under its named lease and
// returns a summary instead of propagating errors.
package jobs

import (
	"context"
	"time"

	"github.com/jordannassie/courtside/internal/provider"
	"github.com/jordannassie/courtside/internal/status"
	"github.com/jordannassie/courtside/internal/store"
	"github.com/jordannassie/courtside/pkg/models"
)

// Provider is the slice of the sports-data client jobs consume.
type Provider interface {
	GamesForDate(ctx context.Context, league models.League, date time.Time) ([]provider.Game, error)
	LiveGames(ctx context.Context, league models.League) ([]provider.Game, error)
}

// EventStore is the slice of the store adapter jobs consume.
type EventStore interface {
	Probe(ctx context.Context) (store.SchemaInfo, error)
	UpsertBatch(ctx context.Context, si store.SchemaInfo, events []models.Event) (int, error)
	GetByIdentity(ctx context.Context, si store.SchemaInfo, league models.League, externalID string) (*models.Event, error)
	StuckEvents(ctx context.Context, si store.SchemaInfo, startedBefore time.Time, limit int) ([]models.Event, error)
	MarkFinalized(ctx context.Context, id int64, statusNorm models.EventStatus, home, away *int, winner *models.WinnerSide, at time.Time) (bool, error)
	MarketsForGame(ctx context.Context, gameID int64) ([]models.Market, error)
	LockMarkets(ctx context.Context, gameID int64) (int, error)
}

// Enqueuer pushes settlement work. Enqueue is idempotent per game.
type Enqueuer interface {
	Enqueue(ctx context.Context, item models.QueueItem) (bool, error)
}

// Notifier announces lifecycle transitions downstream. Implementations are
// fire-and-forget; a nil Notifier is valid and publishes nothing.
type Notifier interface {
	PublishTransition(ctx context.Context, event models.Event) error
}

// KeepAlive extends the job's lease mid-run. Jobs call it between batches;
// an error means the lease is gone and the job must stop at the next safe
// point.
type KeepAlive func(ctx context.Context) error

// statusAt runs a raw provider status through the shared normalizer.
func statusAt(raw string, home, away *int, startsAt, now time.Time) models.EventStatus {
	return status.Normalize(provider.Name, raw, home, away, startsAt, now)
}

// toEvent converts a parsed provider record into the canonical row, running
// it through the shared normalizer exactly the way every job does.
func toEvent(league models.League, g provider.Game, now time.Time) models.Event {
	return models.Event{
		League:      league,
		ExternalID:  g.ExternalID,
		Provider:    provider.Name,
		Season:      models.Season(league, g.StartsAt),
		StartsAt:    g.StartsAt,
		StatusRaw:   g.StatusRaw,
		StatusNorm:  statusAt(g.StatusRaw, g.HomeScore, g.AwayScore, g.StartsAt, now),
		HomeTeam:    g.HomeTeam,
		AwayTeam:    g.AwayTeam,
		HomeScore:   g.HomeScore,
		AwayScore:   g.AwayScore,
		Placeholder: g.Placeholder,
	}
}

// sleepCtx pauses between consecutive provider calls as backpressure,
// waking early on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
