package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/internal/provider"
	"github.com/jordannassie/courtside/internal/store"
	"github.com/jordannassie/courtside/pkg/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func intp(n int) *int { return &n }

// fakeFeed serves canned games per league/date and per-league live lists.
type fakeFeed struct {
	mu       sync.Mutex
	byDate   map[string][]provider.Game
	live     map[models.League][]provider.Game
	fetchErr error
	calls    int
}

func dateKey(league models.League, date time.Time) string {
	return string(league) + "|" + date.UTC().Format("2006-01-02")
}

func (f *fakeFeed) GamesForDate(ctx context.Context, league models.League, date time.Time) ([]provider.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.byDate[dateKey(league, date)], nil
}

func (f *fakeFeed) LiveGames(ctx context.Context, league models.League) ([]provider.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.live[league], nil
}

// fakeEvents is an in-memory event table keyed by (league, external_id),
// mirroring the conditional-update behavior of the real adapter: terminal
// states never regress and MarkFinalized stamps at most once.
type fakeEvents struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[string]*models.Event
	markets   map[int64][]models.Market
	locked    map[int64]int
	upsertErr error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		nextID:  1,
		rows:    make(map[string]*models.Event),
		markets: make(map[int64][]models.Market),
		locked:  make(map[int64]int),
	}
}

func fullSchema() store.SchemaInfo {
	cols := map[string]bool{}
	for _, c := range []string{
		"id", "league", "external_id", "provider", "season", "starts_at",
		"status_raw", "status_norm", "home_team", "away_team",
		"home_score", "away_score", "finalized_at", "winner_side",
		"placeholder", "last_synced_at",
	} {
		cols[c] = true
	}
	return store.SchemaInfo{Columns: cols, IdentityCol: "external_id"}
}

func (f *fakeEvents) key(league models.League, externalID string) string {
	return string(league) + "|" + externalID
}

func (f *fakeEvents) Probe(ctx context.Context) (store.SchemaInfo, error) {
	return fullSchema(), nil
}

func (f *fakeEvents) UpsertBatch(ctx context.Context, si store.SchemaInfo, events []models.Event) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	for i := range events {
		ev := events[i]
		k := f.key(ev.League, ev.ExternalID)
		cur, ok := f.rows[k]
		if !ok {
			ev.ID = f.nextID
			f.nextID++
			cp := ev
			f.rows[k] = &cp
			continue
		}
		if cur.FinalizedAt != nil {
			// Frozen: schedule fields may refresh, settlement fields
			// may not.
			cur.StartsAt = ev.StartsAt
			cur.StatusRaw = ev.StatusRaw
			continue
		}
		id := cur.ID
		*cur = ev
		cur.ID = id
	}
	return len(events), nil
}

func (f *fakeEvents) GetByIdentity(ctx context.Context, si store.SchemaInfo, league models.League, externalID string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[f.key(league, externalID)]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeEvents) StuckEvents(ctx context.Context, si store.SchemaInfo, startedBefore time.Time, limit int) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, r := range f.rows {
		if r.FinalizedAt == nil && r.StatusNorm != models.StatusCanceled && r.StartsAt.Before(startedBefore) {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeEvents) MarkFinalized(ctx context.Context, id int64, statusNorm models.EventStatus, home, away *int, winner *models.WinnerSide, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ID != id {
			continue
		}
		if r.FinalizedAt != nil {
			return false, nil
		}
		r.StatusNorm = statusNorm
		r.HomeScore = home
		r.AwayScore = away
		r.WinnerSide = winner
		t := at
		r.FinalizedAt = &t
		return true, nil
	}
	return false, fmt.Errorf("event %d not found", id)
}

func (f *fakeEvents) MarketsForGame(ctx context.Context, gameID int64) ([]models.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markets[gameID], nil
}

func (f *fakeEvents) LockMarkets(ctx context.Context, gameID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[gameID]++
	return len(f.markets[gameID]), nil
}

func (f *fakeEvents) get(league models.League, externalID string) *models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[f.key(league, externalID)]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// fakeEnqueuer records enqueued items and enforces one item per game.
type fakeEnqueuer struct {
	mu    sync.Mutex
	items []models.QueueItem
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, item models.QueueItem) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	for _, it := range f.items {
		if it.GameID == item.GameID {
			return false, nil
		}
	}
	item.Status = models.QueueStatusQueued
	f.items = append(f.items, item)
	return true, nil
}

func (f *fakeEnqueuer) byGame(gameID int64) *models.QueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].GameID == gameID {
			cp := f.items[i]
			return &cp
		}
	}
	return nil
}

// memLeases is the in-memory lease row store backing lock-dependent tests.
// Claim mirrors the conditional upsert of the SQL implementation.
type memLeases struct {
	mu   sync.Mutex
	rows map[models.JobName]models.JobLock
}

func newMemLeases() *memLeases {
	return &memLeases{rows: make(map[models.JobName]models.JobLock)}
}

func (m *memLeases) DeleteExpired(ctx context.Context, job models.JobName, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[job]; ok && r.Expired(now) {
		delete(m.rows, job)
	}
	return nil
}

func (m *memLeases) Get(ctx context.Context, job models.JobName) (*models.JobLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[job]; ok {
		cp := r
		return &cp, nil
	}
	return nil, nil
}

func (m *memLeases) Claim(ctx context.Context, lock models.JobLock, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[lock.JobName]
	if ok && !cur.Expired(now) && cur.LockedBy != lock.LockedBy {
		return nil
	}
	m.rows[lock.JobName] = lock
	return nil
}

func (m *memLeases) Delete(ctx context.Context, job models.JobName) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[job]
	delete(m.rows, job)
	return ok, nil
}

func (m *memLeases) UpdateExpiry(ctx context.Context, job models.JobName, owner string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[job]
	if !ok || r.LockedBy != owner {
		return false, nil
	}
	r.ExpiresAt = expiresAt
	m.rows[job] = r
	return true, nil
}

func (m *memLeases) List(ctx context.Context) ([]models.JobLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobLock, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeNotifier) PublishTransition(ctx context.Context, ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}
