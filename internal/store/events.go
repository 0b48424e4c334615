package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/pkg/models"
)

// EventStore reads and writes the events table through a SchemaInfo, so the
// same job code runs against older and newer generations of the table
// without a code branch per generation.
type EventStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewEventStore creates the schema-adaptive events adapter.
func NewEventStore(db *sql.DB, log *logrus.Logger) *EventStore {
	return &EventStore{db: db, log: log}
}

// Probe runs the capability negotiation for this invocation.
func (s *EventStore) Probe(ctx context.Context) (SchemaInfo, error) {
	return ProbeSchema(ctx, s.db)
}

// upsertColumns are the writable columns in payload order. Identity and
// lifecycle-stamp columns are handled separately: finalized_at and
// winner_side are only ever set through MarkFinalized.
var upsertColumns = []string{
	"provider", "season", "starts_at", "status_raw", "status_norm",
	"home_team", "away_team", "home_score", "away_score",
	"placeholder", "last_synced_at",
}

func eventValue(col string, e models.Event, now time.Time) interface{} {
	switch col {
	case "provider":
		return e.Provider
	case "season":
		return e.Season
	case "starts_at":
		return e.StartsAt
	case "status_raw":
		return e.StatusRaw
	case "status_norm":
		return string(e.StatusNorm)
	case "home_team":
		return e.HomeTeam
	case "away_team":
		return e.AwayTeam
	case "home_score":
		return e.HomeScore
	case "away_score":
		return e.AwayScore
	case "placeholder":
		return e.Placeholder
	case "last_synced_at":
		return now
	default:
		return nil
	}
}

// buildUpsert renders the batch insert for the columns this schema
// generation has, minus any in skip (columns a previous attempt learned are
// missing despite the probe). Returns the SQL and the flattened args.
func buildUpsert(si SchemaInfo, events []models.Event, skip map[string]bool, now time.Time) (string, []interface{}) {
	cols := []string{"league", si.IdentityCol}
	for _, c := range upsertColumns {
		if si.Has(c) && !skip[c] {
			cols = append(cols, c)
		}
	}

	var (
		valueRows []string
		args      []interface{}
	)
	for i, e := range events {
		ph := make([]string, len(cols))
		for j := range cols {
			ph[j] = fmt.Sprintf("$%d", i*len(cols)+j+1)
		}
		valueRows = append(valueRows, "("+strings.Join(ph, ", ")+")")

		args = append(args, string(e.League), e.ExternalID)
		for _, c := range cols[2:] {
			args = append(args, eventValue(c, e, now))
		}
	}

	var sets []string
	guarded := si.Has("finalized_at")
	for _, c := range cols[2:] {
		switch {
		case guarded && c == "status_norm":
			// A finalized event's status never regresses to an earlier
			// lifecycle state, whatever a stale feed claims.
			sets = append(sets, `status_norm = CASE
				WHEN events.finalized_at IS NOT NULL AND EXCLUDED.status_norm IN ('SCHEDULED','LIVE')
				THEN events.status_norm ELSE EXCLUDED.status_norm END`)
		case guarded && (c == "home_score" || c == "away_score"):
			// Scores freeze once finalized.
			sets = append(sets, fmt.Sprintf(
				"%s = CASE WHEN events.finalized_at IS NULL THEN EXCLUDED.%s ELSE events.%s END",
				c, c, c))
		default:
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}

	query := fmt.Sprintf(
		`INSERT INTO events (%s) VALUES %s
		 ON CONFLICT (league, %s) DO UPDATE SET %s`,
		strings.Join(cols, ", "),
		strings.Join(valueRows, ", "),
		si.IdentityCol,
		strings.Join(sets, ", "))
	return query, args
}

// UpsertBatch writes a batch of events keyed by (league, identity). When the
// write fails naming a column the probe thought existed (schema cache out of
// date), it retries once with that column stripped.
func (s *EventStore) UpsertBatch(ctx context.Context, si SchemaInfo, events []models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	query, args := buildUpsert(si, events, nil, now)
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		col := MissingColumnFromError(err)
		if col == "" {
			return 0, fmt.Errorf("upsert events: %w", err)
		}
		s.log.WithField("column", col).Warn("schema mismatch on upsert, retrying without column")
		query, args = buildUpsert(si, events, map[string]bool{col: true}, now)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("upsert events (retry without %s): %w", col, err)
		}
	}
	return len(events), nil
}

// selectList renders the read column list, substituting typed NULLs for
// columns this generation lacks so scans stay positional.
func selectList(si SchemaInfo) string {
	parts := []string{"id", "league", si.IdentityCol, "provider"}
	optional := []struct{ col, null string }{
		{"season", "NULL::integer"},
		{"starts_at", "NULL::timestamptz"},
		{"status_raw", "''"},
		{"status_norm", "'SCHEDULED'"},
		{"home_team", "''"},
		{"away_team", "''"},
		{"home_score", "NULL::integer"},
		{"away_score", "NULL::integer"},
		{"finalized_at", "NULL::timestamptz"},
		{"winner_side", "NULL::text"},
		{"placeholder", "FALSE"},
		{"last_synced_at", "NULL::timestamptz"},
	}
	for _, o := range optional {
		if si.Has(o.col) {
			parts = append(parts, o.col)
		} else {
			parts = append(parts, o.null+" AS "+o.col)
		}
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		e        models.Event
		season   sql.NullInt64
		startsAt sql.NullTime
		winner   sql.NullString
		synced   sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.League, &e.ExternalID, &e.Provider,
		&season, &startsAt, &e.StatusRaw, &e.StatusNorm,
		&e.HomeTeam, &e.AwayTeam, &e.HomeScore, &e.AwayScore,
		&e.FinalizedAt, &winner, &e.Placeholder, &synced,
	)
	if err != nil {
		return nil, err
	}
	if season.Valid {
		e.Season = int(season.Int64)
	}
	if startsAt.Valid {
		e.StartsAt = startsAt.Time
	}
	if winner.Valid {
		w := models.WinnerSide(winner.String)
		e.WinnerSide = &w
	}
	if synced.Valid {
		e.LastSyncedAt = synced.Time
	}
	return &e, nil
}

// GetByIdentity fetches one event by its (league, external id) key.
func (s *EventStore) GetByIdentity(ctx context.Context, si SchemaInfo, league models.League, externalID string) (*models.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE league = $1 AND %s = $2`,
		selectList(si), si.IdentityCol)
	e, err := scanEvent(s.db.QueryRowContext(ctx, query, string(league), externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// GetByID fetches one event by primary key.
func (s *EventStore) GetByID(ctx context.Context, si SchemaInfo, id int64) (*models.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE id = $1`, selectList(si))
	e, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListFilter narrows a List query. Zero values mean "no filter".
type ListFilter struct {
	League models.League
	Status models.EventStatus
	Limit  int
}

// List returns events newest-first, optionally filtered by league and
// normalized status.
func (s *EventStore) List(ctx context.Context, si SchemaInfo, f ListFilter) ([]models.Event, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	if f.League != "" {
		args = append(args, string(f.League))
		where = append(where, fmt.Sprintf("league = $%d", len(args)))
	}
	if f.Status != "" && si.Has("status_norm") {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status_norm = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT %s FROM events WHERE %s ORDER BY starts_at DESC LIMIT $%d`,
		selectList(si), strings.Join(where, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// stuckEventsWhere renders the backstop predicate. The finalized and
// status columns are generation-dependent, so each predicate only applies
// when its column exists.
func stuckEventsWhere(si SchemaInfo) string {
	where := []string{"starts_at < $1"}
	if si.Has("finalized_at") {
		where = append(where, "finalized_at IS NULL")
	}
	if si.Has("status_norm") {
		where = append(where, "status_norm NOT IN ('CANCELED')")
	}
	return strings.Join(where, " AND ")
}

// StuckEvents returns events that started before the threshold and were
// never finalized, regardless of current normalized status. Deliberately
// permissive: this feeds the backstop that catches whatever Sync missed.
func (s *EventStore) StuckEvents(ctx context.Context, si SchemaInfo, startedBefore time.Time, limit int) ([]models.Event, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM events
		 WHERE %s
		 ORDER BY starts_at ASC
		 LIMIT $2`, selectList(si), stuckEventsWhere(si))

	rows, err := s.db.QueryContext(ctx, query, startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// MarkFinalized stamps finalized_at, the terminal status, final scores and
// winner. The WHERE clause makes it first-writer-wins: an already-finalized
// event is untouched, which keeps scores and winner immutable after the
// first stamp.
func (s *EventStore) MarkFinalized(ctx context.Context, id int64, statusNorm models.EventStatus, home, away *int, winner *models.WinnerSide, at time.Time) (bool, error) {
	var winnerVal interface{}
	if winner != nil {
		winnerVal = string(*winner)
	}

	query, args := buildMarkFinalized(id, statusNorm, home, away, winnerVal, at, nil)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		col := MissingColumnFromError(err)
		if col == "" {
			return false, fmt.Errorf("mark finalized: %w", err)
		}
		s.log.WithField("column", col).Warn("schema mismatch on finalize, retrying without column")
		query, args = buildMarkFinalized(id, statusNorm, home, away, winnerVal, at, map[string]bool{col: true})
		res, err = s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return false, fmt.Errorf("mark finalized (retry without %s): %w", col, err)
		}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// buildMarkFinalized renders the finalize UPDATE, leaving out any column in
// skip. The at-most-once guard depends on finalized_at, so skipping that
// column also drops the guard: a generation without the stamp cannot
// enforce it either way.
func buildMarkFinalized(id int64, statusNorm models.EventStatus, home, away *int, winnerVal interface{}, at time.Time, skip map[string]bool) (string, []interface{}) {
	cols := []struct {
		name string
		val  interface{}
	}{
		{"finalized_at", at},
		{"status_norm", string(statusNorm)},
		{"home_score", home},
		{"away_score", away},
		{"winner_side", winnerVal},
	}

	args := []interface{}{id}
	var sets []string
	for _, c := range cols {
		if skip[c.name] {
			continue
		}
		args = append(args, c.val)
		sets = append(sets, fmt.Sprintf("%s = $%d", c.name, len(args)))
	}

	where := "id = $1"
	if !skip["finalized_at"] {
		where += " AND finalized_at IS NULL"
	}
	return fmt.Sprintf(`UPDATE events SET %s WHERE %s`, strings.Join(sets, ", "), where), args
}

// MarketsForGame lists the markets referencing an event.
func (s *EventStore) MarketsForGame(ctx context.Context, gameID int64) ([]models.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, game_id, title, locked FROM markets WHERE game_id = $1`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []models.Market
	for rows.Next() {
		var m models.Market
		if err := rows.Scan(&m.ID, &m.GameID, &m.Title, &m.Locked); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// LockMarkets marks every market on an event immutable for trading.
// Returns how many flipped.
func (s *EventStore) LockMarkets(ctx context.Context, gameID int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE markets SET locked = TRUE WHERE game_id = $1 AND NOT locked`, gameID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
