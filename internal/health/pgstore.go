package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jordannassie/courtside/pkg/models"
)

// PGStore answers the monitor's questions with direct SQL. Every check is
// one query; samples ride along in the same statement.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) LiveTooLong(ctx context.Context, cutoff time.Time, sampleLimit int) (Finding, error) {
	return s.eventFinding(ctx, `
		SELECT id, league, external_id, starts_at, status_norm
		FROM events
		WHERE status_norm = 'LIVE' AND starts_at < $1
		ORDER BY starts_at`, sampleLimit, cutoff)
}

func (s *PGStore) ScheduledStale(ctx context.Context, cutoff time.Time, sampleLimit int) (Finding, error) {
	return s.eventFinding(ctx, `
		SELECT id, league, external_id, starts_at, status_norm
		FROM events
		WHERE status_norm IN ('SCHEDULED', 'POSTPONED')
		  AND finalized_at IS NULL AND starts_at < $1
		ORDER BY starts_at`, sampleLimit, cutoff)
}

func (s *PGStore) FinalsNotEnqueued(ctx context.Context, sampleLimit int) (Finding, error) {
	return s.eventFinding(ctx, `
		SELECT e.id, e.league, e.external_id, e.starts_at, e.status_norm
		FROM events e
		WHERE e.finalized_at IS NOT NULL
		  AND EXISTS (SELECT 1 FROM markets m WHERE m.game_id = e.id)
		  AND NOT EXISTS (SELECT 1 FROM settlement_queue q WHERE q.game_id = e.id)
		ORDER BY e.finalized_at`, sampleLimit)
}

func (s *PGStore) QueueAged(ctx context.Context, status models.QueueStatus, cutoff time.Time, sampleLimit int) (Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, game_id, league, status, attempts, updated_at
		FROM settlement_queue
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at`, string(status), cutoff)
	if err != nil {
		return Finding{}, fmt.Errorf("queue aged query: %w", err)
	}
	defer rows.Close()
	return collectQueueSamples(rows, sampleLimit)
}

func (s *PGStore) FailedOverAttempts(ctx context.Context, minAttempts, sampleLimit int) (Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, game_id, league, status, attempts, updated_at
		FROM settlement_queue
		WHERE status = 'FAILED' AND attempts >= $1
		ORDER BY attempts DESC, updated_at`, minAttempts)
	if err != nil {
		return Finding{}, fmt.Errorf("failed items query: %w", err)
	}
	defer rows.Close()
	return collectQueueSamples(rows, sampleLimit)
}

func (s *PGStore) OrphanedFinals(ctx context.Context, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.league, e.external_id, e.provider, e.status_norm, e.winner_side
		FROM events e
		WHERE e.finalized_at IS NOT NULL
		  AND EXISTS (SELECT 1 FROM markets m WHERE m.game_id = e.id)
		  AND NOT EXISTS (SELECT 1 FROM settlement_queue q WHERE q.game_id = e.id)
		ORDER BY e.finalized_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("orphaned finals query: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var winner sql.NullString
		if err := rows.Scan(&ev.ID, &ev.League, &ev.ExternalID, &ev.Provider, &ev.StatusNorm, &winner); err != nil {
			return nil, fmt.Errorf("scan orphaned final: %w", err)
		}
		if winner.Valid {
			w := models.WinnerSide(winner.String)
			ev.WinnerSide = &w
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PGStore) ExpiredLocks(ctx context.Context, now time.Time) ([]models.JobLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_name, locked_at, expires_at, locked_by, COALESCE(meta, '')
		FROM job_locks
		WHERE expires_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("expired locks query: %w", err)
	}
	defer rows.Close()

	var out []models.JobLock
	for rows.Next() {
		var l models.JobLock
		if err := rows.Scan(&l.JobName, &l.LockedAt, &l.ExpiresAt, &l.LockedBy, &l.Meta); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteLock(ctx context.Context, job models.JobName) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_locks WHERE job_name = $1`, string(job))
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PGStore) Enqueue(ctx context.Context, item models.QueueItem) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_queue (game_id, league, external_id, provider, status, outcome, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (game_id) DO NOTHING`,
		item.GameID, string(item.League), item.ExternalID, item.Provider,
		string(models.QueueStatusQueued), string(item.Outcome), item.Reason)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// eventFinding runs an event-shaped check query and folds the rows into a
// count plus capped samples.
func (s *PGStore) eventFinding(ctx context.Context, query string, sampleLimit int, args ...interface{}) (Finding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Finding{}, fmt.Errorf("health query: %w", err)
	}
	defer rows.Close()

	var f Finding
	for rows.Next() {
		var id int64
		var league, externalID, statusNorm string
		var startsAt time.Time
		if err := rows.Scan(&id, &league, &externalID, &startsAt, &statusNorm); err != nil {
			return Finding{}, fmt.Errorf("scan health row: %w", err)
		}
		f.Count++
		if len(f.Samples) < sampleLimit {
			f.Samples = append(f.Samples, map[string]interface{}{
				"id":          id,
				"league":      league,
				"external_id": externalID,
				"starts_at":   startsAt,
				"status":      statusNorm,
			})
		}
	}
	return f, rows.Err()
}

func collectQueueSamples(rows *sql.Rows, sampleLimit int) (Finding, error) {
	var f Finding
	for rows.Next() {
		var id, gameID int64
		var league, status string
		var attempts int
		var updatedAt time.Time
		if err := rows.Scan(&id, &gameID, &league, &status, &attempts, &updatedAt); err != nil {
			return Finding{}, fmt.Errorf("scan queue row: %w", err)
		}
		f.Count++
		if len(f.Samples) < sampleLimit {
			f.Samples = append(f.Samples, map[string]interface{}{
				"id":         id,
				"game_id":    gameID,
				"league":     league,
				"status":     status,
				"attempts":   attempts,
				"updated_at": updatedAt,
			})
		}
	}
	return f, rows.Err()
}
