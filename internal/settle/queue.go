// Package settle owns the durable settlement queue and the treasury
// accounting around paying out prediction markets for finalized events.
// Processing is idempotent: the payout receipt written inside the commit
// transaction is the marker that makes process-all and retry-failed safe to
// call any number of times.
package settle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jordannassie/courtside/pkg/models"
)

// QueueStore is the persistence for settlement tasks.
type QueueStore interface {
	// Enqueue inserts a task unless one already exists for the game.
	// Returns false when the enqueue was a duplicate no-op.
	Enqueue(ctx context.Context, item models.QueueItem) (bool, error)
	Get(ctx context.Context, id int64) (*models.QueueItem, error)
	GetByGame(ctx context.Context, gameID int64) (*models.QueueItem, error)
	InStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error)
	List(ctx context.Context, limit int) ([]models.QueueItem, error)
	Counts(ctx context.Context) (models.QueueCounts, error)
	SetStatus(ctx context.Context, id int64, status models.QueueStatus) error
	// MarkFailed flips the item to FAILED and bumps its attempt counter.
	MarkFailed(ctx context.Context, id int64) error
}

// PGQueue is the Postgres QueueStore.
type PGQueue struct {
	db *sql.DB
}

// NewPGQueue wraps a Postgres connection as the settlement queue.
func NewPGQueue(db *sql.DB) *PGQueue {
	return &PGQueue{db: db}
}

func (q *PGQueue) Enqueue(ctx context.Context, item models.QueueItem) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO settlement_queue (game_id, league, external_id, provider, status, outcome, reason)
		 VALUES ($1, $2, $3, $4, 'QUEUED', $5, NULLIF($6, ''))
		 ON CONFLICT (game_id) DO NOTHING`,
		item.GameID, string(item.League), item.ExternalID, item.Provider,
		string(item.Outcome), item.Reason)
	if err != nil {
		return false, fmt.Errorf("enqueue settlement for game %d: %w", item.GameID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const queueColumns = `id, game_id, league, external_id, provider, status, outcome,
	COALESCE(reason, ''), attempts, created_at, updated_at`

func scanQueueItem(row interface{ Scan(...interface{}) error }) (*models.QueueItem, error) {
	var item models.QueueItem
	err := row.Scan(&item.ID, &item.GameID, &item.League, &item.ExternalID,
		&item.Provider, &item.Status, &item.Outcome, &item.Reason,
		&item.Attempts, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (q *PGQueue) Get(ctx context.Context, id int64) (*models.QueueItem, error) {
	item, err := scanQueueItem(q.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM settlement_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (q *PGQueue) GetByGame(ctx context.Context, gameID int64) (*models.QueueItem, error) {
	item, err := scanQueueItem(q.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM settlement_queue WHERE game_id = $1`, gameID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (q *PGQueue) InStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM settlement_queue
		 WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (q *PGQueue) List(ctx context.Context, limit int) ([]models.QueueItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM settlement_queue ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]models.QueueItem, error) {
	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (q *PGQueue) Counts(ctx context.Context) (models.QueueCounts, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM settlement_queue GROUP BY status`)
	if err != nil {
		return models.QueueCounts{}, err
	}
	defer rows.Close()

	var counts models.QueueCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueCounts{}, err
		}
		switch models.QueueStatus(status) {
		case models.QueueStatusQueued:
			counts.Queued = n
		case models.QueueStatusProcessing:
			counts.Processing = n
		case models.QueueStatusDone:
			counts.Done = n
		case models.QueueStatusFailed:
			counts.Failed = n
		case models.QueueStatusSkipped:
			counts.Skipped = n
		}
	}
	return counts, rows.Err()
}

func (q *PGQueue) SetStatus(ctx context.Context, id int64, status models.QueueStatus) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE settlement_queue SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	return err
}

func (q *PGQueue) MarkFailed(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE settlement_queue
		 SET status = 'FAILED', attempts = attempts + 1, updated_at = $2
		 WHERE id = $1`,
		id, time.Now().UTC())
	return err
}
