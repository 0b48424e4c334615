package locks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jordannassie/courtside/pkg/models"
)

// PGLeaseStore persists leases in the job_locks table.
type PGLeaseStore struct {
	db *sql.DB
}

// NewPGLeaseStore wraps a Postgres connection as a LeaseStore.
func NewPGLeaseStore(db *sql.DB) *PGLeaseStore {
	return &PGLeaseStore{db: db}
}

func (s *PGLeaseStore) DeleteExpired(ctx context.Context, job models.JobName, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE job_name = $1 AND expires_at <= $2`,
		string(job), now)
	return err
}

func (s *PGLeaseStore) Get(ctx context.Context, job models.JobName) (*models.JobLock, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_name, locked_at, expires_at, locked_by, COALESCE(meta, '')
		 FROM job_locks WHERE job_name = $1`,
		string(job))

	var lock models.JobLock
	err := row.Scan(&lock.JobName, &lock.LockedAt, &lock.ExpiresAt, &lock.LockedBy, &lock.Meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *PGLeaseStore) Claim(ctx context.Context, lock models.JobLock, now time.Time) error {
	// The conditional update means a live lease owned by someone else is
	// never displaced; callers re-read to learn whether they won.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_locks (job_name, locked_at, expires_at, locked_by, meta)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_name) DO UPDATE SET
		   locked_at = EXCLUDED.locked_at,
		   expires_at = EXCLUDED.expires_at,
		   locked_by = EXCLUDED.locked_by,
		   meta = EXCLUDED.meta
		 WHERE job_locks.expires_at <= $6
		    OR job_locks.locked_by = EXCLUDED.locked_by`,
		string(lock.JobName), lock.LockedAt, lock.ExpiresAt, lock.LockedBy, lock.Meta, now)
	return err
}

func (s *PGLeaseStore) Delete(ctx context.Context, job models.JobName) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE job_name = $1`, string(job))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGLeaseStore) UpdateExpiry(ctx context.Context, job models.JobName, owner string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_locks SET expires_at = $3 WHERE job_name = $1 AND locked_by = $2`,
		string(job), owner, expiresAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGLeaseStore) List(ctx context.Context) ([]models.JobLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_name, locked_at, expires_at, locked_by, COALESCE(meta, '')
		 FROM job_locks ORDER BY job_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []models.JobLock
	for rows.Next() {
		var lock models.JobLock
		if err := rows.Scan(&lock.JobName, &lock.LockedAt, &lock.ExpiresAt, &lock.LockedBy, &lock.Meta); err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}
