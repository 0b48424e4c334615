// Package locks enforces single-runner semantics for named jobs using
// TTL-bound lease rows in the shared store. There is no lock service and no
// heartbeat daemon: a crashed worker's lease simply expires, and long jobs
// extend their lease at batch boundaries.
package locks

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/pkg/models"
)

// LeaseStore is the row-level persistence behind the manager. The Postgres
// implementation lives in this package; tests substitute an in-memory one.
type LeaseStore interface {
	// DeleteExpired garbage-collects a lease for the job whose TTL passed.
	DeleteExpired(ctx context.Context, job models.JobName, now time.Time) error
	// Get returns the current lease row, or nil when none exists.
	Get(ctx context.Context, job models.JobName) (*models.JobLock, error)
	// Claim upserts the lease row keyed by job name, but only overwrites
	// an existing row when it has expired or already belongs to the same
	// worker. A live row owned by another worker is left untouched.
	Claim(ctx context.Context, lock models.JobLock, now time.Time) error
	// Delete removes the lease row unconditionally.
	Delete(ctx context.Context, job models.JobName) (bool, error)
	// UpdateExpiry sets a new expiry only when owner still holds the
	// lease. Returns false when the row is missing or owned by another.
	UpdateExpiry(ctx context.Context, job models.JobName, owner string, expiresAt time.Time) (bool, error)
	// List returns every lease row.
	List(ctx context.Context) ([]models.JobLock, error)
}

// NewWorkerID builds the process-wide worker identity used as the lock
// ownership tag. Generated once at startup and threaded through explicitly,
// never read from ambient global state.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Manager acquires, extends and releases named job leases.
type Manager struct {
	store    LeaseStore
	workerID string
	log      *logrus.Logger
	now      func() time.Time
}

// NewManager creates a lock manager owned by the given worker identity.
func NewManager(store LeaseStore, workerID string, log *logrus.Logger) *Manager {
	return &Manager{
		store:    store,
		workerID: workerID,
		log:      log,
		now:      time.Now,
	}
}

// WorkerID returns the identity this manager tags leases with.
func (m *Manager) WorkerID() string { return m.workerID }

// AcquireResult reports whether the lease was won and, if not, who holds it.
type AcquireResult struct {
	Acquired bool   `json:"acquired"`
	Holder   string `json:"holder,omitempty"`
}

// Acquire attempts to take the named lease for ttl. It first deletes any
// expired lease (a crashed worker's leftovers), then checks for a live
// holder, then claims the row. The claim only displaces expired rows, so of
// two interleaved attempts exactly one lands its worker id; the confirming
// re-read is what tells each worker whether it was the one.
func (m *Manager) Acquire(ctx context.Context, job models.JobName, ttl time.Duration) (AcquireResult, error) {
	now := m.now().UTC()

	if err := m.store.DeleteExpired(ctx, job, now); err != nil {
		return AcquireResult{}, fmt.Errorf("gc expired lease: %w", err)
	}

	cur, err := m.store.Get(ctx, job)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("read lease: %w", err)
	}
	if cur != nil && !cur.Expired(now) {
		return AcquireResult{Acquired: false, Holder: cur.LockedBy}, nil
	}

	lease := models.JobLock{
		JobName:   job,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
		LockedBy:  m.workerID,
	}
	if err := m.store.Claim(ctx, lease, now); err != nil {
		return AcquireResult{}, fmt.Errorf("write lease: %w", err)
	}

	// Confirm we actually won: another worker may have claimed between
	// our read and our write.
	confirmed, err := m.store.Get(ctx, job)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("confirm lease: %w", err)
	}
	if confirmed == nil || confirmed.LockedBy != m.workerID {
		holder := ""
		if confirmed != nil {
			holder = confirmed.LockedBy
		}
		return AcquireResult{Acquired: false, Holder: holder}, nil
	}

	m.log.WithFields(logrus.Fields{"job": job, "worker": m.workerID, "ttl": ttl}).Debug("lock acquired")
	return AcquireResult{Acquired: true, Holder: m.workerID}, nil
}

// Release deletes the lease row unconditionally. Returns whether a row
// existed.
func (m *Manager) Release(ctx context.Context, job models.JobName) (bool, error) {
	return m.store.Delete(ctx, job)
}

// Extend pushes the lease expiry to now+additional, but only while this
// worker still owns it. A worker cannot extend a lease it lost.
func (m *Manager) Extend(ctx context.Context, job models.JobName, additional time.Duration) (bool, error) {
	return m.store.UpdateExpiry(ctx, job, m.workerID, m.now().UTC().Add(additional))
}

// ForceRelease is the administrative override: it removes the lease
// regardless of owner.
func (m *Manager) ForceRelease(ctx context.Context, job models.JobName) error {
	removed, err := m.store.Delete(ctx, job)
	if err != nil {
		return err
	}
	if removed {
		m.log.WithField("job", job).Warn("lock force-released")
	}
	return nil
}

// List returns all current lease rows for operator inspection.
func (m *Manager) List(ctx context.Context) ([]models.JobLock, error) {
	return m.store.List(ctx)
}

// Guard is handed to the function running under WithLock. Long-running jobs
// call KeepAlive between batches so the lease cannot lapse mid-run.
type Guard struct {
	m   *Manager
	job models.JobName
	ttl time.Duration
}

// KeepAlive extends the lease by the original TTL. An error means the lease
// was lost (or the store failed); the job must stop at the next safe point.
func (g *Guard) KeepAlive(ctx context.Context) error {
	ok, err := g.m.Extend(ctx, g.job, g.ttl)
	if err != nil {
		return fmt.Errorf("extend %s lease: %w", g.job, err)
	}
	if !ok {
		return fmt.Errorf("%s lease no longer held by %s", g.job, g.m.workerID)
	}
	return nil
}

// RunOutcome distinguishes "skipped, already running" from an actual run.
type RunOutcome struct {
	Skipped bool
	Holder  string
}

// WithLock acquires the lease, runs fn, and releases on every exit path
// including panics. When the lease is held elsewhere it returns a skipped
// outcome without running fn; lock contention is a normal condition, not
// an error.
func (m *Manager) WithLock(ctx context.Context, job models.JobName, ttl time.Duration, fn func(ctx context.Context, g *Guard) error) (RunOutcome, error) {
	res, err := m.Acquire(ctx, job, ttl)
	if err != nil {
		return RunOutcome{}, err
	}
	if !res.Acquired {
		m.log.WithFields(logrus.Fields{"job": job, "holder": res.Holder}).Info("skipped, lock held")
		return RunOutcome{Skipped: true, Holder: res.Holder}, nil
	}

	defer func() {
		if _, relErr := m.Release(context.WithoutCancel(ctx), job); relErr != nil {
			m.log.WithError(relErr).WithField("job", job).Warn("release lock")
		}
	}()

	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v", job, r)
			}
		}()
		return fn(ctx, &Guard{m: m, job: job, ttl: ttl})
	}()

	return RunOutcome{}, runErr
}
