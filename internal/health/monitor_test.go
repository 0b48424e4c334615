package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/pkg/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// memStore returns canned findings per check and records repairs.
type memStore struct {
	findings map[string]Finding
	errs     map[string]error

	orphans  []models.Event
	expired  []models.JobLock
	deleted  []models.JobName
	enqueued []models.QueueItem
}

func (m *memStore) finding(name string) (Finding, error) {
	if err := m.errs[name]; err != nil {
		return Finding{}, err
	}
	return m.findings[name], nil
}

func (m *memStore) LiveTooLong(ctx context.Context, cutoff time.Time, n int) (Finding, error) {
	return m.finding("live")
}
func (m *memStore) ScheduledStale(ctx context.Context, cutoff time.Time, n int) (Finding, error) {
	return m.finding("scheduled")
}
func (m *memStore) FinalsNotEnqueued(ctx context.Context, n int) (Finding, error) {
	return m.finding("finals")
}
func (m *memStore) QueueAged(ctx context.Context, status models.QueueStatus, cutoff time.Time, n int) (Finding, error) {
	return m.finding("queue_" + string(status))
}
func (m *memStore) FailedOverAttempts(ctx context.Context, minAttempts, n int) (Finding, error) {
	return m.finding("failed")
}

func (m *memStore) OrphanedFinals(ctx context.Context, limit int) ([]models.Event, error) {
	return m.orphans, nil
}

func (m *memStore) ExpiredLocks(ctx context.Context, now time.Time) ([]models.JobLock, error) {
	return m.expired, nil
}

func (m *memStore) DeleteLock(ctx context.Context, job models.JobName) (bool, error) {
	m.deleted = append(m.deleted, job)
	return true, nil
}

func (m *memStore) Enqueue(ctx context.Context, item models.QueueItem) (bool, error) {
	for _, it := range m.enqueued {
		if it.GameID == item.GameID {
			return false, nil
		}
	}
	m.enqueued = append(m.enqueued, item)
	return true, nil
}

func TestReportAllClear(t *testing.T) {
	m := NewMonitor(Config{}, &memStore{}, testLogger())
	report := m.Report(context.Background())
	if report.Overall != models.HealthOK {
		t.Fatalf("overall = %s, want ok", report.Overall)
	}
	if len(report.Checks) != 6 {
		t.Fatalf("checks = %d, want 6", len(report.Checks))
	}
	for _, c := range report.Checks {
		if c.Tier != models.HealthOK {
			t.Fatalf("check %s = %s, want ok", c.Name, c.Tier)
		}
	}
}

func TestReportTiers(t *testing.T) {
	store := &memStore{findings: map[string]Finding{
		"live":   {Count: 2},  // warning
		"failed": {Count: 25}, // critical
	}}
	m := NewMonitor(Config{WarningAtCount: 1, CriticalAtCount: 10}, store, testLogger())

	report := m.Report(context.Background())
	if report.Overall != models.HealthCritical {
		t.Fatalf("overall = %s, want critical", report.Overall)
	}
	byName := map[string]models.HealthCheck{}
	for _, c := range report.Checks {
		byName[c.Name] = c
	}
	if byName["live_too_long"].Tier != models.HealthWarning {
		t.Fatalf("live_too_long = %s, want warning", byName["live_too_long"].Tier)
	}
	if byName["failed_exhausted"].Tier != models.HealthCritical {
		t.Fatalf("failed_exhausted = %s, want critical", byName["failed_exhausted"].Tier)
	}
	if byName["scheduled_stale"].Tier != models.HealthOK {
		t.Fatalf("scheduled_stale = %s, want ok", byName["scheduled_stale"].Tier)
	}
}

func TestReportSurvivesFailedCheck(t *testing.T) {
	store := &memStore{errs: map[string]error{"finals": errors.New("relation missing")}}
	m := NewMonitor(Config{}, store, testLogger())

	report := m.Report(context.Background())
	if report.Overall != models.HealthCritical {
		t.Fatalf("overall = %s, want critical when a check errors", report.Overall)
	}
	if len(report.Checks) != 6 {
		t.Fatalf("checks = %d, want all 6 despite one failing", len(report.Checks))
	}
}

func TestReleaseExpiredLocks(t *testing.T) {
	store := &memStore{expired: []models.JobLock{
		{JobName: models.JobSync, LockedBy: "dead-worker"},
		{JobName: models.JobDiscover, LockedBy: "dead-worker"},
	}}
	m := NewMonitor(Config{}, store, testLogger())

	res, err := m.ReleaseExpiredLocks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Affected != 2 || len(store.deleted) != 2 {
		t.Fatalf("affected = %d deleted = %v", res.Affected, store.deleted)
	}
}

func TestEnqueueOrphanedFinals(t *testing.T) {
	home := models.WinnerHome
	store := &memStore{orphans: []models.Event{
		{ID: 1, League: models.LeagueNBA, ExternalID: "o1", StatusNorm: models.StatusFinal, WinnerSide: &home},
		{ID: 2, League: models.LeagueNHL, ExternalID: "o2", StatusNorm: models.StatusCanceled},
		{ID: 3, League: models.LeagueMLB, ExternalID: "o3", StatusNorm: models.StatusFinal}, // no winner recorded
	}}
	m := NewMonitor(Config{}, store, testLogger())

	res, err := m.EnqueueOrphanedFinals(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Affected != 2 {
		t.Fatalf("affected = %d, want 2 (winnerless final skipped)", res.Affected)
	}
	if store.enqueued[0].Outcome != models.OutcomeHome {
		t.Fatalf("first outcome = %s, want HOME", store.enqueued[0].Outcome)
	}
	if store.enqueued[1].Outcome != models.OutcomeCanceled {
		t.Fatalf("second outcome = %s, want CANCELED", store.enqueued[1].Outcome)
	}
}
