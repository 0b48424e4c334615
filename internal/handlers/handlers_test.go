package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/internal/health"
	"github.com/jordannassie/courtside/internal/settle"
	"github.com/jordannassie/courtside/internal/store"
	"github.com/jordannassie/courtside/pkg/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type stubRunner struct {
	lastJob models.JobName
	sum     models.JobSummary
	err     error
	delay   time.Duration
}

func (s *stubRunner) Run(ctx context.Context, job models.JobName) (models.JobSummary, error) {
	s.lastJob = job
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return models.JobSummary{}, ctx.Err()
		}
	}
	return s.sum, s.err
}

type stubLocks struct {
	locks    []models.JobLock
	released []models.JobName
}

func (s *stubLocks) List(ctx context.Context) ([]models.JobLock, error) { return s.locks, nil }
func (s *stubLocks) ForceRelease(ctx context.Context, job models.JobName) error {
	s.released = append(s.released, job)
	return nil
}

type stubEvents struct {
	byID map[int64]*models.Event
	list []models.Event
}

func (s *stubEvents) Probe(ctx context.Context) (store.SchemaInfo, error) {
	return store.SchemaInfo{Columns: map[string]bool{"status_norm": true}, IdentityCol: "external_id"}, nil
}
func (s *stubEvents) List(ctx context.Context, si store.SchemaInfo, f store.ListFilter) ([]models.Event, error) {
	return s.list, nil
}
func (s *stubEvents) GetByID(ctx context.Context, si store.SchemaInfo, id int64) (*models.Event, error) {
	return s.byID[id], nil
}

type stubQueue struct {
	items  []models.QueueItem
	counts models.QueueCounts
}

func (s *stubQueue) Enqueue(ctx context.Context, item models.QueueItem) (bool, error) {
	return true, nil
}
func (s *stubQueue) Get(ctx context.Context, id int64) (*models.QueueItem, error) { return nil, nil }
func (s *stubQueue) GetByGame(ctx context.Context, gameID int64) (*models.QueueItem, error) {
	return nil, nil
}
func (s *stubQueue) InStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	var out []models.QueueItem
	for _, it := range s.items {
		if it.Status == status {
			out = append(out, it)
		}
	}
	return out, nil
}
func (s *stubQueue) List(ctx context.Context, limit int) ([]models.QueueItem, error) {
	return s.items, nil
}
func (s *stubQueue) Counts(ctx context.Context) (models.QueueCounts, error) { return s.counts, nil }
func (s *stubQueue) SetStatus(ctx context.Context, id int64, status models.QueueStatus) error {
	return nil
}
func (s *stubQueue) MarkFailed(ctx context.Context, id int64) error { return nil }

type stubSettler struct {
	preview models.SettlementPreview
	useFallback bool
}

func (s *stubSettler) ProcessByID(ctx context.Context, id int64) (settle.ProcessResult, error) {
	return settle.ProcessResult{ItemID: id, Status: string(models.QueueStatusDone)}, nil
}
func (s *stubSettler) ProcessAll(ctx context.Context, limit int) ([]settle.ProcessResult, error) {
	return nil, nil
}
func (s *stubSettler) RetryFailed(ctx context.Context, limit int) ([]settle.ProcessResult, error) {
	return nil, nil
}
func (s *stubSettler) Preview(ctx context.Context, gameID int64, fallback func(ctx context.Context) (models.Outcome, bool, error)) (models.SettlementPreview, error) {
	if s.useFallback {
		if _, _, err := fallback(ctx); err != nil {
			return models.SettlementPreview{}, err
		}
	}
	return s.preview, nil
}

type stubDoctor struct {
	report models.HealthReport
}

func (s *stubDoctor) Report(ctx context.Context) models.HealthReport { return s.report }
func (s *stubDoctor) ReleaseExpiredLocks(ctx context.Context) (health.RepairResult, error) {
	return health.RepairResult{Action: "release_expired_locks", Affected: 1}, nil
}
func (s *stubDoctor) EnqueueOrphanedFinals(ctx context.Context, limit int) (health.RepairResult, error) {
	return health.RepairResult{Action: "enqueue_orphaned_finals"}, nil
}

type stubBackfill struct {
	runs map[string]*models.BackfillRun
}

func (s *stubBackfill) Start(ctx context.Context, days int) (models.BackfillRun, error) {
	if days <= 0 {
		return models.BackfillRun{}, errors.New("bad days")
	}
	run := models.BackfillRun{ID: fmt.Sprintf("run-%d", days), Status: models.BackfillRunning, Days: days, StartedAt: time.Now()}
	s.runs[run.ID] = &run
	return run, nil
}
func (s *stubBackfill) Get(id string) *models.BackfillRun { return s.runs[id] }
func (s *stubBackfill) List() []models.BackfillRun {
	var out []models.BackfillRun
	for _, r := range s.runs {
		out = append(out, *r)
	}
	return out
}
func (s *stubBackfill) Cancel(id string) bool {
	_, ok := s.runs[id]
	return ok
}

type stubDB struct{ err error }

func (s *stubDB) PingContext(ctx context.Context) error { return s.err }

func newTestServer(t *testing.T) (*httptest.Server, *stubRunner, *stubLocks, *stubEvents, *stubQueue, *stubSettler, *stubDoctor, *stubBackfill) {
	t.Helper()
	runner := &stubRunner{}
	locks := &stubLocks{}
	events := &stubEvents{byID: map[int64]*models.Event{}}
	queue := &stubQueue{}
	settler := &stubSettler{}
	doctor := &stubDoctor{report: models.HealthReport{Overall: models.HealthOK}}
	backfill := &stubBackfill{runs: map[string]*models.BackfillRun{}}

	h := NewHandler(runner, locks, events, queue, settler, doctor, backfill, backfill, &stubDB{}, testLogger())
	srv := httptest.NewServer(NewRouter(h, []string{"*"}))
	t.Cleanup(srv.Close)
	return srv, runner, locks, events, queue, settler, doctor, backfill
}

// newSlowWriteServer starts a server whose write timeout is shorter than
// the stub job's run time.
func newSlowWriteServer(t *testing.T, runner *stubRunner) *httptest.Server {
	t.Helper()
	h := NewHandler(runner, &stubLocks{}, &stubEvents{byID: map[int64]*models.Event{}},
		&stubQueue{}, &stubSettler{}, &stubDoctor{report: models.HealthReport{Overall: models.HealthOK}},
		&stubBackfill{runs: map[string]*models.BackfillRun{}}, &stubBackfill{runs: map[string]*models.BackfillRun{}},
		&stubDB{}, testLogger())
	srv := httptest.NewUnstartedServer(NewRouter(h, []string{"*"}))
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatal(err)
	}
}

func TestRunJobEndpoint(t *testing.T) {
	srv, runner, _, _, _, _, _, _ := newTestServer(t)
	runner.sum = models.JobSummary{Job: models.JobSync, Fetched: 7}

	resp, err := http.Post(srv.URL+"/api/v1/jobs/sync/run", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var sum models.JobSummary
	decode(t, resp, &sum)
	if sum.Fetched != 7 || runner.lastJob != models.JobSync {
		t.Fatalf("sum = %+v, lastJob = %s", sum, runner.lastJob)
	}
}

func TestRunJob_SummaryArrivesAfterServerWriteTimeout(t *testing.T) {
	runner := &stubRunner{
		delay: 400 * time.Millisecond,
		sum:   models.JobSummary{Job: models.JobDiscover, Upserted: 3},
	}
	srv := newSlowWriteServer(t, runner)

	resp, err := http.Post(srv.URL+"/api/v1/jobs/discover/run", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed after slow run: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var sum models.JobSummary
	decode(t, resp, &sum)
	if sum.Upserted != 3 {
		t.Fatalf("sum = %+v", sum)
	}
}

func TestRunJobRejectsUnknownName(t *testing.T) {
	srv, _, _, _, _, _, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/jobs/compact/run", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRunJobRejectsBackfill(t *testing.T) {
	srv, _, _, _, _, _, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/jobs/backfill/run", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (backfill has its own endpoints)", resp.StatusCode)
	}
}

func TestForceReleaseLock(t *testing.T) {
	srv, _, locks, _, _, _, _, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/locks/discover", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(locks.released) != 1 || locks.released[0] != models.JobDiscover {
		t.Fatalf("released = %v", locks.released)
	}
}

func TestQueueCounts(t *testing.T) {
	srv, _, _, _, queue, _, _, _ := newTestServer(t)
	queue.counts = models.QueueCounts{Queued: 3, Failed: 1}

	resp, err := http.Get(srv.URL + "/api/v1/settlements/queue/counts")
	if err != nil {
		t.Fatal(err)
	}
	var counts models.QueueCounts
	decode(t, resp, &counts)
	if counts.Queued != 3 || counts.Failed != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestPreviewFallsBackToEvent(t *testing.T) {
	srv, _, _, events, _, settler, _, _ := newTestServer(t)
	settler.useFallback = true
	home := models.WinnerHome
	now := time.Now()
	events.byID[55] = &models.Event{ID: 55, StatusNorm: models.StatusFinal, FinalizedAt: &now, WinnerSide: &home}
	settler.preview = models.SettlementPreview{GameID: 55}

	resp, err := http.Get(srv.URL + "/api/v1/settlements/55/preview")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPreviewUnsettledEventConflicts(t *testing.T) {
	srv, _, _, events, _, settler, _, _ := newTestServer(t)
	settler.useFallback = true
	events.byID[56] = &models.Event{ID: 56, StatusNorm: models.StatusLive}

	resp, err := http.Get(srv.URL + "/api/v1/settlements/56/preview")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestHealthReportCriticalIs503(t *testing.T) {
	srv, _, _, _, _, _, doctor, _ := newTestServer(t)
	doctor.report = models.HealthReport{Overall: models.HealthCritical}

	resp, err := http.Get(srv.URL + "/api/v1/health/report")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestBackfillLifecycleEndpoints(t *testing.T) {
	srv, _, _, _, _, _, _, backfill := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/backfills?days=30", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var run models.BackfillRun
	decode(t, resp, &run)
	if run.Days != 30 {
		t.Fatalf("run = %+v", run)
	}

	resp, err = http.Get(srv.URL + "/api/v1/backfills/" + run.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	// Missing days parameter is a client error.
	resp, err = http.Post(srv.URL+"/api/v1/backfills", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no-days status = %d, want 400", resp.StatusCode)
	}
	if backfill.Get(run.ID) == nil {
		t.Fatal("run not tracked")
	}
}
