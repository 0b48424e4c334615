package settle

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/pkg/models"
)

// memQueue is an in-memory QueueStore.
type memQueue struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]models.QueueItem
}

func newMemQueue() *memQueue {
	return &memQueue{nextID: 1, items: make(map[int64]models.QueueItem)}
}

func (q *memQueue) Enqueue(ctx context.Context, item models.QueueItem) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.items {
		if existing.GameID == item.GameID {
			return false, nil
		}
	}
	item.ID = q.nextID
	q.nextID++
	item.Status = models.QueueStatusQueued
	item.CreatedAt = time.Now()
	q.items[item.ID] = item
	return true, nil
}

func (q *memQueue) Get(ctx context.Context, id int64) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[id]; ok {
		cp := item
		return &cp, nil
	}
	return nil, nil
}

func (q *memQueue) GetByGame(ctx context.Context, gameID int64) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.GameID == gameID {
			cp := item
			return &cp, nil
		}
	}
	return nil, nil
}

func (q *memQueue) InStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.QueueItem
	for _, item := range q.items {
		if item.Status == status && len(out) < limit {
			out = append(out, item)
		}
	}
	return out, nil
}

func (q *memQueue) List(ctx context.Context, limit int) ([]models.QueueItem, error) {
	return q.InStatus(ctx, "", limit)
}

func (q *memQueue) Counts(ctx context.Context) (models.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c models.QueueCounts
	for _, item := range q.items {
		switch item.Status {
		case models.QueueStatusQueued:
			c.Queued++
		case models.QueueStatusProcessing:
			c.Processing++
		case models.QueueStatusDone:
			c.Done++
		case models.QueueStatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (q *memQueue) SetStatus(ctx context.Context, id int64, status models.QueueStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return errors.New("no such item")
	}
	item.Status = status
	q.items[id] = item
	return nil
}

func (q *memQueue) MarkFailed(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return errors.New("no such item")
	}
	item.Status = models.QueueStatusFailed
	item.Attempts++
	q.items[id] = item
	return nil
}

// memPayouts is an in-memory PayoutStore. Commit is atomic under the mutex,
// like the SQL transaction it stands in for.
type memPayouts struct {
	mu          sync.Mutex
	positions   map[int64][]models.Position
	receipts    map[int64]models.PayoutReceipt
	ledger      []models.LedgerEntry
	payouts     map[int64][]models.Payout
	commitErr   error
	commitCount int
}

func newMemPayouts() *memPayouts {
	return &memPayouts{
		positions: make(map[int64][]models.Position),
		receipts:  make(map[int64]models.PayoutReceipt),
		payouts:   make(map[int64][]models.Payout),
	}
}

func (s *memPayouts) PositionsForGame(ctx context.Context, gameID int64) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[gameID], nil
}

func (s *memPayouts) HasReceipt(ctx context.Context, gameID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.receipts[gameID]
	return ok, nil
}

func (s *memPayouts) CommitSettlement(ctx context.Context, receipt models.PayoutReceipt, ledger *models.LedgerEntry, payouts []models.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	if _, ok := s.receipts[receipt.GameID]; ok {
		return nil // receipt conflict: no-op like the SQL ON CONFLICT
	}
	s.commitCount++
	s.receipts[receipt.GameID] = receipt
	if ledger != nil {
		s.ledger = append(s.ledger, *ledger)
	}
	s.payouts[receipt.GameID] = payouts
	return nil
}

func (s *memPayouts) ledgerCount(gameID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.ledger {
		if e.GameID == gameID {
			n++
		}
	}
	return n
}

func settleLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func enqueue(t *testing.T, q *memQueue, gameID int64, outcome models.Outcome, reason string) models.QueueItem {
	t.Helper()
	ok, err := q.Enqueue(context.Background(), models.QueueItem{
		GameID: gameID, League: models.LeagueNBA, ExternalID: "x",
		Outcome: outcome, Reason: reason,
	})
	if err != nil || !ok {
		t.Fatalf("enqueue failed: ok=%v err=%v", ok, err)
	}
	item, _ := q.GetByGame(context.Background(), gameID)
	return *item
}

func TestProcessOne_PaysAndWritesLedgerOnce(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	pay := newMemPayouts()
	pay.positions[10] = []models.Position{
		{Wallet: "a", Side: models.OutcomeHome, Stake: 100},
		{Wallet: "b", Side: models.OutcomeAway, Stake: 100},
	}
	item := enqueue(t, q, 10, models.OutcomeHome, "")

	p := NewProcessor(q, pay, nil, settleLogger())
	res := p.ProcessOne(ctx, item)

	if res.Error != "" {
		t.Fatalf("ProcessOne error: %s", res.Error)
	}
	if res.Status != string(models.QueueStatusDone) {
		t.Errorf("status = %s, want DONE", res.Status)
	}
	if pay.ledgerCount(10) != 1 {
		t.Errorf("ledger entries = %d, want 1", pay.ledgerCount(10))
	}

	// Second run short-circuits on the receipt: no new ledger entry.
	res2 := p.ProcessOne(ctx, item)
	if !res2.AlreadyProcessed {
		t.Error("second run should report already-processed")
	}
	if pay.ledgerCount(10) != 1 {
		t.Errorf("ledger entries after retry = %d, want 1", pay.ledgerCount(10))
	}

	final, _ := q.Get(ctx, item.ID)
	if final.Status != models.QueueStatusDone {
		t.Errorf("queue status = %s, want DONE", final.Status)
	}
}

func TestProcessOne_ConcurrentSingleCommit(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	pay := newMemPayouts()
	pay.positions[11] = []models.Position{{Wallet: "a", Side: models.OutcomeHome, Stake: 10}}
	item := enqueue(t, q, 11, models.OutcomeHome, "")

	p := NewProcessor(q, pay, nil, settleLogger())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.ProcessOne(ctx, item)
		}()
	}
	wg.Wait()

	if pay.commitCount != 1 {
		t.Errorf("commits = %d, want exactly 1", pay.commitCount)
	}
	if pay.ledgerCount(11) != 1 {
		t.Errorf("ledger entries = %d, want 1", pay.ledgerCount(11))
	}
}

func TestProcessOne_CanceledRefundsWithoutLedger(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	pay := newMemPayouts()
	pay.positions[12] = []models.Position{
		{Wallet: "a", Side: models.OutcomeHome, Stake: 40},
		{Wallet: "b", Side: models.OutcomeAway, Stake: 60},
	}
	item := enqueue(t, q, 12, models.OutcomeCanceled, models.ReasonCanceled)

	p := NewProcessor(q, pay, nil, settleLogger())
	res := p.ProcessOne(ctx, item)

	if res.Error != "" {
		t.Fatalf("ProcessOne error: %s", res.Error)
	}
	if !almostEqual(res.PaidOut, 100) {
		t.Errorf("refund paid %v, want 100", res.PaidOut)
	}
	if res.Fee != 0 {
		t.Errorf("refund fee = %v, want 0", res.Fee)
	}
	if pay.ledgerCount(12) != 0 {
		t.Errorf("refund wrote %d ledger entries, want 0", pay.ledgerCount(12))
	}

	receipt := pay.receipts[12]
	if !receipt.Refunded {
		t.Error("receipt not marked refunded")
	}
}

func TestProcessOne_FailureNeverLeavesProcessing(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	pay := newMemPayouts()
	pay.commitErr = errors.New("disk full")
	pay.positions[13] = []models.Position{{Wallet: "a", Side: models.OutcomeHome, Stake: 5}}
	item := enqueue(t, q, 13, models.OutcomeHome, "")

	p := NewProcessor(q, pay, nil, settleLogger())
	res := p.ProcessOne(ctx, item)

	if res.Error == "" {
		t.Fatal("expected failure result")
	}
	after, _ := q.Get(ctx, item.ID)
	if after.Status != models.QueueStatusFailed {
		t.Errorf("status = %s, want FAILED", after.Status)
	}
	if after.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", after.Attempts)
	}

	// Retry succeeds once the fault clears.
	pay.commitErr = nil
	results, err := p.RetryFailed(ctx, 10)
	if err != nil {
		t.Fatalf("RetryFailed error: %v", err)
	}
	if len(results) != 1 || results[0].Error != "" {
		t.Fatalf("retry results: %+v", results)
	}
	if pay.ledgerCount(13) != 1 {
		t.Errorf("ledger entries = %d, want 1", pay.ledgerCount(13))
	}
}

func TestEnqueue_DuplicateIsNoOp(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()

	first, _ := q.Enqueue(ctx, models.QueueItem{GameID: 20, Outcome: models.OutcomeHome})
	second, _ := q.Enqueue(ctx, models.QueueItem{GameID: 20, Outcome: models.OutcomeHome})

	if !first || second {
		t.Errorf("enqueue results = %v/%v, want true/false", first, second)
	}
	counts, _ := q.Counts(ctx)
	if counts.Queued != 1 {
		t.Errorf("queued = %d, want 1", counts.Queued)
	}
}

func TestPreview_DoesNotWrite(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	pay := newMemPayouts()
	pay.positions[30] = []models.Position{
		{Wallet: "a", Side: models.OutcomeHome, Stake: 100},
		{Wallet: "b", Side: models.OutcomeAway, Stake: 50},
	}
	enqueue(t, q, 30, models.OutcomeHome, "")

	p := NewProcessor(q, pay, nil, settleLogger())
	preview, err := p.Preview(ctx, 30, nil)
	if err != nil {
		t.Fatalf("Preview error: %v", err)
	}

	if !almostEqual(preview.Fee, 1.5) {
		t.Errorf("Fee = %v, want 1.5", preview.Fee)
	}
	if pay.commitCount != 0 || len(pay.ledger) != 0 {
		t.Error("preview wrote settlement state")
	}
	item, _ := q.GetByGame(ctx, 30)
	if item.Status != models.QueueStatusQueued {
		t.Errorf("preview changed queue status to %s", item.Status)
	}
}

// countingNotifier records published settlement receipts.
type countingNotifier struct {
	mu       sync.Mutex
	receipts []models.PayoutReceipt
	err      error
}

func (n *countingNotifier) PublishSettlement(ctx context.Context, receipt models.PayoutReceipt) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.receipts = append(n.receipts, receipt)
	return nil
}

func TestProcessOne_PublishesSettlementOnce(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	pay := newMemPayouts()
	pay.positions[40] = []models.Position{
		{Wallet: "a", Side: models.OutcomeHome, Stake: 100},
		{Wallet: "b", Side: models.OutcomeAway, Stake: 100},
	}
	item := enqueue(t, q, 40, models.OutcomeHome, models.ReasonFinal)

	notes := &countingNotifier{}
	p := NewProcessor(q, pay, notes, settleLogger())

	if res := p.ProcessOne(ctx, item); res.Error != "" {
		t.Fatalf("ProcessOne error: %s", res.Error)
	}
	if len(notes.receipts) != 1 {
		t.Fatalf("published %d receipts, want 1", len(notes.receipts))
	}
	if notes.receipts[0].GameID != 40 || notes.receipts[0].Outcome != models.OutcomeHome {
		t.Errorf("published receipt = %+v", notes.receipts[0])
	}

	// The already-processed short circuit must not publish again.
	if res := p.ProcessOne(ctx, item); !res.AlreadyProcessed {
		t.Fatal("second run should report already-processed")
	}
	if len(notes.receipts) != 1 {
		t.Errorf("receipts after rerun = %d, want 1", len(notes.receipts))
	}
}

func TestProcessOne_PublishFailureDoesNotFailSettlement(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	pay := newMemPayouts()
	pay.positions[41] = []models.Position{{Wallet: "a", Side: models.OutcomeHome, Stake: 10}}
	item := enqueue(t, q, 41, models.OutcomeHome, models.ReasonFinal)

	notes := &countingNotifier{err: errors.New("redis down")}
	p := NewProcessor(q, pay, notes, settleLogger())

	res := p.ProcessOne(ctx, item)
	if res.Error != "" {
		t.Fatalf("ProcessOne error: %s", res.Error)
	}
	after, _ := q.Get(ctx, item.ID)
	if after.Status != models.QueueStatusDone {
		t.Errorf("status = %s, want DONE", after.Status)
	}
}

func TestProcessOne_RefundOnCanceledReason(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue()
	pay := newMemPayouts()
	pay.positions[42] = []models.Position{
		{Wallet: "a", Side: models.OutcomeHome, Stake: 30},
		{Wallet: "b", Side: models.OutcomeAway, Stake: 70},
	}
	// Reason alone must trigger the refund path, with the same literal
	// the jobs write.
	item := enqueue(t, q, 42, models.OutcomeHome, models.ReasonCanceled)

	p := NewProcessor(q, pay, nil, settleLogger())
	res := p.ProcessOne(ctx, item)

	if res.Error != "" {
		t.Fatalf("ProcessOne error: %s", res.Error)
	}
	if !almostEqual(res.PaidOut, 100) || res.Fee != 0 {
		t.Errorf("paid %v fee %v, want full refund with no fee", res.PaidOut, res.Fee)
	}
	if pay.ledgerCount(42) != 0 {
		t.Errorf("refund wrote %d ledger entries, want 0", pay.ledgerCount(42))
	}
}
