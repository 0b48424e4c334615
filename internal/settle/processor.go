package settle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordannassie/courtside/pkg/models"
)

// PayoutStore persists the monetary side of a settlement. CommitSettlement
// must be transactional: receipt, ledger entry and payout rows land
// together or not at all.
type PayoutStore interface {
	PositionsForGame(ctx context.Context, gameID int64) ([]models.Position, error)
	// HasReceipt is the idempotency check used before any payout write.
	HasReceipt(ctx context.Context, gameID int64) (bool, error)
	CommitSettlement(ctx context.Context, receipt models.PayoutReceipt, ledger *models.LedgerEntry, payouts []models.Payout) error
}

// Notifier announces completed settlements downstream. Publishing is
// fire-and-forget; a nil Notifier disables it.
type Notifier interface {
	PublishSettlement(ctx context.Context, receipt models.PayoutReceipt) error
}

// Processor drains the settlement queue.
type Processor struct {
	queue   QueueStore
	payouts PayoutStore
	notify  Notifier
	log     *logrus.Logger
}

// NewProcessor creates a settlement processor.
func NewProcessor(queue QueueStore, payouts PayoutStore, notify Notifier, log *logrus.Logger) *Processor {
	return &Processor{queue: queue, payouts: payouts, notify: notify, log: log}
}

// ProcessResult describes what happened to one queue item.
type ProcessResult struct {
	ItemID           int64   `json:"item_id"`
	GameID           int64   `json:"game_id"`
	Status           string  `json:"status"`
	AlreadyProcessed bool    `json:"already_processed"`
	Fee              float64 `json:"fee,omitempty"`
	PaidOut          float64 `json:"paid_out,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// ProcessOne settles a single queue item. The item never stays in
// PROCESSING: every exit path lands it on DONE or FAILED. A second call for
// a game that already has a receipt is a no-op reporting already-processed.
func (p *Processor) ProcessOne(ctx context.Context, item models.QueueItem) ProcessResult {
	res := ProcessResult{ItemID: item.ID, GameID: item.GameID}

	if err := p.queue.SetStatus(ctx, item.ID, models.QueueStatusProcessing); err != nil {
		res.Status = string(item.Status)
		res.Error = fmt.Sprintf("mark processing: %v", err)
		return res
	}

	fail := func(err error) ProcessResult {
		res.Error = err.Error()
		res.Status = string(models.QueueStatusFailed)
		if mfErr := p.queue.MarkFailed(ctx, item.ID); mfErr != nil {
			p.log.WithError(mfErr).WithField("item", item.ID).Error("mark failed")
		}
		return res
	}

	// Idempotency gate: a receipt means a prior run already paid this game.
	done, err := p.payouts.HasReceipt(ctx, item.GameID)
	if err != nil {
		return fail(fmt.Errorf("check receipt: %w", err))
	}
	if done {
		res.AlreadyProcessed = true
		res.Status = string(models.QueueStatusDone)
		if err := p.queue.SetStatus(ctx, item.ID, models.QueueStatusDone); err != nil {
			return fail(fmt.Errorf("mark done: %w", err))
		}
		return res
	}

	positions, err := p.payouts.PositionsForGame(ctx, item.GameID)
	if err != nil {
		return fail(fmt.Errorf("load positions: %w", err))
	}

	refund := item.Outcome == models.OutcomeCanceled || item.Reason == models.ReasonCanceled ||
		item.Status == models.QueueStatusSkipped
	dist := ComputeDistribution(item.GameID, positions, item.Outcome, refund)

	receipt := models.PayoutReceipt{
		GameID:    item.GameID,
		Outcome:   item.Outcome,
		GrossPool: dist.GrossPool,
		Fee:       dist.Fee,
		Refunded:  refund,
		CreatedAt: time.Now().UTC(),
	}
	var ledger *models.LedgerEntry
	if !refund {
		ledger = &models.LedgerEntry{
			GameID:     item.GameID,
			Amount:     dist.Fee,
			LosingPool: dist.LosingPool,
		}
	}

	if err := p.payouts.CommitSettlement(ctx, receipt, ledger, dist.Payouts); err != nil {
		return fail(fmt.Errorf("commit settlement: %w", err))
	}
	if err := p.queue.SetStatus(ctx, item.ID, models.QueueStatusDone); err != nil {
		// The money moved; the queue row just lags. Surface but do not fail.
		p.log.WithError(err).WithField("item", item.ID).Error("mark done after commit")
	}
	if p.notify != nil {
		if err := p.notify.PublishSettlement(ctx, receipt); err != nil {
			p.log.WithError(err).WithField("game", item.GameID).Warn("settlement publish failed")
		}
	}

	res.Status = string(models.QueueStatusDone)
	res.Fee = dist.Fee
	for _, payout := range dist.Payouts {
		res.PaidOut += payout.Amount
	}
	p.log.WithFields(logrus.Fields{
		"game": item.GameID, "outcome": item.Outcome,
		"fee": dist.Fee, "paid": res.PaidOut, "refund": refund,
	}).Info("settlement processed")
	return res
}

// ProcessByID looks the item up and processes it.
func (p *Processor) ProcessByID(ctx context.Context, id int64) (ProcessResult, error) {
	item, err := p.queue.Get(ctx, id)
	if err != nil {
		return ProcessResult{}, err
	}
	if item == nil {
		return ProcessResult{}, fmt.Errorf("queue item %d not found", id)
	}
	return p.ProcessOne(ctx, *item), nil
}

// ProcessAll drains up to limit QUEUED items.
func (p *Processor) ProcessAll(ctx context.Context, limit int) ([]ProcessResult, error) {
	items, err := p.queue.InStatus(ctx, models.QueueStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	results := make([]ProcessResult, 0, len(items))
	for _, item := range items {
		results = append(results, p.ProcessOne(ctx, item))
	}
	return results, nil
}

// RetryFailed re-attempts up to limit FAILED items. Safe because processing
// is idempotent through the receipt check.
func (p *Processor) RetryFailed(ctx context.Context, limit int) ([]ProcessResult, error) {
	items, err := p.queue.InStatus(ctx, models.QueueStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	results := make([]ProcessResult, 0, len(items))
	for _, item := range items {
		results = append(results, p.ProcessOne(ctx, item))
	}
	return results, nil
}

// Preview computes the distribution for a game without writing anything.
// The outcome comes from the queue item when one exists, otherwise from the
// event's recorded winner.
func (p *Processor) Preview(ctx context.Context, gameID int64, fallback func(ctx context.Context) (models.Outcome, bool, error)) (models.SettlementPreview, error) {
	var (
		outcome models.Outcome
		refund  bool
	)

	item, err := p.queue.GetByGame(ctx, gameID)
	if err != nil {
		return models.SettlementPreview{}, err
	}
	switch {
	case item != nil:
		outcome = item.Outcome
		refund = item.Outcome == models.OutcomeCanceled || item.Reason == models.ReasonCanceled
	case fallback != nil:
		outcome, refund, err = fallback(ctx)
		if err != nil {
			return models.SettlementPreview{}, err
		}
	default:
		return models.SettlementPreview{}, fmt.Errorf("no settlement outcome known for game %d", gameID)
	}

	positions, err := p.payouts.PositionsForGame(ctx, gameID)
	if err != nil {
		return models.SettlementPreview{}, err
	}
	return ComputeDistribution(gameID, positions, outcome, refund), nil
}

// PGPayouts is the Postgres PayoutStore.
type PGPayouts struct {
	db *sql.DB
}

// NewPGPayouts wraps a Postgres connection as the payout store.
func NewPGPayouts(db *sql.DB) *PGPayouts {
	return &PGPayouts{db: db}
}

func (s *PGPayouts) PositionsForGame(ctx context.Context, gameID int64) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, market_id, game_id, wallet, side, stake
		 FROM positions WHERE game_id = $1`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var pos models.Position
		if err := rows.Scan(&pos.ID, &pos.MarketID, &pos.GameID, &pos.Wallet, &pos.Side, &pos.Stake); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (s *PGPayouts) HasReceipt(ctx context.Context, gameID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM payout_receipts WHERE game_id = $1
			UNION ALL
			SELECT 1 FROM treasury_ledger WHERE game_id = $1
		 )`, gameID).Scan(&exists)
	return exists, err
}

func (s *PGPayouts) CommitSettlement(ctx context.Context, receipt models.PayoutReceipt, ledger *models.LedgerEntry, payouts []models.Payout) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback()

	// The receipt's primary key doubles as a concurrency guard: a second
	// processor racing the same game conflicts here and commits nothing.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO payout_receipts (game_id, outcome, gross_pool, fee, refunded, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (game_id) DO NOTHING`,
		receipt.GameID, string(receipt.Outcome), receipt.GrossPool,
		receipt.Fee, receipt.Refunded, receipt.CreatedAt)
	if err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit() // lost the race; another processor committed first
	}

	if ledger != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO treasury_ledger (game_id, amount, losing_pool) VALUES ($1, $2, $3)`,
			ledger.GameID, ledger.Amount, ledger.LosingPool); err != nil {
			return fmt.Errorf("write ledger entry: %w", err)
		}
	}

	for _, payout := range payouts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payouts (game_id, wallet, amount) VALUES ($1, $2, $3)`,
			receipt.GameID, payout.Wallet, payout.Amount); err != nil {
			return fmt.Errorf("write payout for %s: %w", payout.Wallet, err)
		}
	}

	return tx.Commit()
}
