package models

import "time"

// QueueStatus is the state of one settlement queue item.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "QUEUED"
	QueueStatusProcessing QueueStatus = "PROCESSING"
	QueueStatusDone       QueueStatus = "DONE"
	QueueStatusFailed     QueueStatus = "FAILED"
	QueueStatusSkipped    QueueStatus = "SKIPPED"
)

// Outcome is what the settlement pays on.
type Outcome string

const (
	OutcomeHome     Outcome = "HOME"
	OutcomeAway     Outcome = "AWAY"
	OutcomeDraw     Outcome = "DRAW"
	OutcomeCanceled Outcome = "CANCELED"
)

// Reason literals recorded on queue items. Every writer uses these so the
// refund check in settlement can match on ReasonCanceled.
const (
	ReasonFinal    = "FINAL"
	ReasonCanceled = "CANCELED"
)

// OutcomeForWinner converts a winner side into a settlement outcome.
func OutcomeForWinner(w WinnerSide) Outcome {
	switch w {
	case WinnerHome:
		return OutcomeHome
	case WinnerAway:
		return OutcomeAway
	default:
		return OutcomeDraw
	}
}

// QueueItem is one durable settlement task. Unique per game: a duplicate
// enqueue for the same event is a no-op, and a DONE item is never recreated.
type QueueItem struct {
	ID         int64       `json:"id"`
	GameID     int64       `json:"game_id"`
	League     League      `json:"league"`
	ExternalID string      `json:"external_id"`
	Provider   string      `json:"provider"`
	Status     QueueStatus `json:"status"`
	Outcome    Outcome     `json:"outcome"`
	Reason     string      `json:"reason,omitempty"`
	Attempts   int         `json:"attempts"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Market is a prediction market tied to an event. Once locked it stops
// accepting positions and waits for settlement.
type Market struct {
	ID     int64  `json:"id"`
	GameID int64  `json:"game_id"`
	Title  string `json:"title"`
	Locked bool   `json:"locked"`
}

// Position is one user's stake on a side of a market.
type Position struct {
	ID       int64   `json:"id"`
	MarketID int64   `json:"market_id"`
	GameID   int64   `json:"game_id"`
	Wallet   string  `json:"wallet"`
	Side     Outcome `json:"side"`
	Stake    float64 `json:"stake"`
}

// LedgerEntry is one append-only treasury row: the platform fee skimmed
// from a settlement's losing pool. At most one per game.
type LedgerEntry struct {
	ID         int64     `json:"id"`
	GameID     int64     `json:"game_id"`
	Amount     float64   `json:"amount"`
	LosingPool float64   `json:"losing_pool"`
	CreatedAt  time.Time `json:"created_at"`
}

// PayoutReceipt marks a game's settlement as committed. Its existence is the
// idempotency check that makes process-all and retry-failed safe to repeat.
type PayoutReceipt struct {
	GameID    int64     `json:"game_id"`
	Outcome   Outcome   `json:"outcome"`
	GrossPool float64   `json:"gross_pool"`
	Fee       float64   `json:"fee"`
	Refunded  bool      `json:"refunded"`
	CreatedAt time.Time `json:"created_at"`
}

// Payout is one winner's (or refunded staker's) share of a settlement.
type Payout struct {
	Wallet string  `json:"wallet"`
	Amount float64 `json:"amount"`
}

// SettlementPreview is the computed distribution for an event, produced
// without writing anything.
type SettlementPreview struct {
	GameID      int64    `json:"game_id"`
	Outcome     Outcome  `json:"outcome"`
	Refund      bool     `json:"refund"`
	GrossPool   float64  `json:"gross_pool"`
	WinningPool float64  `json:"winning_pool"`
	LosingPool  float64  `json:"losing_pool"`
	Fee         float64  `json:"fee"`
	Payouts     []Payout `json:"payouts"`
}

// QueueCounts is the per-status breakdown of the settlement queue.
type QueueCounts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}
