package settle

import (
	"github.com/jordannassie/courtside/pkg/models"
)

// FeeRate is the platform's cut of the losing pool on a settled event.
const FeeRate = 0.03

// ComputeDistribution works out the full payout for a set of positions and
// an outcome. Pure math, no I/O: Preview serves this result to the operator
// untouched, and commit writes exactly what it returns.
//
// Winners get their own stake back plus a pro-rata share (by stake) of the
// losing pool net of the platform fee. A refund distribution returns every
// stake with no fee taken.
func ComputeDistribution(gameID int64, positions []models.Position, outcome models.Outcome, refund bool) models.SettlementPreview {
	p := models.SettlementPreview{
		GameID:  gameID,
		Outcome: outcome,
		Refund:  refund,
	}

	for _, pos := range positions {
		p.GrossPool += pos.Stake
	}

	if refund {
		for _, pos := range positions {
			if pos.Stake <= 0 {
				continue
			}
			p.Payouts = append(p.Payouts, models.Payout{Wallet: pos.Wallet, Amount: pos.Stake})
		}
		return p
	}

	for _, pos := range positions {
		if pos.Side == outcome {
			p.WinningPool += pos.Stake
		} else {
			p.LosingPool += pos.Stake
		}
	}

	if p.WinningPool == 0 {
		// Nobody backed the outcome; the whole losing pool is skimmed as
		// fee and there is nothing to distribute.
		p.Fee = p.LosingPool * FeeRate
		return p
	}

	p.Fee = p.LosingPool * FeeRate
	net := p.LosingPool - p.Fee

	for _, pos := range positions {
		if pos.Side != outcome || pos.Stake <= 0 {
			continue
		}
		share := pos.Stake / p.WinningPool
		p.Payouts = append(p.Payouts, models.Payout{
			Wallet: pos.Wallet,
			Amount: pos.Stake + net*share,
		})
	}
	return p
}
