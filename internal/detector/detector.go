// Package detector finds arbitrage opportunities in binary market books.
//
// A binary market pays exactly $1 per share pair at resolution. Whenever
// YES ask + NO ask < 1 the pair can be bought for less than its guaranteed
// payout; the detector quantifies that edge net of trading fees.
//
// All monetary values use shopspring/decimal — never float64 for money.
package detector

import (
	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/model"
)

// DefaultFeeRate is the venue taker fee applied when no override is given.
var DefaultFeeRate = decimal.NewFromFloat(0.02)

var one = decimal.NewFromInt(1)

// Calculate converts a book snapshot into an opportunity, or nil when no
// candidate exists. Pure and idempotent: identical inputs yield identical
// outputs, the embedded timestamp is copied from the book.
//
// Returns nil when either leg has no ask, or when total cost is non-positive
// (corrupted or empty book data — a real candidate costs somewhere in (0, 1]).
// Cost above 1 is not rejected here; that is an unprofitable opportunity,
// not an invalid one.
func Calculate(book *model.BinaryMarketBook, feeRate decimal.Decimal) *model.ArbOpportunity {
	yesAsk, noAsk, total, ok := book.EntryCost()
	if !ok {
		return nil
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	gross := one.Sub(total)
	net := gross.Sub(total.Mul(feeRate))

	return &model.ArbOpportunity{
		MarketID:    book.MarketID,
		Timestamp:   book.Timestamp,
		YesAsk:      yesAsk,
		NoAsk:       noAsk,
		TotalCost:   total,
		GrossProfit: gross,
		NetProfit:   net,
	}
}
