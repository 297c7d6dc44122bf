// Package model defines the core domain types shared across the arbitrage engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one level of an order book side. Prices on prediction
// markets live in (0, 1].
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is an immutable snapshot of one outcome's book. Bids and asks
// are ordered best-first (highest bid, lowest ask).
type OrderBook struct {
	MarketID  string       `json:"market_id"`
	OutcomeID string       `json:"outcome_id"`
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// BestBid returns the highest bid, or ok=false if the bid side is empty.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or ok=false if the ask side is empty.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// IsCrossed reports whether best bid exceeds best ask. A crossed book is
// corrupted feed data and must not reach P&L math.
func (b *OrderBook) IsCrossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return bid.Price.GreaterThan(ask.Price)
}

// BinaryMarketBook pairs the YES and NO books of one binary market.
type BinaryMarketBook struct {
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	YesBook   OrderBook `json:"yes_book"`
	NoBook    OrderBook `json:"no_book"`
}

// EntryCost returns the cost of buying one YES and one NO share at the
// current best asks. ok=false when either leg has no ask.
func (b *BinaryMarketBook) EntryCost() (yesAsk, noAsk, total decimal.Decimal, ok bool) {
	ya, okYes := b.YesBook.BestAsk()
	na, okNo := b.NoBook.BestAsk()
	if !okYes || !okNo {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	return ya.Price, na.Price, ya.Price.Add(na.Price), true
}

// ExitValue returns the proceeds of selling one YES and one NO share at the
// current best bids. ok=false when either leg has no bid.
func (b *BinaryMarketBook) ExitValue() (yesBid, noBid, total decimal.Decimal, ok bool) {
	yb, okYes := b.YesBook.BestBid()
	nb, okNo := b.NoBook.BestBid()
	if !okYes || !okNo {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	return yb.Price, nb.Price, yb.Price.Add(nb.Price), true
}

// ArbOpportunity is a detected mispricing: YES ask + NO ask below the $1
// resolution payout, net of fees.
type ArbOpportunity struct {
	MarketID    string          `json:"market_id"`
	Timestamp   time.Time       `json:"timestamp"`
	YesAsk      decimal.Decimal `json:"yes_ask"`
	NoAsk       decimal.Decimal `json:"no_ask"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	GrossProfit decimal.Decimal `json:"gross_profit"`
	NetProfit   decimal.Decimal `json:"net_profit"`
}

// IsProfitable reports whether the opportunity survives fees.
func (o *ArbOpportunity) IsProfitable() bool {
	return o.NetProfit.GreaterThan(decimal.Zero)
}
