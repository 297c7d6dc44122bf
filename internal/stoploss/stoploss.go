// Package stoploss implements per-position protective exits: fixed floors,
// percentage drops from entry, and trailing stops that ratchet with the
// price peak. The engine only reports triggers — closing the position and
// notifying is the caller's responsibility.
//
// All monetary values use shopspring/decimal — never float64 for money.
package stoploss

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/model"
)

var one = decimal.NewFromInt(1)

// NewFixedRule creates a stop at an absolute price floor.
func NewFixedRule(marketID, outcomeID string, entryPrice, quantity, stopPrice decimal.Decimal) *model.StopLossRule {
	return &model.StopLossRule{
		ID:         uuid.New().String(),
		MarketID:   marketID,
		OutcomeID:  outcomeID,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		StopType:   model.StopFixed,
		StopPrice:  stopPrice,
	}
}

// NewPercentageRule creates a stop at a fractional drop below entry price.
func NewPercentageRule(marketID, outcomeID string, entryPrice, quantity, pct decimal.Decimal) *model.StopLossRule {
	return &model.StopLossRule{
		ID:         uuid.New().String(),
		MarketID:   marketID,
		OutcomeID:  outcomeID,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		StopType:   model.StopPercentage,
		Pct:        pct,
	}
}

// NewTrailingRule creates a trailing stop. The peak starts at the entry
// price and only moves upward, so the effective stop price is monotonically
// non-decreasing over the rule's lifetime.
func NewTrailingRule(marketID, outcomeID string, entryPrice, quantity, pct decimal.Decimal) *model.StopLossRule {
	return &model.StopLossRule{
		ID:         uuid.New().String(),
		MarketID:   marketID,
		OutcomeID:  outcomeID,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		StopType:   model.StopTrailing,
		Pct:        pct,
		PeakPrice:  entryPrice,
	}
}

// UpdatePeak ratchets a trailing rule's peak upward. Calls with a lower
// price are no-ops; non-trailing rules are unaffected.
func UpdatePeak(r *model.StopLossRule, price decimal.Decimal) {
	if r.StopType != model.StopTrailing {
		return
	}
	if price.GreaterThan(r.PeakPrice) {
		r.PeakPrice = price
	}
}

// IsTriggered evaluates the rule's trigger contract against the current
// price. A rule that is not active never triggers, regardless of price.
func IsTriggered(r *model.StopLossRule, current decimal.Decimal) bool {
	if !r.Active {
		return false
	}
	switch r.StopType {
	case model.StopFixed:
		return current.LessThanOrEqual(r.StopPrice)
	case model.StopPercentage:
		floor := r.EntryPrice.Mul(one.Sub(r.Pct))
		return current.LessThanOrEqual(floor)
	case model.StopTrailing:
		floor := r.PeakPrice.Mul(one.Sub(r.Pct))
		return current.LessThanOrEqual(floor)
	default:
		return false
	}
}

// Engine indexes stop rules by market and evaluates them against live
// prices. Rules are created alongside a position, activated once the
// position is open, and removed when it closes.
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]*model.StopLossRule // by rule id
	byMarket map[string][]string            // market id → rule ids
}

// NewEngine creates an empty stop-loss engine.
func NewEngine() *Engine {
	return &Engine{
		rules:    make(map[string]*model.StopLossRule),
		byMarket: make(map[string][]string),
	}
}

// AddRule registers a rule. Rules start inactive.
func (e *Engine) AddRule(r *model.StopLossRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *r
	e.rules[r.ID] = &cp
	e.byMarket[r.MarketID] = append(e.byMarket[r.MarketID], r.ID)
}

// ActivateMarket arms all rules under a market. Called once the protected
// position transitions to Open.
func (e *Engine) ActivateMarket(marketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.byMarket[marketID] {
		e.rules[id].Active = true
	}
}

// RemoveMarket drops all rules under a market. Called when the protected
// position closes.
func (e *Engine) RemoveMarket(marketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.byMarket[marketID] {
		delete(e.rules, id)
	}
	delete(e.byMarket, marketID)
}

// Evaluate applies current per-outcome prices to a market's rules: trailing
// peaks ratchet first, then triggers are checked. Returns copies of the
// rules that fired. Outcomes absent from the price map are skipped.
func (e *Engine) Evaluate(marketID string, prices map[string]decimal.Decimal) []model.StopLossRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	var triggered []model.StopLossRule
	for _, id := range e.byMarket[marketID] {
		r := e.rules[id]
		price, ok := prices[r.OutcomeID]
		if !ok {
			continue
		}
		UpdatePeak(r, price)
		if IsTriggered(r, price) {
			triggered = append(triggered, *r)
		}
	}
	return triggered
}

// MarketRules returns copies of the rules registered under a market.
func (e *Engine) MarketRules(marketID string) []model.StopLossRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var rules []model.StopLossRule
	for _, id := range e.byMarket[marketID] {
		rules = append(rules, *e.rules[id])
	}
	return rules
}
