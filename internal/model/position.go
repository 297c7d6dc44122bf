package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitStrategy selects how a position is unwound.
type ExitStrategy string

const (
	// HoldToResolution keeps both legs until the market resolves and pays $1.
	HoldToResolution ExitStrategy = "hold_to_resolution"
	// ExitOnCorrection sells both legs early once the mispricing corrects.
	ExitOnCorrection ExitStrategy = "exit_on_correction"
)

// PositionState is the lifecycle state of an arbitrage position.
// Transitions are strictly forward-moving; no state ever moves backward.
type PositionState string

const (
	StatePending   PositionState = "pending"
	StateOpen      PositionState = "open"
	StateExitReady PositionState = "exit_ready"
	StateClosing   PositionState = "closing"
	StateClosed    PositionState = "closed"
)

// stateOrder gives each state its position in the forward-only lifecycle.
var stateOrder = map[PositionState]int{
	StatePending:   0,
	StateOpen:      1,
	StateExitReady: 2,
	StateClosing:   3,
	StateClosed:    4,
}

// CanTransition reports whether moving from s to next respects the
// forward-only lifecycle. Closed is terminal.
func (s PositionState) CanTransition(next PositionState) bool {
	from, okFrom := stateOrder[s]
	to, okTo := stateOrder[next]
	if !okFrom || !okTo {
		return false
	}
	return to > from
}

// Position is a paired YES+NO holding in one binary market. Owned exclusively
// by the ledger in memory; the repository holds the persisted copy. Positions
// are never deleted, only transitioned to Closed.
type Position struct {
	ID            string           `json:"id" db:"id"`
	MarketID      string           `json:"market_id" db:"market_id"`
	YesEntryPrice decimal.Decimal  `json:"yes_entry_price" db:"yes_entry_price"`
	NoEntryPrice  decimal.Decimal  `json:"no_entry_price" db:"no_entry_price"`
	Quantity      decimal.Decimal  `json:"quantity" db:"quantity"`
	ExitStrategy  ExitStrategy     `json:"exit_strategy" db:"exit_strategy"`
	State         PositionState    `json:"state" db:"state"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	ExitTimestamp *time.Time       `json:"exit_timestamp,omitempty" db:"exit_timestamp"`
	YesExitPrice  *decimal.Decimal `json:"yes_exit_price,omitempty" db:"yes_exit_price"`
	NoExitPrice   *decimal.Decimal `json:"no_exit_price,omitempty" db:"no_exit_price"`
}

// EntryCost is the total cash outlay: (yesEntry + noEntry) × quantity.
func (p *Position) EntryCost() decimal.Decimal {
	return p.YesEntryPrice.Add(p.NoEntryPrice).Mul(p.Quantity)
}

// IsClosed reports whether the position has reached its terminal state.
func (p *Position) IsClosed() bool {
	return p.State == StateClosed
}
