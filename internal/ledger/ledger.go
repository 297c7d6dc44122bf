// Package ledger owns the lifecycle of open arbitrage positions: creation
// from accepted opportunities, mark-to-market on every book snapshot,
// exit-readiness flagging, and the terminal close paths.
//
// The in-memory index is an arena of positions keyed by id plus a secondary
// market → id-list index, guarded by one RWMutex. Per-market snapshot
// ordering is preserved by the market-data loop; cross-market ordering is
// not required.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/model"
	"github.com/polyarb/arb-engine/internal/store"
)

var (
	// ErrPositionNotFound is returned when an id has no in-memory position.
	ErrPositionNotFound = errors.New("ledger: position not found")

	// ErrInvalidTransition is returned when a requested state change would
	// move a position backward in its lifecycle.
	ErrInvalidTransition = errors.New("ledger: invalid state transition")

	// DefaultExitThreshold is the minimum per-share profit fraction before
	// a position is flagged exit-ready (0.5%).
	DefaultExitThreshold = decimal.NewFromFloat(0.005)
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Ledger indexes open positions by market and persists every lifecycle
// mutation through the position repository. Persistence failures propagate
// to the caller; the in-memory mutation that preceded them is retained and
// reconciled by ReloadActive.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
	byMarket  map[string][]string

	repo          store.PositionRepository
	feeRate       decimal.Decimal
	exitThreshold decimal.Decimal
	now           func() time.Time
}

// New creates a ledger with the given fee rate and exit threshold.
func New(repo store.PositionRepository, feeRate, exitThreshold decimal.Decimal) *Ledger {
	if exitThreshold.IsZero() {
		exitThreshold = DefaultExitThreshold
	}
	return &Ledger{
		positions:     make(map[string]*model.Position),
		byMarket:      make(map[string][]string),
		repo:          repo,
		feeRate:       feeRate,
		exitThreshold: exitThreshold,
		now:           time.Now,
	}
}

// SetClock overrides the time source. For tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// CreatePosition constructs a Pending position from an accepted opportunity,
// persists it, and indexes it by market. The caller is responsible for
// consulting the circuit breaker before invoking this.
func (l *Ledger) CreatePosition(ctx context.Context, opp *model.ArbOpportunity, quantity decimal.Decimal, strategy model.ExitStrategy) (*model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := &model.Position{
		ID:            uuid.New().String(),
		MarketID:      opp.MarketID,
		YesEntryPrice: opp.YesAsk,
		NoEntryPrice:  opp.NoAsk,
		Quantity:      quantity,
		ExitStrategy:  strategy,
		State:         model.StatePending,
		UnrealizedPnL: decimal.Zero,
		CreatedAt:     l.now().UTC(),
	}

	l.index(p)

	if err := l.repo.Insert(ctx, p); err != nil {
		// In-memory state retained; ReloadActive reconciles the drift.
		return nil, fmt.Errorf("create position %s: %w", p.ID, err)
	}

	slog.Info("position created",
		"id", p.ID,
		"market", p.MarketID,
		"yes_entry", p.YesEntryPrice.String(),
		"no_entry", p.NoEntryPrice.String(),
		"qty", quantity.String(),
		"strategy", string(strategy),
	)
	cp := *p
	return &cp, nil
}

// UpdateMarketPositions recomputes unrealized P&L for every non-closed
// position under the market from the book's current exit value. A no-op
// when the book has no exit value (missing bids).
func (l *Ledger) UpdateMarketPositions(marketID string, book *model.BinaryMarketBook) {
	_, _, exitTotal, ok := book.ExitValue()
	if !ok {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range l.byMarket[marketID] {
		p := l.positions[id]
		if p.IsClosed() {
			continue
		}
		p.UnrealizedPnL = l.unrealized(p, exitTotal)
	}
}

// unrealized applies the position's exit-strategy mark-to-market formula.
//
//   ExitOnCorrection: (yesBid+noBid)×qty − entryCost − fee×2×qty
//   HoldToResolution: 1×qty − entryCost − fee×qty (fee charged once)
func (l *Ledger) unrealized(p *model.Position, exitTotal decimal.Decimal) decimal.Decimal {
	switch p.ExitStrategy {
	case model.HoldToResolution:
		return one.Mul(p.Quantity).
			Sub(p.EntryCost()).
			Sub(l.feeRate.Mul(p.Quantity))
	default: // ExitOnCorrection
		return exitTotal.Mul(p.Quantity).
			Sub(p.EntryCost()).
			Sub(l.feeRate.Mul(two).Mul(p.Quantity))
	}
}

// CheckExitOpportunities flags Open ExitOnCorrection positions whose
// potential early-exit profit clears the threshold, persists them as
// ExitReady, and returns the flagged ids. HoldToResolution positions are
// never auto-flagged.
func (l *Ledger) CheckExitOpportunities(ctx context.Context, marketID string, book *model.BinaryMarketBook) ([]string, error) {
	_, _, exitTotal, ok := book.ExitValue()
	if !ok {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var ready []string
	for _, id := range l.byMarket[marketID] {
		p := l.positions[id]
		if p.State != model.StateOpen || p.ExitStrategy != model.ExitOnCorrection {
			continue
		}

		potential := exitTotal.Mul(p.Quantity).
			Sub(p.EntryCost()).
			Sub(l.feeRate.Mul(two).Mul(p.Quantity))
		if potential.LessThan(l.exitThreshold.Mul(p.Quantity)) {
			continue
		}

		p.State = model.StateExitReady
		ready = append(ready, p.ID)

		if err := l.repo.Update(ctx, p); err != nil {
			return ready, fmt.Errorf("persist exit-ready %s: %w", p.ID, err)
		}

		slog.Info("position exit-ready",
			"id", p.ID,
			"market", marketID,
			"potential_profit", potential.String(),
		)
	}
	return ready, nil
}

// MarkPositionOpen transitions Pending → Open once the entry fills.
func (l *Ledger) MarkPositionOpen(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if !p.State.CanTransition(model.StateOpen) {
		return fmt.Errorf("%w: %s → open", ErrInvalidTransition, p.State)
	}

	p.State = model.StateOpen
	if err := l.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("persist open %s: %w", p.ID, err)
	}
	return nil
}

// MarkPositionClosing transitions ExitReady → Closing while the executor
// works the exit orders.
func (l *Ledger) MarkPositionClosing(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if !p.State.CanTransition(model.StateClosing) {
		return fmt.Errorf("%w: %s → closing", ErrInvalidTransition, p.State)
	}

	p.State = model.StateClosing
	if err := l.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("persist closing %s: %w", p.ID, err)
	}
	return nil
}

// ClosePositionExit closes a position at the given exit prices (the
// ExitOnCorrection path), freezing realized P&L with the same formula used
// for mark-to-market. Closing an already-closed position is a no-op.
func (l *Ledger) ClosePositionExit(ctx context.Context, id string, yesExit, noExit decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if p.IsClosed() {
		return nil
	}

	realized := yesExit.Add(noExit).Mul(p.Quantity).
		Sub(p.EntryCost()).
		Sub(l.feeRate.Mul(two).Mul(p.Quantity))

	return l.close(ctx, p, realized, &yesExit, &noExit)
}

// ClosePositionResolution closes a position at market resolution (the
// HoldToResolution path): the winning side pays $1 per share pair, and the
// fee is charged once since there is no exit leg. Closing an already-closed
// position is a no-op.
func (l *Ledger) ClosePositionResolution(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if p.IsClosed() {
		return nil
	}

	realized := one.Mul(p.Quantity).
		Sub(p.EntryCost()).
		Sub(l.feeRate.Mul(p.Quantity))

	return l.close(ctx, p, realized, nil, nil)
}

// close finalizes the transition to Closed. Caller holds l.mu.
func (l *Ledger) close(ctx context.Context, p *model.Position, realized decimal.Decimal, yesExit, noExit *decimal.Decimal) error {
	now := l.now().UTC()
	p.State = model.StateClosed
	p.RealizedPnL = &realized
	p.UnrealizedPnL = decimal.Zero
	p.ExitTimestamp = &now
	p.YesExitPrice = yesExit
	p.NoExitPrice = noExit

	if err := l.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("persist close %s: %w", p.ID, err)
	}

	slog.Info("position closed",
		"id", p.ID,
		"market", p.MarketID,
		"realized_pnl", realized.String(),
	)
	return nil
}

// ActivePositions returns copies of all non-closed positions.
func (l *Ledger) ActivePositions() []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var active []model.Position
	for _, p := range l.positions {
		if !p.IsClosed() {
			active = append(active, *p)
		}
	}
	return active
}

// MarketPositions returns copies of all positions under a market,
// closed ones included.
func (l *Ledger) MarketPositions(marketID string) []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Position
	for _, id := range l.byMarket[marketID] {
		out = append(out, *l.positions[id])
	}
	return out
}

// Get returns a copy of one position.
func (l *Ledger) Get(id string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[id]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// HasOpenPosition reports whether the market already carries a non-closed
// position. Used by the entry path to avoid stacking exposure.
func (l *Ledger) HasOpenPosition(marketID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, id := range l.byMarket[marketID] {
		if !l.positions[id].IsClosed() {
			return true
		}
	}
	return false
}

// TotalUnrealizedPnL sums unrealized P&L across non-closed positions.
func (l *Ledger) TotalUnrealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, p := range l.positions {
		if !p.IsClosed() {
			total = total.Add(p.UnrealizedPnL)
		}
	}
	return total
}

// ReloadActive replaces the in-memory index with the repository's active
// set. Run at startup and after persistence failures to reconcile drift.
func (l *Ledger) ReloadActive(ctx context.Context) error {
	active, err := l.repo.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("reload active positions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]*model.Position, len(active))
	l.byMarket = make(map[string][]string)
	for i := range active {
		p := active[i]
		l.index(&p)
	}

	slog.Info("ledger reloaded", "active_positions", len(active))
	return nil
}

// index adds a position to the arena and the market index. Caller holds l.mu.
func (l *Ledger) index(p *model.Position) {
	l.positions[p.ID] = p
	l.byMarket[p.MarketID] = append(l.byMarket[p.MarketID], p.ID)
}
