// Package engine drives the arbitrage decision loop: every book snapshot is
// marked-to-market, checked against stop-loss rules and exit thresholds, and
// finally scanned for new entry opportunities gated by the circuit breaker.
//
// The engine does not route orders. Entries and exits are published as
// signals; a separate executor confirms fills back through
// ConfirmPositionOpen / ConfirmPositionExit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/breaker"
	"github.com/polyarb/arb-engine/internal/detector"
	"github.com/polyarb/arb-engine/internal/ledger"
	"github.com/polyarb/arb-engine/internal/metrics"
	"github.com/polyarb/arb-engine/internal/model"
	"github.com/polyarb/arb-engine/internal/signal"
	"github.com/polyarb/arb-engine/internal/stoploss"
)

// Config sets the engine's trading parameters.
type Config struct {
	// FeeRate is the venue taker fee, in [0, 1).
	FeeRate decimal.Decimal

	// OrderQuantity is the share-pair quantity per position.
	OrderQuantity decimal.Decimal

	// ExitStrategy is applied to every new position.
	ExitStrategy model.ExitStrategy

	// StopType selects the protective-exit variant for new positions.
	// Empty disables stop-loss creation.
	StopType model.StopType

	// StopPct is the drop fraction for percentage and trailing stops.
	StopPct decimal.Decimal

	// StopFloor is the absolute floor for fixed stops.
	StopFloor decimal.Decimal
}

// Engine wires the detector, ledger, stop-loss engine, and circuit breaker
// into one per-snapshot decision path. All methods are driven by the
// market-data loop; per-market snapshot ordering is the feed's guarantee.
type Engine struct {
	cfg        Config
	ledger     *ledger.Ledger
	stops      *stoploss.Engine
	breaker    *breaker.CircuitBreaker
	dispatcher signal.Dispatcher

	wasTripped bool // last observed breaker state, for trip edge detection
}

// New creates an engine. A nil dispatcher falls back to log-only delivery.
func New(cfg Config, l *ledger.Ledger, stops *stoploss.Engine, cb *breaker.CircuitBreaker, dispatcher signal.Dispatcher) *Engine {
	if dispatcher == nil {
		dispatcher = signal.LogDispatcher{}
	}
	if cfg.FeeRate.IsZero() {
		cfg.FeeRate = detector.DefaultFeeRate
	}
	return &Engine{
		cfg:        cfg,
		ledger:     l,
		stops:      stops,
		breaker:    cb,
		dispatcher: dispatcher,
	}
}

// OnBook processes one market snapshot: mark-to-market, protective exits,
// exit-readiness, then the entry path. Persistence errors are returned for
// the caller to log; the loop continues on the next tick.
func (e *Engine) OnBook(ctx context.Context, book *model.BinaryMarketBook) error {
	metrics.FeedMessages.Inc()

	e.ledger.UpdateMarketPositions(book.MarketID, book)

	var errs []error
	if err := e.checkStops(ctx, book); err != nil {
		errs = append(errs, err)
	}
	if err := e.checkExits(ctx, book); err != nil {
		errs = append(errs, err)
	}
	if err := e.tryEnter(ctx, book); err != nil {
		errs = append(errs, err)
	}

	metrics.OpenPositions.Set(float64(len(e.ledger.ActivePositions())))
	return errors.Join(errs...)
}

// checkStops evaluates stop rules against the current best bids and closes
// every protected position in a market whose rules fired.
func (e *Engine) checkStops(ctx context.Context, book *model.BinaryMarketBook) error {
	prices := make(map[string]decimal.Decimal, 2)
	if bid, ok := book.YesBook.BestBid(); ok {
		prices["YES"] = bid.Price
	}
	if bid, ok := book.NoBook.BestBid(); ok {
		prices["NO"] = bid.Price
	}
	if len(prices) == 0 {
		return nil
	}

	triggered := e.stops.Evaluate(book.MarketID, prices)
	if len(triggered) == 0 {
		return nil
	}

	yesBid, noBid, _, ok := book.ExitValue()
	if !ok {
		// One leg has no bid; an exit needs both. Hold until liquidity returns.
		slog.Warn("stop triggered but book has no exit value",
			"market", book.MarketID)
		return nil
	}

	for _, r := range triggered {
		metrics.StopLossTriggers.WithLabelValues(string(r.StopType)).Inc()
		slog.Warn("stop loss triggered",
			"market", r.MarketID,
			"outcome", r.OutcomeID,
			"type", string(r.StopType),
		)
	}

	var errs []error
	for _, p := range e.ledger.MarketPositions(book.MarketID) {
		if p.IsClosed() {
			continue
		}
		if err := e.ledger.ClosePositionExit(ctx, p.ID, yesBid, noBid); err != nil {
			errs = append(errs, err)
			continue
		}
		closed, _ := e.ledger.Get(p.ID)
		metrics.PositionsClosed.WithLabelValues("stop_loss").Inc()
		if err := e.recordClose(ctx, closed); err != nil {
			errs = append(errs, err)
		}
		e.dispatcher.Dispatch(ctx, signal.Signal{
			Type:       signal.TypeStopLoss,
			MarketID:   p.MarketID,
			PositionID: p.ID,
			YesPrice:   yesBid,
			NoPrice:    noBid,
			PnL:        derefPnL(closed.RealizedPnL),
			Reason:     string(triggered[0].StopType),
			Timestamp:  book.Timestamp,
		})
	}
	e.stops.RemoveMarket(book.MarketID)
	return errors.Join(errs...)
}

// checkExits flags exit-ready positions and signals the executor.
func (e *Engine) checkExits(ctx context.Context, book *model.BinaryMarketBook) error {
	ready, err := e.ledger.CheckExitOpportunities(ctx, book.MarketID, book)
	for _, id := range ready {
		yesBid, noBid, _, _ := book.ExitValue()
		e.dispatcher.Dispatch(ctx, signal.Signal{
			Type:       signal.TypeExitReady,
			MarketID:   book.MarketID,
			PositionID: id,
			YesPrice:   yesBid,
			NoPrice:    noBid,
			Timestamp:  book.Timestamp,
		})
	}
	if err != nil {
		return fmt.Errorf("exit check %s: %w", book.MarketID, err)
	}
	return nil
}

// tryEnter runs the entry path: detect, gate on the breaker and the
// one-position-per-market rule, create the position and its stop rules.
func (e *Engine) tryEnter(ctx context.Context, book *model.BinaryMarketBook) error {
	opp := detector.Calculate(book, e.cfg.FeeRate)
	if opp == nil || !opp.IsProfitable() {
		return nil
	}
	metrics.OpportunitiesDetected.Inc()

	if e.ledger.HasOpenPosition(book.MarketID) {
		return nil
	}

	allowed, reason := e.breaker.CanOpenPosition(ctx)
	if !allowed {
		slog.Info("entry blocked by circuit breaker",
			"market", book.MarketID,
			"reason", string(reason),
		)
		return nil
	}

	p, err := e.ledger.CreatePosition(ctx, opp, e.cfg.OrderQuantity, e.cfg.ExitStrategy)
	if err != nil {
		return fmt.Errorf("entry %s: %w", book.MarketID, err)
	}
	metrics.PositionsCreated.WithLabelValues(string(p.ExitStrategy)).Inc()

	e.addStopRules(p)

	e.dispatcher.Dispatch(ctx, signal.Signal{
		Type:       signal.TypeEntry,
		MarketID:   p.MarketID,
		PositionID: p.ID,
		YesPrice:   p.YesEntryPrice,
		NoPrice:    p.NoEntryPrice,
		PnL:        opp.NetProfit.Mul(p.Quantity),
		Timestamp:  book.Timestamp,
	})
	return nil
}

// addStopRules registers one rule per leg for a new position. Rules stay
// inactive until the fill is confirmed.
func (e *Engine) addStopRules(p *model.Position) {
	if e.cfg.StopType == "" {
		return
	}

	legs := []struct {
		outcome string
		entry   decimal.Decimal
	}{
		{"YES", p.YesEntryPrice},
		{"NO", p.NoEntryPrice},
	}

	for _, leg := range legs {
		var r *model.StopLossRule
		switch e.cfg.StopType {
		case model.StopFixed:
			r = stoploss.NewFixedRule(p.MarketID, leg.outcome, leg.entry, p.Quantity, e.cfg.StopFloor)
		case model.StopPercentage:
			r = stoploss.NewPercentageRule(p.MarketID, leg.outcome, leg.entry, p.Quantity, e.cfg.StopPct)
		case model.StopTrailing:
			r = stoploss.NewTrailingRule(p.MarketID, leg.outcome, leg.entry, p.Quantity, e.cfg.StopPct)
		default:
			return
		}
		e.stops.AddRule(r)
	}
}

// ConfirmPositionOpen is called by the executor once entry orders fill:
// the position opens and its stop rules arm.
func (e *Engine) ConfirmPositionOpen(ctx context.Context, id string) error {
	if err := e.ledger.MarkPositionOpen(ctx, id); err != nil {
		return err
	}
	if p, ok := e.ledger.Get(id); ok {
		e.stops.ActivateMarket(p.MarketID)
	}
	return nil
}

// ConfirmPositionExit is called by the executor once exit orders fill:
// the position closes at the actual exit prices and the result feeds the
// circuit breaker.
func (e *Engine) ConfirmPositionExit(ctx context.Context, id string, yesExit, noExit decimal.Decimal) error {
	if err := e.ledger.ClosePositionExit(ctx, id, yesExit, noExit); err != nil {
		return err
	}
	p, ok := e.ledger.Get(id)
	if !ok {
		return ledger.ErrPositionNotFound
	}
	metrics.PositionsClosed.WithLabelValues("exit").Inc()
	e.stops.RemoveMarket(p.MarketID)
	return e.recordClose(ctx, p)
}

// ResolveMarket closes every remaining position in a resolved market via
// the resolution path. Closing is always permitted, tripped breaker or not.
func (e *Engine) ResolveMarket(ctx context.Context, marketID string) error {
	var errs []error
	for _, p := range e.ledger.MarketPositions(marketID) {
		if p.IsClosed() {
			continue
		}
		if err := e.ledger.ClosePositionResolution(ctx, p.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		closed, _ := e.ledger.Get(p.ID)
		metrics.PositionsClosed.WithLabelValues("resolution").Inc()
		if err := e.recordClose(ctx, closed); err != nil {
			errs = append(errs, err)
		}
	}
	e.stops.RemoveMarket(marketID)
	return errors.Join(errs...)
}

// recordClose feeds a realized result to the circuit breaker and updates
// the tripped gauge.
func (e *Engine) recordClose(ctx context.Context, p model.Position) error {
	err := e.breaker.RecordTradeResult(ctx, derefPnL(p.RealizedPnL))

	status := e.breaker.Status(ctx)
	if status.Tripped {
		metrics.BreakerTripped.Set(1)
		if !e.wasTripped {
			metrics.BreakerTrips.WithLabelValues(string(status.TripReason)).Inc()
			trippedAt := time.Now().UTC()
			if status.TrippedAt != nil {
				trippedAt = *status.TrippedAt
			}
			e.dispatcher.Dispatch(ctx, signal.Signal{
				Type:      signal.TypeBreakerTrip,
				PnL:       status.DailyPnL,
				Reason:    string(status.TripReason),
				Timestamp: trippedAt,
			})
		}
	} else {
		metrics.BreakerTripped.Set(0)
	}
	e.wasTripped = status.Tripped
	return err
}

func derefPnL(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
