package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/breaker"
	"github.com/polyarb/arb-engine/internal/engine"
	"github.com/polyarb/arb-engine/internal/ledger"
	"github.com/polyarb/arb-engine/internal/model"
	"github.com/polyarb/arb-engine/internal/signal"
	"github.com/polyarb/arb-engine/internal/stoploss"
	"github.com/polyarb/arb-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// captureDispatcher records every dispatched signal.
type captureDispatcher struct {
	mu      sync.Mutex
	signals []signal.Signal
}

func (c *captureDispatcher) Dispatch(_ context.Context, sig signal.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
}

func (c *captureDispatcher) byType(t signal.Type) []signal.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []signal.Signal
	for _, s := range c.signals {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

type testEnv struct {
	engine     *engine.Engine
	ledger     *ledger.Ledger
	breaker    *breaker.CircuitBreaker
	dispatcher *captureDispatcher
}

func newTestEnv(t *testing.T, limits breaker.Limits) *testEnv {
	t.Helper()
	l := ledger.New(store.NewMemoryPositionRepository(), d(0.02), d(0.005))

	cb, err := breaker.New(context.Background(), store.NewMemoryBreakerRepository(), limits)
	if err != nil {
		t.Fatalf("failed to create breaker: %v", err)
	}

	dispatcher := &captureDispatcher{}
	e := engine.New(engine.Config{
		FeeRate:       d(0.02),
		OrderQuantity: d(100),
		ExitStrategy:  model.ExitOnCorrection,
		StopType:      model.StopPercentage,
		StopPct:       d(0.20),
	}, l, stoploss.NewEngine(), cb, dispatcher)

	return &testEnv{engine: e, ledger: l, breaker: cb, dispatcher: dispatcher}
}

// bookWith builds a binary book with symmetric one-level sides.
func bookWith(marketID string, yesBid, yesAsk, noBid, noAsk float64) *model.BinaryMarketBook {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	side := func(outcome string, bid, ask float64) model.OrderBook {
		ob := model.OrderBook{MarketID: marketID, OutcomeID: outcome, Timestamp: ts}
		if bid > 0 {
			ob.Bids = []model.PriceLevel{{Price: d(bid), Size: d(500)}}
		}
		if ask > 0 {
			ob.Asks = []model.PriceLevel{{Price: d(ask), Size: d(500)}}
		}
		return ob
	}
	return &model.BinaryMarketBook{
		MarketID:  marketID,
		Timestamp: ts,
		YesBook:   side("YES", yesBid, yesAsk),
		NoBook:    side("NO", noBid, noAsk),
	}
}

func TestOnBook_OpensPositionOnOpportunity(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{Cooldown: time.Hour})
	ctx := context.Background()

	// yes_ask+no_ask = 0.94 → profitable after 2% fee.
	if err := env.engine.OnBook(ctx, bookWith("mkt-1", 0.47, 0.48, 0.45, 0.46)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	positions := env.ledger.MarketPositions("mkt-1")
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].State != model.StatePending {
		t.Errorf("new position should be pending, got %s", positions[0].State)
	}

	entries := env.dispatcher.byType(signal.TypeEntry)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry signal, got %d", len(entries))
	}
	if entries[0].MarketID != "mkt-1" {
		t.Errorf("unexpected market in entry signal: %s", entries[0].MarketID)
	}
}

func TestOnBook_NoStackingPerMarket(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{Cooldown: time.Hour})
	ctx := context.Background()

	book := bookWith("mkt-1", 0.47, 0.48, 0.45, 0.46)
	env.engine.OnBook(ctx, book)
	env.engine.OnBook(ctx, book) // same mispricing again

	if got := len(env.ledger.MarketPositions("mkt-1")); got != 1 {
		t.Errorf("expected 1 position despite repeated opportunity, got %d", got)
	}
}

func TestOnBook_UnprofitableBookIgnored(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{Cooldown: time.Hour})

	env.engine.OnBook(context.Background(), bookWith("mkt-1", 0.50, 0.52, 0.46, 0.48))

	if got := len(env.ledger.MarketPositions("mkt-1")); got != 0 {
		t.Errorf("cost 1.00 should not open a position, got %d", got)
	}
}

func TestOnBook_BreakerBlocksEntry(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{Cooldown: time.Hour})
	ctx := context.Background()

	env.breaker.Trip(ctx, model.TripManual)
	env.engine.OnBook(ctx, bookWith("mkt-1", 0.47, 0.48, 0.45, 0.46))

	if got := len(env.ledger.MarketPositions("mkt-1")); got != 0 {
		t.Errorf("tripped breaker must block entries, got %d positions", got)
	}
}

func TestOnBook_ClosingPermittedWhileTripped(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{Cooldown: time.Hour})
	ctx := context.Background()

	env.engine.OnBook(ctx, bookWith("mkt-1", 0.47, 0.48, 0.45, 0.46))
	p := env.ledger.MarketPositions("mkt-1")[0]
	env.engine.ConfirmPositionOpen(ctx, p.ID)

	env.breaker.Trip(ctx, model.TripMarketConditions)

	if err := env.engine.ConfirmPositionExit(ctx, p.ID, d(0.50), d(0.50)); err != nil {
		t.Fatalf("closing must always be permitted: %v", err)
	}
	got, _ := env.ledger.Get(p.ID)
	if got.State != model.StateClosed {
		t.Errorf("expected closed, got %s", got.State)
	}
}

func TestOnBook_ExitReadySignal(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{Cooldown: time.Hour})
	ctx := context.Background()

	env.engine.OnBook(ctx, bookWith("mkt-1", 0.47, 0.48, 0.45, 0.46))
	p := env.ledger.MarketPositions("mkt-1")[0]
	env.engine.ConfirmPositionOpen(ctx, p.ID)

	// Correction: bids rise to 0.50/0.50, early exit clears the threshold.
	// Asks kept at 1.02 total so no fresh entry fires.
	env.engine.OnBook(ctx, bookWith("mkt-1", 0.50, 0.52, 0.50, 0.50))

	got, _ := env.ledger.Get(p.ID)
	if got.State != model.StateExitReady {
		t.Fatalf("expected exit_ready, got %s", got.State)
	}
	if len(env.dispatcher.byType(signal.TypeExitReady)) != 1 {
		t.Error("expected an exit_ready signal")
	}
}

func TestOnBook_StopLossClosesPosition(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{Cooldown: time.Hour})
	ctx := context.Background()

	env.engine.OnBook(ctx, bookWith("mkt-1", 0.47, 0.48, 0.45, 0.46))
	p := env.ledger.MarketPositions("mkt-1")[0]
	env.engine.ConfirmPositionOpen(ctx, p.ID)

	// YES bid collapses below the 20% stop floor (0.48 × 0.8 = 0.384).
	env.engine.OnBook(ctx, bookWith("mkt-1", 0.30, 0.65, 0.45, 0.55))

	got, _ := env.ledger.Get(p.ID)
	if got.State != model.StateClosed {
		t.Fatalf("stop loss should close the position, got %s", got.State)
	}
	if got.RealizedPnL == nil {
		t.Fatal("expected realized pnl after stop close")
	}
	// (0.30+0.45)×100 − 94 − 4 = -23
	if !got.RealizedPnL.Equal(d(-23)) {
		t.Errorf("expected realized=-23, got %s", got.RealizedPnL)
	}
	if len(env.dispatcher.byType(signal.TypeStopLoss)) != 1 {
		t.Error("expected a stop_loss signal")
	}
}

func TestStopLoss_FeedsBreakerLossStreak(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{MaxConsecutiveLosses: 1, Cooldown: time.Hour})
	ctx := context.Background()

	env.engine.OnBook(ctx, bookWith("mkt-1", 0.47, 0.48, 0.45, 0.46))
	p := env.ledger.MarketPositions("mkt-1")[0]
	env.engine.ConfirmPositionOpen(ctx, p.ID)
	env.engine.OnBook(ctx, bookWith("mkt-1", 0.30, 0.65, 0.45, 0.55))

	// The losing stop close trips the 1-loss limit; new entries are blocked.
	env.engine.OnBook(ctx, bookWith("mkt-2", 0.47, 0.48, 0.45, 0.46))
	if got := len(env.ledger.MarketPositions("mkt-2")); got != 0 {
		t.Errorf("breaker should block entry after loss streak, got %d positions", got)
	}
	if len(env.dispatcher.byType(signal.TypeBreakerTrip)) != 1 {
		t.Error("expected a breaker_trip signal")
	}
}

func TestResolveMarket_ClosesEverything(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{Cooldown: time.Hour})
	ctx := context.Background()

	env.engine.OnBook(ctx, bookWith("mkt-1", 0.47, 0.48, 0.45, 0.46))
	p := env.ledger.MarketPositions("mkt-1")[0]
	env.engine.ConfirmPositionOpen(ctx, p.ID)

	if err := env.engine.ResolveMarket(ctx, "mkt-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := env.ledger.Get(p.ID)
	if got.State != model.StateClosed {
		t.Fatalf("expected closed after resolution, got %s", got.State)
	}
	// Resolution realized for correction-strategy formulas is still the
	// resolution payout: 100 − 94 − 2 = 4.
	if got.RealizedPnL == nil || !got.RealizedPnL.Equal(d(4)) {
		t.Errorf("expected realized=4, got %v", got.RealizedPnL)
	}
}

func TestOnBook_InactiveStopsDoNotFire(t *testing.T) {
	env := newTestEnv(t, breaker.Limits{Cooldown: time.Hour})
	ctx := context.Background()

	env.engine.OnBook(ctx, bookWith("mkt-1", 0.47, 0.48, 0.45, 0.46))
	p := env.ledger.MarketPositions("mkt-1")[0]
	// Fill never confirmed: rules stay disarmed.

	env.engine.OnBook(ctx, bookWith("mkt-1", 0.10, 0.65, 0.45, 0.55))

	got, _ := env.ledger.Get(p.ID)
	if got.State != model.StatePending {
		t.Errorf("unconfirmed position must not be stop-closed, got %s", got.State)
	}
}
