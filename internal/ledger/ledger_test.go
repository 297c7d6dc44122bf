package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/ledger"
	"github.com/polyarb/arb-engine/internal/model"
	"github.com/polyarb/arb-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.MemoryPositionRepository) {
	t.Helper()
	repo := store.NewMemoryPositionRepository()
	l := ledger.New(repo, d(0.02), d(0.005))
	return l, repo
}

// opp builds the reference opportunity: yes=0.48, no=0.46.
func opp() *model.ArbOpportunity {
	return &model.ArbOpportunity{
		MarketID:    "mkt-1",
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		YesAsk:      d(0.48),
		NoAsk:       d(0.46),
		TotalCost:   d(0.94),
		GrossProfit: d(0.06),
		NetProfit:   d(0.0412),
	}
}

// bookAt builds a binary book with the given best bids on both legs.
func bookAt(marketID string, yesBid, noBid float64) *model.BinaryMarketBook {
	ts := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	side := func(outcome string, bid float64) model.OrderBook {
		ob := model.OrderBook{MarketID: marketID, OutcomeID: outcome, Timestamp: ts}
		if bid > 0 {
			ob.Bids = []model.PriceLevel{{Price: d(bid), Size: d(500)}}
			ob.Asks = []model.PriceLevel{{Price: d(bid + 0.02), Size: d(500)}}
		}
		return ob
	}
	return &model.BinaryMarketBook{
		MarketID:  marketID,
		Timestamp: ts,
		YesBook:   side("YES", yesBid),
		NoBook:    side("NO", noBid),
	}
}

func create(t *testing.T, l *ledger.Ledger, strategy model.ExitStrategy) *model.Position {
	t.Helper()
	p, err := l.CreatePosition(context.Background(), opp(), d(100), strategy)
	if err != nil {
		t.Fatalf("failed to create position: %v", err)
	}
	return p
}

// --- Lifecycle tests ---

func TestCreatePosition_StartsPending(t *testing.T) {
	l, repo := newTestLedger(t)
	p := create(t, l, model.ExitOnCorrection)

	if p.State != model.StatePending {
		t.Errorf("expected pending, got %s", p.State)
	}
	if !p.EntryCost().Equal(d(94)) {
		t.Errorf("expected entry_cost=94, got %s", p.EntryCost())
	}

	persisted, err := repo.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("position should be persisted: %v", err)
	}
	if persisted.State != model.StatePending {
		t.Errorf("persisted state should be pending, got %s", persisted.State)
	}
}

func TestLifecycle_ForwardOnly(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := create(t, l, model.ExitOnCorrection)

	if err := l.MarkPositionOpen(ctx, p.ID); err != nil {
		t.Fatalf("pending → open failed: %v", err)
	}
	got, _ := l.Get(p.ID)
	if got.State != model.StateOpen {
		t.Fatalf("expected open, got %s", got.State)
	}

	// Re-opening an open position moves backward — rejected.
	if err := l.MarkPositionOpen(ctx, p.ID); err == nil {
		t.Error("open → open should be rejected")
	}

	if err := l.ClosePositionExit(ctx, p.ID, d(0.50), d(0.50)); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	got, _ = l.Get(p.ID)
	if got.State != model.StateClosed {
		t.Fatalf("expected closed, got %s", got.State)
	}

	// No operation ever moves a closed position to any other state.
	if err := l.MarkPositionOpen(ctx, p.ID); err == nil {
		t.Error("closed → open should be rejected")
	}
	if err := l.MarkPositionClosing(ctx, p.ID); err == nil {
		t.Error("closed → closing should be rejected")
	}
	if err := l.ClosePositionExit(ctx, p.ID, d(0.60), d(0.60)); err != nil {
		t.Errorf("re-closing is a no-op, not an error: %v", err)
	}
	got, _ = l.Get(p.ID)
	if !got.RealizedPnL.Equal(d(2)) {
		t.Errorf("re-close must not change realized pnl, got %s", got.RealizedPnL)
	}
}

// --- Mark-to-market tests ---

func TestUpdateMarketPositions_ExitOnCorrection(t *testing.T) {
	// entry yes=0.48 no=0.46 qty=100 → entry_cost=94
	// at bids 0.50/0.50: (1.00)×100 − 94 − 0.02×2×100 = 2
	l, _ := newTestLedger(t)
	p := create(t, l, model.ExitOnCorrection)

	l.UpdateMarketPositions("mkt-1", bookAt("mkt-1", 0.50, 0.50))

	got, _ := l.Get(p.ID)
	if !got.UnrealizedPnL.Equal(d(2)) {
		t.Errorf("expected unrealized_pnl=2, got %s", got.UnrealizedPnL)
	}
}

func TestUpdateMarketPositions_HoldToResolution(t *testing.T) {
	// Hold-to-resolution marks against the guaranteed $1 return, not bids:
	// 1×100 − 94 − 0.02×100 = 4, regardless of current prices.
	l, _ := newTestLedger(t)
	p := create(t, l, model.HoldToResolution)

	l.UpdateMarketPositions("mkt-1", bookAt("mkt-1", 0.40, 0.40))

	got, _ := l.Get(p.ID)
	if !got.UnrealizedPnL.Equal(d(4)) {
		t.Errorf("expected unrealized_pnl=4, got %s", got.UnrealizedPnL)
	}
}

func TestUpdateMarketPositions_NoExitValueIsNoOp(t *testing.T) {
	l, _ := newTestLedger(t)
	p := create(t, l, model.ExitOnCorrection)

	l.UpdateMarketPositions("mkt-1", bookAt("mkt-1", 0.50, 0)) // NO leg has no bids

	got, _ := l.Get(p.ID)
	if !got.UnrealizedPnL.IsZero() {
		t.Errorf("missing bids must not move pnl, got %s", got.UnrealizedPnL)
	}
}

// --- Exit opportunity tests ---

func TestCheckExitOpportunities_FlagsProfitableExit(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	p := create(t, l, model.ExitOnCorrection)
	l.MarkPositionOpen(ctx, p.ID)

	// potential = 100 − 94 − 4 = 2 ≥ 0.005×100 = 0.5 → exit-ready
	ready, err := l.CheckExitOpportunities(ctx, "mkt-1", bookAt("mkt-1", 0.50, 0.50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ready) != 1 || ready[0] != p.ID {
		t.Fatalf("expected [%s], got %v", p.ID, ready)
	}

	got, _ := l.Get(p.ID)
	if got.State != model.StateExitReady {
		t.Errorf("expected exit_ready, got %s", got.State)
	}
	persisted, _ := repo.Get(ctx, p.ID)
	if persisted.State != model.StateExitReady {
		t.Errorf("exit_ready must be persisted, got %s", persisted.State)
	}
}

func TestCheckExitOpportunities_BelowThreshold(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := create(t, l, model.ExitOnCorrection)
	l.MarkPositionOpen(ctx, p.ID)

	// potential = 0.98×100 − 94 − 4 = 0 < 0.5 → not flagged
	ready, err := l.CheckExitOpportunities(ctx, "mkt-1", bookAt("mkt-1", 0.49, 0.49))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("expected no exit-ready positions, got %v", ready)
	}
}

func TestCheckExitOpportunities_HoldToResolutionNeverFlagged(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := create(t, l, model.HoldToResolution)
	l.MarkPositionOpen(ctx, p.ID)

	ready, err := l.CheckExitOpportunities(ctx, "mkt-1", bookAt("mkt-1", 0.60, 0.60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("hold-to-resolution must never be auto-flagged, got %v", ready)
	}
}

func TestCheckExitOpportunities_PendingNotFlagged(t *testing.T) {
	l, _ := newTestLedger(t)
	create(t, l, model.ExitOnCorrection) // still pending

	ready, err := l.CheckExitOpportunities(context.Background(), "mkt-1", bookAt("mkt-1", 0.60, 0.60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("pending positions must not be flagged, got %v", ready)
	}
}

// --- Close path tests ---

func TestClosePositionExit_FreezesRealizedPnL(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := create(t, l, model.ExitOnCorrection)
	l.MarkPositionOpen(ctx, p.ID)
	l.UpdateMarketPositions("mkt-1", bookAt("mkt-1", 0.50, 0.50))

	if err := l.ClosePositionExit(ctx, p.ID, d(0.50), d(0.50)); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	got, _ := l.Get(p.ID)
	if got.State != model.StateClosed {
		t.Errorf("expected closed, got %s", got.State)
	}
	if got.RealizedPnL == nil || !got.RealizedPnL.Equal(d(2)) {
		t.Errorf("expected realized_pnl=2, got %v", got.RealizedPnL)
	}
	if !got.UnrealizedPnL.IsZero() {
		t.Errorf("unrealized must be zeroed on close, got %s", got.UnrealizedPnL)
	}
	if got.ExitTimestamp == nil {
		t.Error("expected exit_timestamp to be set")
	}
	if got.YesExitPrice == nil || !got.YesExitPrice.Equal(d(0.50)) {
		t.Errorf("expected yes_exit_price=0.50, got %v", got.YesExitPrice)
	}
}

func TestClosePositionResolution_FeeChargedOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	p := create(t, l, model.HoldToResolution)
	l.MarkPositionOpen(ctx, p.ID)

	if err := l.ClosePositionResolution(ctx, p.ID); err != nil {
		t.Fatalf("resolution close failed: %v", err)
	}

	got, _ := l.Get(p.ID)
	if got.RealizedPnL == nil || !got.RealizedPnL.Equal(d(4)) {
		t.Errorf("expected realized_pnl=4, got %v", got.RealizedPnL)
	}
	if got.YesExitPrice != nil || got.NoExitPrice != nil {
		t.Error("resolution close has no exit leg prices")
	}
}

// --- Failure semantics ---

func TestCreatePosition_PersistenceFailurePropagates(t *testing.T) {
	l, repo := newTestLedger(t)
	repo.FailNext = context.DeadlineExceeded

	_, err := l.CreatePosition(context.Background(), opp(), d(100), model.ExitOnCorrection)
	if err == nil {
		t.Fatal("repository failure must propagate")
	}

	// The in-memory mutation is retained until reconciled.
	if !l.HasOpenPosition("mkt-1") {
		t.Error("in-memory position should be retained after persistence failure")
	}

	// ReloadActive reconciles against the repository's view.
	if err := l.ReloadActive(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if l.HasOpenPosition("mkt-1") {
		t.Error("reload should drop the un-persisted position")
	}
}

// --- Query accessors ---

func TestQueryAccessors(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	p1 := create(t, l, model.ExitOnCorrection)
	opp2 := opp()
	opp2.MarketID = "mkt-2"
	p2, err := l.CreatePosition(ctx, opp2, d(50), model.HoldToResolution)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(l.ActivePositions()); got != 2 {
		t.Errorf("expected 2 active positions, got %d", got)
	}
	if got := len(l.MarketPositions("mkt-1")); got != 1 {
		t.Errorf("expected 1 position in mkt-1, got %d", got)
	}
	if !l.HasOpenPosition("mkt-2") {
		t.Error("expected open position in mkt-2")
	}

	l.MarkPositionOpen(ctx, p1.ID)
	l.ClosePositionExit(ctx, p1.ID, d(0.50), d(0.50))

	if got := len(l.ActivePositions()); got != 1 {
		t.Errorf("expected 1 active position after close, got %d", got)
	}
	if l.HasOpenPosition("mkt-1") {
		t.Error("mkt-1 should have no open position after close")
	}
	// Closed positions remain queryable per market; never deleted.
	if got := len(l.MarketPositions("mkt-1")); got != 1 {
		t.Errorf("closed position should remain indexed, got %d", got)
	}

	// Accessors return copies: mutating them must not touch ledger state.
	views := l.MarketPositions("mkt-2")
	views[0].State = model.StateClosed
	if got, _ := l.Get(p2.ID); got.State == model.StateClosed {
		t.Error("accessor views must not alias internal state")
	}
}

func TestTotalUnrealizedPnL(t *testing.T) {
	l, _ := newTestLedger(t)
	create(t, l, model.ExitOnCorrection)
	create(t, l, model.HoldToResolution)

	l.UpdateMarketPositions("mkt-1", bookAt("mkt-1", 0.50, 0.50))

	// 2 (correction) + 4 (resolution) = 6
	if got := l.TotalUnrealizedPnL(); !got.Equal(d(6)) {
		t.Errorf("expected total unrealized=6, got %s", got)
	}
}
