// Package breaker implements the account-level circuit breaker: a fail-safe
// gate that halts new position creation once loss limits are breached.
//
// The breaker is a singleton owned explicitly by its callers (passed by
// handle into the market loop, never ambient global state). A single mutex
// guarantees atomicity of trip-decision + trip-action; contention is low
// since only the market-data loop and the admin surface touch it.
//
// While tripped, only opening is blocked: existing positions continue to be
// marked-to-market and may always be closed.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/model"
	"github.com/polyarb/arb-engine/internal/store"
)

// Limits configures the trip conditions. Zero values disable a limit.
type Limits struct {
	// DailyLossLimit trips when daily P&L falls to -DailyLossLimit or below.
	// Expressed as a positive magnitude.
	DailyLossLimit decimal.Decimal

	// MaxDrawdown trips when (peak - current) / peak reaches this fraction.
	MaxDrawdown decimal.Decimal

	// MaxConsecutiveLosses trips after this many losing closes in a row.
	MaxConsecutiveLosses int

	// Cooldown sets resume_at = tripped_at + Cooldown.
	Cooldown time.Duration

	// RecoveryRequired keeps the breaker tripped past cooldown expiry until
	// an explicit Resume. Secondary gating for operators who want a human
	// in the loop after every halt.
	RecoveryRequired bool
}

// CircuitBreaker tracks daily P&L, drawdown, and loss streaks, and gates
// new position creation.
type CircuitBreaker struct {
	mu     sync.Mutex
	state  model.CircuitBreakerState
	limits Limits
	repo   store.BreakerRepository
	now    func() time.Time
}

// New creates a breaker, restoring persisted state when present.
func New(ctx context.Context, repo store.BreakerRepository, limits Limits) (*CircuitBreaker, error) {
	cb := &CircuitBreaker{
		limits: limits,
		repo:   repo,
		now:    time.Now,
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("breaker: restore state: %w", err)
	}
	if loaded != nil {
		cb.state = *loaded
	} else {
		cb.state.LastResetDate = dateOf(cb.now())
	}
	return cb, nil
}

// SetClock overrides the time source. For tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// CanOpenPosition reports whether new positions may be created. Applies the
// daily reset and cooldown auto-resume before answering. When blocked, the
// returned reason names the active trip cause.
func (cb *CircuitBreaker) CanOpenPosition(ctx context.Context) (bool, model.TripReason) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeDailyReset(ctx)
	cb.maybeAutoResume(ctx)

	if cb.state.Tripped {
		return false, cb.state.TripReason
	}
	return true, model.TripNone
}

// RecordTradeResult folds a realized close P&L into daily P&L, the loss
// streak, and account equity, then evaluates the trip limits.
func (cb *CircuitBreaker) RecordTradeResult(ctx context.Context, pnl decimal.Decimal) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeDailyReset(ctx)

	cb.state.DailyPnL = cb.state.DailyPnL.Add(pnl)
	cb.state.CurrentValue = cb.state.CurrentValue.Add(pnl)
	if cb.state.CurrentValue.GreaterThan(cb.state.PeakValue) {
		cb.state.PeakValue = cb.state.CurrentValue
	}
	if pnl.IsNegative() {
		cb.state.ConsecutiveLosses++
	} else {
		cb.state.ConsecutiveLosses = 0
	}

	cb.evaluateLimits()
	return cb.persist(ctx)
}

// UpdateEquity records a fresh account valuation (realized + unrealized)
// and checks the drawdown limit.
func (cb *CircuitBreaker) UpdateEquity(ctx context.Context, value decimal.Decimal) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeDailyReset(ctx)

	cb.state.CurrentValue = value
	if value.GreaterThan(cb.state.PeakValue) {
		cb.state.PeakValue = value
	}

	cb.evaluateLimits()
	return cb.persist(ctx)
}

// Trip halts trading for an externally observed cause: Manual, Connectivity,
// or MarketConditions. A no-op when already tripped.
func (cb *CircuitBreaker) Trip(ctx context.Context, reason model.TripReason) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeDailyReset(ctx)
	cb.trip(reason)
	return cb.persist(ctx)
}

// Resume re-arms the breaker explicitly, satisfying the recovery condition
// when one is configured.
func (cb *CircuitBreaker) Resume(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.state.Tripped {
		return nil
	}
	cb.rearm()
	slog.Info("circuit breaker resumed manually")
	return cb.persist(ctx)
}

// Status returns a copy of the current state, after applying the daily
// reset and auto-resume.
func (cb *CircuitBreaker) Status(ctx context.Context) model.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeDailyReset(ctx)
	cb.maybeAutoResume(ctx)
	return cb.state
}

// --- internal (callers hold cb.mu) ---

// trip transitions Armed → Tripped. Re-trips while already tripped are
// ignored so a persisting breach cannot double-count trips_today.
func (cb *CircuitBreaker) trip(reason model.TripReason) {
	if cb.state.Tripped {
		return
	}
	now := cb.now()
	resumeAt := now.Add(cb.limits.Cooldown)

	cb.state.Tripped = true
	cb.state.TripReason = reason
	cb.state.TrippedAt = &now
	cb.state.ResumeAt = &resumeAt
	cb.state.TripsToday++

	slog.Warn("circuit breaker tripped",
		"reason", string(reason),
		"daily_pnl", cb.state.DailyPnL.String(),
		"consecutive_losses", cb.state.ConsecutiveLosses,
		"trips_today", cb.state.TripsToday,
		"resume_at", resumeAt,
	)
}

func (cb *CircuitBreaker) rearm() {
	cb.state.Tripped = false
	cb.state.TripReason = model.TripNone
	cb.state.TrippedAt = nil
	cb.state.ResumeAt = nil
}

// evaluateLimits checks every configured limit and trips on the first breach.
func (cb *CircuitBreaker) evaluateLimits() {
	if cb.state.Tripped {
		return
	}

	if cb.limits.DailyLossLimit.IsPositive() &&
		cb.state.DailyPnL.LessThanOrEqual(cb.limits.DailyLossLimit.Neg()) {
		cb.trip(model.TripDailyLossLimit)
		return
	}

	if cb.limits.MaxDrawdown.IsPositive() && cb.state.PeakValue.IsPositive() {
		drawdown := cb.state.PeakValue.Sub(cb.state.CurrentValue).Div(cb.state.PeakValue)
		if drawdown.GreaterThanOrEqual(cb.limits.MaxDrawdown) {
			cb.trip(model.TripMaxDrawdown)
			return
		}
	}

	if cb.limits.MaxConsecutiveLosses > 0 &&
		cb.state.ConsecutiveLosses >= cb.limits.MaxConsecutiveLosses {
		cb.trip(model.TripConsecutiveLosses)
	}
}

// maybeAutoResume re-arms after the cooldown expires, unless recovery mode
// requires an explicit Resume.
func (cb *CircuitBreaker) maybeAutoResume(ctx context.Context) {
	if !cb.state.Tripped || cb.state.ResumeAt == nil {
		return
	}
	if cb.now().Before(*cb.state.ResumeAt) {
		return
	}
	if cb.limits.RecoveryRequired {
		return
	}
	cb.rearm()
	slog.Info("circuit breaker auto-resumed after cooldown")
	if err := cb.persist(ctx); err != nil {
		slog.Error("breaker state persist failed after auto-resume", "err", err)
	}
}

// maybeDailyReset zeroes the daily counters at the first access after the
// UTC date rolls over. Peak and current equity carry across days.
func (cb *CircuitBreaker) maybeDailyReset(ctx context.Context) {
	today := dateOf(cb.now())
	if !today.After(cb.state.LastResetDate) {
		return
	}

	cb.state.DailyPnL = decimal.Zero
	cb.state.ConsecutiveLosses = 0
	cb.state.TripsToday = 0
	cb.state.LastResetDate = today

	slog.Info("circuit breaker daily reset", "date", today.Format("2006-01-02"))
	if err := cb.persist(ctx); err != nil {
		slog.Error("breaker state persist failed after daily reset", "err", err)
	}
}

func (cb *CircuitBreaker) persist(ctx context.Context) error {
	if err := cb.repo.Save(ctx, &cb.state); err != nil {
		return fmt.Errorf("breaker: persist state: %w", err)
	}
	return nil
}

// dateOf truncates a time to its UTC date.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
