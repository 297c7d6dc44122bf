// Package signal delivers entry/exit/risk notifications to downstream
// consumers. Dispatch is fire-and-forget: a failing dispatcher is logged
// and never blocks or fails the core operation that raised the signal.
package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Type classifies a trading signal.
type Type string

const (
	TypeEntry         Type = "entry"
	TypeExitReady     Type = "exit_ready"
	TypeStopLoss      Type = "stop_loss"
	TypeBreakerTrip   Type = "breaker_trip"
	TypeBreakerResume Type = "breaker_resume"
)

// Signal is one notification: market, prices, P&L, and a free-form reason.
type Signal struct {
	Type       Type            `json:"type"`
	MarketID   string          `json:"market_id,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	YesPrice   decimal.Decimal `json:"yes_price,omitempty"`
	NoPrice    decimal.Decimal `json:"no_price,omitempty"`
	PnL        decimal.Decimal `json:"pnl,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Dispatcher delivers signals to one downstream consumer.
type Dispatcher interface {
	Dispatch(ctx context.Context, sig Signal)
}

// LogDispatcher writes every signal to the structured log. Always available;
// the fallback when no external delivery is configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, sig Signal) {
	slog.Info("signal",
		"type", string(sig.Type),
		"market", sig.MarketID,
		"position", sig.PositionID,
		"pnl", sig.PnL.String(),
		"reason", sig.Reason,
	)
}

// Fanout delivers each signal to every wrapped dispatcher in order.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, sig Signal) {
	for _, d := range f {
		d.Dispatch(ctx, sig)
	}
}
