package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StopType selects the protective-exit rule variant.
type StopType string

const (
	StopFixed      StopType = "fixed"
	StopPercentage StopType = "percentage"
	StopTrailing   StopType = "trailing"
)

// StopLossRule is a per-outcome protective exit. A rule never triggers
// before Active is set; trailing rules ratchet PeakPrice upward only.
type StopLossRule struct {
	ID         string          `json:"id"`
	MarketID   string          `json:"market_id"`
	OutcomeID  string          `json:"outcome_id"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	StopType   StopType        `json:"stop_type"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty"` // fixed only
	Pct        decimal.Decimal `json:"pct,omitempty"`        // percentage and trailing
	Active     bool            `json:"active"`
	PeakPrice  decimal.Decimal `json:"peak_price,omitempty"` // trailing only
}

// TripReason records why the circuit breaker halted trading.
type TripReason string

const (
	TripNone              TripReason = ""
	TripDailyLossLimit    TripReason = "daily_loss_limit"
	TripMaxDrawdown       TripReason = "max_drawdown"
	TripConsecutiveLosses TripReason = "consecutive_losses"
	TripManual            TripReason = "manual"
	TripConnectivity      TripReason = "connectivity"
	TripMarketConditions  TripReason = "market_conditions"
)

// CircuitBreakerState is the process-wide kill-switch record. Singleton,
// persisted, reset daily at the UTC date boundary (daily fields only —
// PeakValue and CurrentValue track account equity across days).
type CircuitBreakerState struct {
	Tripped           bool            `json:"tripped" db:"tripped"`
	TripReason        TripReason      `json:"trip_reason,omitempty" db:"trip_reason"`
	TrippedAt         *time.Time      `json:"tripped_at,omitempty" db:"tripped_at"`
	ResumeAt          *time.Time      `json:"resume_at,omitempty" db:"resume_at"`
	DailyPnL          decimal.Decimal `json:"daily_pnl" db:"daily_pnl"`
	PeakValue         decimal.Decimal `json:"peak_value" db:"peak_value"`
	CurrentValue      decimal.Decimal `json:"current_value" db:"current_value"`
	ConsecutiveLosses int             `json:"consecutive_losses" db:"consecutive_losses"`
	TripsToday        int             `json:"trips_today" db:"trips_today"`
	LastResetDate     time.Time       `json:"last_reset_date" db:"last_reset_date"`
}
