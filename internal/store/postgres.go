package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/model"
)

// PostgresPositionRepository implements PositionRepository using PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresPositionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresPositionRepository creates a new PostgreSQL-backed repository.
func NewPostgresPositionRepository(pool *pgxpool.Pool) *PostgresPositionRepository {
	return &PostgresPositionRepository{pool: pool}
}

const positionColumns = `id, market_id,
	yes_entry_price::TEXT, no_entry_price::TEXT, quantity::TEXT,
	exit_strategy, state, unrealized_pnl::TEXT, realized_pnl::TEXT,
	created_at, exit_timestamp, yes_exit_price::TEXT, no_exit_price::TEXT`

func (r *PostgresPositionRepository) Insert(ctx context.Context, p *model.Position) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO positions (id, market_id, yes_entry_price, no_entry_price, quantity,
		                        exit_strategy, state, unrealized_pnl, realized_pnl,
		                        created_at, exit_timestamp, yes_exit_price, no_exit_price)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC,
		         $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12::NUMERIC, $13::NUMERIC)`,
		p.ID, p.MarketID,
		p.YesEntryPrice.String(), p.NoEntryPrice.String(), p.Quantity.String(),
		string(p.ExitStrategy), string(p.State), p.UnrealizedPnL.String(),
		decimalPtrString(p.RealizedPnL),
		p.CreatedAt, p.ExitTimestamp,
		decimalPtrString(p.YesExitPrice), decimalPtrString(p.NoExitPrice),
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (r *PostgresPositionRepository) Update(ctx context.Context, p *model.Position) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE positions
		 SET state = $2, unrealized_pnl = $3::NUMERIC, realized_pnl = $4::NUMERIC,
		     exit_timestamp = $5, yes_exit_price = $6::NUMERIC, no_exit_price = $7::NUMERIC
		 WHERE id = $1`,
		p.ID, string(p.State), p.UnrealizedPnL.String(),
		decimalPtrString(p.RealizedPnL),
		p.ExitTimestamp,
		decimalPtrString(p.YesExitPrice), decimalPtrString(p.NoExitPrice),
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	return nil
}

func (r *PostgresPositionRepository) Get(ctx context.Context, id string) (*model.Position, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (r *PostgresPositionRepository) GetActive(ctx context.Context) ([]model.Position, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE state <> 'closed' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var yesEntry, noEntry, qty, unrealized string
	var strategy, state string
	var realized, yesExit, noExit *string

	if err := row.Scan(&p.ID, &p.MarketID,
		&yesEntry, &noEntry, &qty,
		&strategy, &state, &unrealized, &realized,
		&p.CreatedAt, &p.ExitTimestamp, &yesExit, &noExit); err != nil {
		return nil, err
	}

	p.YesEntryPrice, _ = decimal.NewFromString(yesEntry)
	p.NoEntryPrice, _ = decimal.NewFromString(noEntry)
	p.Quantity, _ = decimal.NewFromString(qty)
	p.UnrealizedPnL, _ = decimal.NewFromString(unrealized)
	p.ExitStrategy = model.ExitStrategy(strategy)
	p.State = model.PositionState(state)
	p.RealizedPnL = decimalFromPtr(realized)
	p.YesExitPrice = decimalFromPtr(yesExit)
	p.NoExitPrice = decimalFromPtr(noExit)

	return &p, nil
}

// PostgresBreakerRepository implements BreakerRepository using a singleton
// row (id=1) that is upserted on every save.
type PostgresBreakerRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresBreakerRepository creates a new PostgreSQL-backed repository.
func NewPostgresBreakerRepository(pool *pgxpool.Pool) *PostgresBreakerRepository {
	return &PostgresBreakerRepository{pool: pool}
}

func (r *PostgresBreakerRepository) Load(ctx context.Context) (*model.CircuitBreakerState, error) {
	var s model.CircuitBreakerState
	var reason string
	var dailyPnL, peakValue, currentValue string
	var lastReset time.Time

	err := r.pool.QueryRow(ctx,
		`SELECT tripped, trip_reason, tripped_at, resume_at,
		        daily_pnl::TEXT, peak_value::TEXT, current_value::TEXT,
		        consecutive_losses, trips_today, last_reset_date
		 FROM circuit_breaker WHERE id = 1`).
		Scan(&s.Tripped, &reason, &s.TrippedAt, &s.ResumeAt,
			&dailyPnL, &peakValue, &currentValue,
			&s.ConsecutiveLosses, &s.TripsToday, &lastReset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load breaker state: %w", err)
	}

	s.TripReason = model.TripReason(reason)
	s.DailyPnL, _ = decimal.NewFromString(dailyPnL)
	s.PeakValue, _ = decimal.NewFromString(peakValue)
	s.CurrentValue, _ = decimal.NewFromString(currentValue)
	s.LastResetDate = lastReset

	return &s, nil
}

func (r *PostgresBreakerRepository) Save(ctx context.Context, s *model.CircuitBreakerState) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO circuit_breaker (id, tripped, trip_reason, tripped_at, resume_at,
		                              daily_pnl, peak_value, current_value,
		                              consecutive_losses, trips_today, last_reset_date)
		 VALUES (1, $1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE
		 SET tripped = $1, trip_reason = $2, tripped_at = $3, resume_at = $4,
		     daily_pnl = $5::NUMERIC, peak_value = $6::NUMERIC, current_value = $7::NUMERIC,
		     consecutive_losses = $8, trips_today = $9, last_reset_date = $10`,
		s.Tripped, string(s.TripReason), s.TrippedAt, s.ResumeAt,
		s.DailyPnL.String(), s.PeakValue.String(), s.CurrentValue.String(),
		s.ConsecutiveLosses, s.TripsToday, s.LastResetDate,
	)
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decimalFromPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, _ := decimal.NewFromString(*s)
	return &d
}
