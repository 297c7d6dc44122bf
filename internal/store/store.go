// Package store defines the persistence interfaces for the arbitrage engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing). Repositories must preserve all fields exactly — decimal
// precision, state strings, timestamps.
package store

import (
	"context"
	"errors"

	"github.com/polyarb/arb-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// PositionRepository persists arbitrage positions. Writes are full-row
// overwrites keyed by position id, so retries are idempotent.
type PositionRepository interface {
	// Insert persists a newly created position.
	Insert(ctx context.Context, p *model.Position) error

	// Update overwrites the persisted row for an existing position.
	Update(ctx context.Context, p *model.Position) error

	// Get retrieves a position by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*model.Position, error)

	// GetActive returns all positions not yet closed.
	GetActive(ctx context.Context) ([]model.Position, error)
}

// BreakerRepository persists the singleton circuit-breaker state.
type BreakerRepository interface {
	// Load returns the persisted state, or (nil, nil) when none exists yet.
	Load(ctx context.Context) (*model.CircuitBreakerState, error)

	// Save overwrites the singleton state row.
	Save(ctx context.Context, state *model.CircuitBreakerState) error
}
