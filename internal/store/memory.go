package store

import (
	"context"
	"sync"

	"github.com/polyarb/arb-engine/internal/model"
)

// MemoryPositionRepository implements PositionRepository with an in-memory
// map. Used for testing and development. Not suitable for production.
type MemoryPositionRepository struct {
	mu        sync.RWMutex
	positions map[string]model.Position

	// FailNext forces the next mutating call to return this error.
	// Lets tests exercise persistence-failure propagation.
	FailNext error
}

// NewMemoryPositionRepository creates a new in-memory repository.
func NewMemoryPositionRepository() *MemoryPositionRepository {
	return &MemoryPositionRepository{
		positions: make(map[string]model.Position),
	}
}

func (r *MemoryPositionRepository) takeFailure() error {
	err := r.FailNext
	r.FailNext = nil
	return err
}

func (r *MemoryPositionRepository) Insert(_ context.Context, p *model.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	r.positions[p.ID] = *p
	return nil
}

func (r *MemoryPositionRepository) Update(_ context.Context, p *model.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	if _, ok := r.positions[p.ID]; !ok {
		return ErrNotFound
	}
	r.positions[p.ID] = *p
	return nil
}

func (r *MemoryPositionRepository) Get(_ context.Context, id string) (*model.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (r *MemoryPositionRepository) GetActive(_ context.Context) ([]model.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []model.Position
	for _, p := range r.positions {
		if !p.IsClosed() {
			active = append(active, p)
		}
	}
	return active, nil
}

// MemoryBreakerRepository implements BreakerRepository in memory.
type MemoryBreakerRepository struct {
	mu    sync.Mutex
	state *model.CircuitBreakerState

	// FailNext forces the next Save to return this error.
	FailNext error
}

// NewMemoryBreakerRepository creates a new in-memory repository.
func NewMemoryBreakerRepository() *MemoryBreakerRepository {
	return &MemoryBreakerRepository{}
}

func (r *MemoryBreakerRepository) Load(_ context.Context) (*model.CircuitBreakerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil, nil
	}
	cp := *r.state
	return &cp, nil
}

func (r *MemoryBreakerRepository) Save(_ context.Context, s *model.CircuitBreakerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailNext; err != nil {
		r.FailNext = nil
		return err
	}
	cp := *s
	r.state = &cp
	return nil
}
