package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    model.PositionID
	positions map[model.PositionID]model.Position
	balances  map[model.TraderID]fixed.Balance
	liquidity map[model.PoolID]fixed.Balance
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[model.PositionID]model.Position),
		balances:  make(map[model.TraderID]fixed.Balance),
		liquidity: make(map[model.PoolID]fixed.Balance),
	}
}

func (s *MemoryStore) Snapshot(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, p)
	}
	return NewSnapshot(positions, s.balances, s.liquidity), nil
}

// FreshSnapshot is Snapshot; there is no cache in front of memory.
func (s *MemoryStore) FreshSnapshot(ctx context.Context) (*Snapshot, error) {
	return s.Snapshot(ctx)
}

func (s *MemoryStore) GetPosition(_ context.Context, id model.PositionID) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return p, nil
}

// Apply checks every close against the arena before touching anything, so
// a batch naming a missing position changes nothing.
func (s *MemoryStore) Apply(_ context.Context, batch *Batch) ([]model.PositionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range batch.Close {
		if _, ok := s.positions[id]; !ok {
			return nil, fmt.Errorf("close position %d: %w", id, ErrNotFound)
		}
	}

	for _, id := range batch.Close {
		delete(s.positions, id)
	}
	ids := make([]model.PositionID, 0, len(batch.Open))
	for _, p := range batch.Open {
		p.ID = s.nextID
		s.nextID++
		s.positions[p.ID] = p
		ids = append(ids, p.ID)
	}
	for trader, amount := range batch.Balances {
		s.balances[trader] = amount
	}
	for pool, amount := range batch.Liquidity {
		s.liquidity[pool] = amount
	}
	return ids, nil
}
