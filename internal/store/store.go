// Package store defines the persistence interface for the margin ledger:
// the position arena, trader balances and pool liquidity.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// snapshot cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// ErrNotFound is returned when a position does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Snapshot returns a consistent, immutable copy of the whole ledger.
	// The risk core evaluates against it; it never sees a torn read.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// FreshSnapshot is Snapshot read from the source of truth, skipping
	// any cache. Check-then-commit operations gate against it.
	FreshSnapshot(ctx context.Context) (*Snapshot, error)

	// GetPosition retrieves a single position by id.
	GetPosition(ctx context.Context, id model.PositionID) (model.Position, error)

	// Apply commits every change in the batch atomically. Opened
	// positions get their ids assigned here, returned in batch order.
	Apply(ctx context.Context, batch *Batch) ([]model.PositionID, error)
}

// Batch is one atomic set of ledger changes: the commit half of a
// check-then-commit operation.
type Batch struct {
	Open      []model.Position
	Close     []model.PositionID
	Balances  map[model.TraderID]fixed.Balance
	Liquidity map[model.PoolID]fixed.Balance
}

// SetBalance records the trader's new balance in the batch.
func (b *Batch) SetBalance(trader model.TraderID, amount fixed.Balance) {
	if b.Balances == nil {
		b.Balances = make(map[model.TraderID]fixed.Balance)
	}
	b.Balances[trader] = amount
}

// SetLiquidity records the pool's new liquidity in the batch.
func (b *Batch) SetLiquidity(pool model.PoolID, amount fixed.Balance) {
	if b.Liquidity == nil {
		b.Liquidity = make(map[model.PoolID]fixed.Balance)
	}
	b.Liquidity[pool] = amount
}

// IsEmpty reports whether the batch changes nothing.
func (b *Batch) IsEmpty() bool {
	return len(b.Open) == 0 && len(b.Close) == 0 && len(b.Balances) == 0 && len(b.Liquidity) == 0
}
