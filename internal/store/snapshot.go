package store

import (
	"cmp"
	"encoding/json"
	"slices"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// Snapshot is an immutable copy of the ledger. It implements risk.Ledger:
// index sequences are ordered by ascending position id, so repeated
// evaluations of one snapshot traverse positions in the same order.
type Snapshot struct {
	positions map[model.PositionID]model.Position
	byTrader  map[model.TraderID][]model.PositionID
	byPool    map[model.PoolID][]model.PositionID
	balances  map[model.TraderID]fixed.Balance
	liquidity map[model.PoolID]fixed.Balance
}

// NewSnapshot builds a snapshot and its trader and pool indices. The
// inputs are copied.
func NewSnapshot(positions []model.Position, balances map[model.TraderID]fixed.Balance, liquidity map[model.PoolID]fixed.Balance) *Snapshot {
	s := &Snapshot{
		positions: make(map[model.PositionID]model.Position, len(positions)),
		byTrader:  make(map[model.TraderID][]model.PositionID),
		byPool:    make(map[model.PoolID][]model.PositionID),
		balances:  make(map[model.TraderID]fixed.Balance, len(balances)),
		liquidity: make(map[model.PoolID]fixed.Balance, len(liquidity)),
	}

	sorted := slices.Clone(positions)
	slices.SortFunc(sorted, byID)
	for _, p := range sorted {
		s.positions[p.ID] = p
		s.byTrader[p.Owner] = append(s.byTrader[p.Owner], p.ID)
		s.byPool[p.Pool] = append(s.byPool[p.Pool], p.ID)
	}
	for k, v := range balances {
		s.balances[k] = v
	}
	for k, v := range liquidity {
		s.liquidity[k] = v
	}
	return s
}

func (s *Snapshot) Position(id model.PositionID) (model.Position, bool) {
	p, ok := s.positions[id]
	return p, ok
}

func (s *Snapshot) PositionsByTrader(trader model.TraderID) []model.PositionID {
	return s.byTrader[trader]
}

func (s *Snapshot) PositionsByPool(pool model.PoolID) []model.PositionID {
	return s.byPool[pool]
}

func (s *Snapshot) Balance(trader model.TraderID) fixed.Balance { return s.balances[trader] }

func (s *Snapshot) PoolLiquidity(pool model.PoolID) fixed.Balance { return s.liquidity[pool] }

// Positions returns every position, ordered by id.
func (s *Snapshot) Positions() []model.Position {
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	slices.SortFunc(out, byID)
	return out
}

// TraderPositions returns the trader's positions, ordered by id.
func (s *Snapshot) TraderPositions(trader model.TraderID) []model.Position {
	ids := s.byTrader[trader]
	out := make([]model.Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.positions[id])
	}
	return out
}

// Len returns the number of open positions.
func (s *Snapshot) Len() int { return len(s.positions) }

func byID(a, b model.Position) int { return cmp.Compare(a.ID, b.ID) }

type snapshotJSON struct {
	Positions []model.Position                 `json:"positions"`
	Balances  map[model.TraderID]fixed.Balance `json:"balances"`
	Liquidity map[model.PoolID]fixed.Balance   `json:"liquidity"`
}

// MarshalJSON encodes the arena and balances; indices are rebuilt on decode.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Positions: s.Positions(),
		Balances:  s.balances,
		Liquidity: s.liquidity,
	})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w snapshotJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = *NewSnapshot(w.Positions, w.Balances, w.Liquidity)
	return nil
}

// Traders returns every trader with a balance or a position, sorted.
func (s *Snapshot) Traders() []model.TraderID {
	seen := make(map[model.TraderID]struct{}, len(s.balances)+len(s.byTrader))
	for t := range s.balances {
		seen[t] = struct{}{}
	}
	for t := range s.byTrader {
		seen[t] = struct{}{}
	}
	out := make([]model.TraderID, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Pools returns every pool with liquidity or a position, sorted.
func (s *Snapshot) Pools() []model.PoolID {
	seen := make(map[model.PoolID]struct{}, len(s.liquidity)+len(s.byPool))
	for p := range s.liquidity {
		seen[p] = struct{}{}
	}
	for p := range s.byPool {
		seen[p] = struct{}{}
	}
	out := make([]model.PoolID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
