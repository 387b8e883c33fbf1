// Package risk is the margin engine's computational core: position
// valuation, trader margin accounts, liquidity pool solvency and the
// safety gate that accepts or rejects state changes.
//
// An Evaluator is a pure function of its inputs. It is built for one
// evaluation from a Config, a price Source and a read-only Ledger, performs
// no I/O of its own and never mutates the ledger. Every aggregate fails
// fast on the first error; a partial sum would misstate risk.
package risk

import (
	"fmt"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

// Ledger is the read-only view of positions and balances the core
// evaluates against. Index sequences are returned in a stable order and are
// traversed completely.
type Ledger interface {
	Position(id model.PositionID) (model.Position, bool)
	PositionsByTrader(trader model.TraderID) []model.PositionID
	PositionsByPool(pool model.PoolID) []model.PositionID
	Balance(trader model.TraderID) fixed.Balance
	PoolLiquidity(pool model.PoolID) fixed.Balance
}

// Evaluator computes valuations, solvency ratios and gate decisions over
// one ledger snapshot.
type Evaluator struct {
	cfg    Config
	prices *pricing.Resolver
	ledger Ledger
}

// New creates an evaluator. The config is not validated here; validation
// happens when configuration is written (see Config.Validate).
func New(cfg Config, source pricing.Source, ledger Ledger) *Evaluator {
	return &Evaluator{
		cfg:    cfg,
		prices: pricing.NewResolver(source, cfg.Spreads, cfg.Reference),
		ledger: ledger,
	}
}

// Prices exposes the resolver bound to this evaluation.
func (e *Evaluator) Prices() *pricing.Resolver { return e.prices }

func (e *Evaluator) resolve(ids []model.PositionID) ([]model.Position, error) {
	positions := make([]model.Position, 0, len(ids))
	for _, id := range ids {
		p, ok := e.ledger.Position(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

func (e *Evaluator) traderPositions(trader model.TraderID) ([]model.Position, error) {
	return e.resolve(e.ledger.PositionsByTrader(trader))
}

func (e *Evaluator) poolPositions(pool model.PoolID) ([]model.Position, error) {
	return e.resolve(e.ledger.PositionsByPool(pool))
}

// ratio returns num/den, or fixed.Max when den is zero (no exposure is
// infinitely safe).
func ratio(num, den fixed.Fixed) (fixed.Fixed, error) {
	if den.IsZero() {
		return fixed.Max(), nil
	}
	return num.CheckedDiv(den)
}
