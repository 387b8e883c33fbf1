package risk

import (
	"fmt"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// UnrealizedPL returns the profit or loss of p in the reference currency
// if it were closed now:
//
//	open_price = |leveraged_debits / leveraged_held|
//	pl         = leveraged_held * (close_price - open_price)
//
// Only the P&L is converted out of the quote currency; the principal keeps
// its open-time reference value. A long (held > 0) gains when the price
// rises and a short (held < 0) when it falls, by sign alone.
func (e *Evaluator) UnrealizedPL(p model.Position) (fixed.Fixed, error) {
	openPrice, err := p.LeveragedDebits.CheckedDiv(p.LeveragedHeld)
	if err != nil {
		return fixed.Fixed{}, fmt.Errorf("position %d open price: %w", p.ID, err)
	}
	openPrice = openPrice.SaturatingAbs()

	closePrice, err := e.prices.ClosePrice(p.Pair, p.Leverage)
	if err != nil {
		return fixed.Fixed{}, err
	}

	delta, err := closePrice.CheckedSub(openPrice)
	if err != nil {
		return fixed.Fixed{}, err
	}
	pl, err := p.LeveragedHeld.CheckedMul(delta)
	if err != nil {
		return fixed.Fixed{}, err
	}
	return e.prices.ToReference(p.Pair.Quote, pl)
}

// UnrealizedPLOfTrader sums UnrealizedPL over every position the trader
// holds, across all pools.
func (e *Evaluator) UnrealizedPLOfTrader(trader model.TraderID) (fixed.Fixed, error) {
	positions, err := e.traderPositions(trader)
	if err != nil {
		return fixed.Fixed{}, err
	}
	return e.sum(positions, e.UnrealizedPL)
}

// AccumulatedSwapRate returns the financing accrued by p since it opened:
//
//	(current_index(pair) - open_index) * |leveraged_held|
//
// Each side snapshots the pair index when it opens, so the sign of the
// accrual comes from the index movement, not from the direction of p.
func (e *Evaluator) AccumulatedSwapRate(p model.Position) (fixed.Fixed, error) {
	index, ok := e.cfg.SwapRates[p.Pair]
	if !ok {
		return fixed.Fixed{}, fmt.Errorf("%w: %s", ErrNoSwapRate, p.Pair)
	}
	rate, err := index.CheckedSub(p.OpenAccumulatedSwapRate)
	if err != nil {
		return fixed.Fixed{}, err
	}
	return p.LeveragedHeld.SaturatingAbs().CheckedMul(rate)
}

// AccumulatedSwapRateOfTrader sums AccumulatedSwapRate over every position
// the trader holds.
func (e *Evaluator) AccumulatedSwapRateOfTrader(trader model.TraderID) (fixed.Fixed, error) {
	positions, err := e.traderPositions(trader)
	if err != nil {
		return fixed.Fixed{}, err
	}
	return e.sum(positions, e.AccumulatedSwapRate)
}

func (e *Evaluator) sum(positions []model.Position, value func(model.Position) (fixed.Fixed, error)) (fixed.Fixed, error) {
	total := fixed.Zero()
	for _, p := range positions {
		v, err := value(p)
		if err != nil {
			return fixed.Fixed{}, err
		}
		if total, err = total.CheckedAdd(v); err != nil {
			return fixed.Fixed{}, err
		}
	}
	return total, nil
}
