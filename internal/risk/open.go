package risk

import (
	"fmt"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// NewPosition prices a position of amount base-currency units (already
// leverage-scaled, always positive) at the current open price. All the
// numeric fields are fixed here, once:
//
//	held         = +amount (long) | -amount (short)
//	debits       = -held * open_price
//	held_in_ref  = debits converted to the reference currency
//	open_margin  = |held_in_ref| / leverage multiplier
//	open_swap    = current swap-rate index of the pair
//
// The result is not stored anywhere; feed it to the gate as the
// hypothetical position and persist it only if the gate accepts.
func (e *Evaluator) NewPosition(owner model.TraderID, pool model.PoolID, pair model.TradingPair, leverage model.Leverage, amount fixed.Fixed) (model.Position, error) {
	if !leverage.Valid() {
		return model.Position{}, fmt.Errorf("%w: %d", model.ErrInvalidLeverage, int8(leverage))
	}
	if !amount.IsPositive() {
		return model.Position{}, ErrInvalidAmount
	}

	held := amount
	if !leverage.IsLong() {
		var err error
		if held, err = amount.CheckedNeg(); err != nil {
			return model.Position{}, err
		}
	}

	price, err := e.prices.OpenPrice(pair, leverage)
	if err != nil {
		return model.Position{}, err
	}
	cost, err := held.CheckedMul(price)
	if err != nil {
		return model.Position{}, err
	}
	debits, err := cost.CheckedNeg()
	if err != nil {
		return model.Position{}, err
	}
	heldInRef, err := e.prices.ToReference(pair.Quote, debits)
	if err != nil {
		return model.Position{}, err
	}
	margin, err := heldInRef.SaturatingAbs().CheckedDiv(fixed.FromNatural(leverage.Multiplier()))
	if err != nil {
		return model.Position{}, err
	}
	openMargin, err := fixed.BalanceFromFixed(margin)
	if err != nil {
		return model.Position{}, err
	}
	openRate, ok := e.cfg.SwapRates[pair]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrNoSwapRate, pair)
	}

	return model.Position{
		Owner:                    owner,
		Pool:                     pool,
		Pair:                     pair,
		Leverage:                 leverage,
		LeveragedHeld:            held,
		LeveragedDebits:          debits,
		LeveragedHeldInReference: heldInRef,
		OpenAccumulatedSwapRate:  openRate,
		OpenMargin:               openMargin,
	}, nil
}

// Realize returns what closing p now settles: unrealized P&L plus
// accumulated swap, in the reference currency. Positive is owed to the
// trader by the pool.
func (e *Evaluator) Realize(p model.Position) (fixed.Fixed, error) {
	pl, err := e.UnrealizedPL(p)
	if err != nil {
		return fixed.Fixed{}, err
	}
	swap, err := e.AccumulatedSwapRate(p)
	if err != nil {
		return fixed.Fixed{}, err
	}
	return pl.CheckedAdd(swap)
}
