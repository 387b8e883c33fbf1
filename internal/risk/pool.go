package risk

import (
	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// Solvency is a point-in-time view of a liquidity pool.
type Solvency struct {
	Pool        model.PoolID  `json:"pool"`
	Liquidity   fixed.Balance `json:"liquidity"`
	Equity      fixed.Fixed   `json:"equity"`
	NetPosition fixed.Fixed   `json:"net_position"`
	ENP         fixed.Fixed   `json:"enp"`
	ELL         fixed.Fixed   `json:"ell"`
	Positions   int           `json:"positions"`
}

// EquityOfPool returns liquidity - sum(unrealized P&L) - sum(accumulated
// swap) over every position opened against the pool. The pool is the
// counterparty of each position, so its P&L is the traders' negated.
func (e *Evaluator) EquityOfPool(pool model.PoolID) (fixed.Fixed, error) {
	return e.equityOfPool(pool, fixed.Balance{})
}

func (e *Evaluator) equityOfPool(pool model.PoolID, withdrawal fixed.Balance) (fixed.Fixed, error) {
	liquidity, err := e.ledger.PoolLiquidity(pool).CheckedSub(withdrawal)
	if err != nil {
		return fixed.Fixed{}, err
	}
	equity, err := liquidity.Fixed()
	if err != nil {
		return fixed.Fixed{}, err
	}

	positions, err := e.poolPositions(pool)
	if err != nil {
		return fixed.Fixed{}, err
	}
	pl, err := e.sum(positions, e.UnrealizedPL)
	if err != nil {
		return fixed.Fixed{}, err
	}
	swap, err := e.sum(positions, e.AccumulatedSwapRate)
	if err != nil {
		return fixed.Fixed{}, err
	}
	if equity, err = equity.CheckedSub(pl); err != nil {
		return fixed.Fixed{}, err
	}
	return equity.CheckedSub(swap)
}

// ENPAndELL returns the pool's Equity-to-Net-Position and
// Equity-to-Liquidity ratios, counting hypothetical as opened when it is
// non-nil.
//
//	ENP = equity / |sum(signed leveraged held in reference)|
//	ELL = equity / liquidity
//
// ELL is measured against the pool's whole liquidity, not against either
// side of its exposure. Opposite positions offset in the net position. A
// zero net position gives ENP = fixed.Max; zero liquidity is a
// precondition failure and surfaces as fixed.ErrNumOutOfBound.
func (e *Evaluator) ENPAndELL(pool model.PoolID, hypothetical *model.Position) (enp, ell fixed.Fixed, err error) {
	s, err := e.solvency(pool, hypothetical, fixed.Balance{}, false)
	return s.ENP, s.ELL, err
}

// ENPAndELLAfterWithdraw returns the ratios as they would be after amount
// of liquidity left the pool. Withdrawing more than the liquidity is
// fixed.ErrNumOutOfBound.
func (e *Evaluator) ENPAndELLAfterWithdraw(pool model.PoolID, amount fixed.Balance) (enp, ell fixed.Fixed, err error) {
	s, err := e.solvency(pool, nil, amount, false)
	return s.ENP, s.ELL, err
}

// Solvency assembles the pool's full solvency view. A pool without
// liquidity reports ELL as zero instead of failing.
func (e *Evaluator) Solvency(pool model.PoolID) (Solvency, error) {
	return e.solvency(pool, nil, fixed.Balance{}, true)
}

func (e *Evaluator) solvency(pool model.PoolID, hypothetical *model.Position, withdrawal fixed.Balance, zeroELL bool) (Solvency, error) {
	liquidity, err := e.ledger.PoolLiquidity(pool).CheckedSub(withdrawal)
	if err != nil {
		return Solvency{}, err
	}
	equity, err := e.equityOfPool(pool, withdrawal)
	if err != nil {
		return Solvency{}, err
	}

	positions, err := e.poolPositions(pool)
	if err != nil {
		return Solvency{}, err
	}
	if hypothetical != nil {
		positions = append(positions, *hypothetical)
	}
	net := fixed.Zero()
	for _, p := range positions {
		if net, err = net.CheckedAdd(p.LeveragedHeldInReference); err != nil {
			return Solvency{}, err
		}
	}

	enp, err := ratio(equity, net.SaturatingAbs())
	if err != nil {
		return Solvency{}, err
	}
	liq, err := liquidity.Fixed()
	if err != nil {
		return Solvency{}, err
	}
	ell := fixed.Zero()
	if !zeroELL || !liq.IsZero() {
		if ell, err = equity.CheckedDiv(liq); err != nil {
			return Solvency{}, err
		}
	}

	return Solvency{
		Pool:        pool,
		Liquidity:   liquidity,
		Equity:      equity,
		NetPosition: net,
		ENP:         enp,
		ELL:         ell,
		Positions:   len(positions),
	}, nil
}
