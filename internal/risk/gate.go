package risk

import (
	"fmt"
	"slices"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// EnsureTraderSafe rejects when the trader's margin level is at or below
// the margin call threshold. With a hypothetical position the rejection is
// ErrTraderWouldBeUnsafe (the operation would endanger the account),
// without one it is ErrUnsafeTrader (it already is). Equality is unsafe.
func (e *Evaluator) EnsureTraderSafe(trader model.TraderID, hypothetical *model.Position) error {
	level, err := e.MarginLevel(trader, hypothetical)
	if err != nil {
		return err
	}
	threshold := e.cfg.traderThreshold(hypothetical)
	if level.LessThanOrEqual(threshold.MarginCall) {
		if hypothetical != nil {
			return fmt.Errorf("%w: margin level %s <= %s", ErrTraderWouldBeUnsafe, level, threshold.MarginCall)
		}
		return fmt.Errorf("%w: margin level %s <= %s", ErrUnsafeTrader, level, threshold.MarginCall)
	}
	return nil
}

// EnsurePoolSafe rejects when either ENP or ELL is at or below its
// threshold, regardless of the other ratio.
func (e *Evaluator) EnsurePoolSafe(pool model.PoolID, hypothetical *model.Position) error {
	enp, ell, err := e.ENPAndELL(pool, hypothetical)
	if err != nil {
		return err
	}
	rejection := ErrUnsafePool
	if hypothetical != nil {
		rejection = ErrPoolWouldBeUnsafe
	}
	return e.checkPool(pool, enp, ell, rejection)
}

// EnsurePoolCanWithdraw rejects a liquidity withdrawal that would leave
// the pool at or below either threshold. Draining a pool to zero is allowed
// only when no position is open against it, since ELL is undefined there.
func (e *Evaluator) EnsurePoolCanWithdraw(pool model.PoolID, amount fixed.Balance) error {
	remaining, err := e.ledger.PoolLiquidity(pool).CheckedSub(amount)
	if err != nil {
		return err
	}
	if remaining.IsZero() {
		if n := len(e.ledger.PositionsByPool(pool)); n > 0 {
			return fmt.Errorf("%w: pool %d would have no liquidity behind %d positions", ErrPoolWouldBeUnsafe, pool, n)
		}
		return nil
	}
	enp, ell, err := e.ENPAndELLAfterWithdraw(pool, amount)
	if err != nil {
		return err
	}
	return e.checkPool(pool, enp, ell, ErrPoolWouldBeUnsafe)
}

func (e *Evaluator) checkPool(pool model.PoolID, enp, ell fixed.Fixed, rejection error) error {
	th := e.cfg.PoolThresholds.For(pool)
	if enp.LessThanOrEqual(th.ENP.MarginCall) {
		return fmt.Errorf("%w: pool %d ENP %s <= %s", rejection, pool, enp, th.ENP.MarginCall)
	}
	if ell.LessThanOrEqual(th.ELL.MarginCall) {
		return fmt.Errorf("%w: pool %d ELL %s <= %s", rejection, pool, ell, th.ELL.MarginCall)
	}
	return nil
}

// EnsureTraderCanWithdraw rejects a balance withdrawal larger than the
// free balance, or one that would drop the margin level to or below the
// margin call threshold.
func (e *Evaluator) EnsureTraderCanWithdraw(trader model.TraderID, amount fixed.Balance) error {
	free, err := e.FreeBalance(trader)
	if err != nil {
		return err
	}
	if amount.GreaterThan(free) {
		return fmt.Errorf("%w: requested %s, free %s", ErrInsufficientFreeBalance, amount, free)
	}

	withdrawal, err := amount.Fixed()
	if err != nil {
		return err
	}
	level, err := e.marginLevel(trader, nil, withdrawal)
	if err != nil {
		return err
	}
	threshold := e.cfg.TraderThreshold
	if level.LessThanOrEqual(threshold.MarginCall) {
		return fmt.Errorf("%w: margin level %s <= %s after withdrawal", ErrTraderWouldBeUnsafe, level, threshold.MarginCall)
	}
	return nil
}

// EnsureTradingAllowed rejects a new position the pool does not offer:
// its pair or leverage is disabled there, or its exposure in the reference
// currency is below the pool's minimum.
func (e *Evaluator) EnsureTradingAllowed(p *model.Position) error {
	t := e.cfg.Trading[p.Pool]
	if t.Pairs != nil {
		levs, ok := t.Pairs[p.Pair]
		if !ok {
			return fmt.Errorf("%w: pool %d does not trade %s", ErrTradingNotAllowed, p.Pool, p.Pair)
		}
		if len(levs) > 0 && !slices.Contains(levs, p.Leverage) {
			return fmt.Errorf("%w: pool %d does not offer %s on %s", ErrTradingNotAllowed, p.Pool, p.Leverage, p.Pair)
		}
	}

	minimum := e.cfg.MinLeveragedAmount
	if t.MinLeveragedAmount.IsPositive() {
		minimum = t.MinLeveragedAmount
	}
	if amount := p.LeveragedHeldInReference.SaturatingAbs(); minimum.IsPositive() && amount.LessThan(minimum) {
		return fmt.Errorf("%w: %s below pool %d minimum %s", ErrTradingNotAllowed, amount, p.Pool, minimum)
	}
	return nil
}
