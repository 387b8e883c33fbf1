package risk

import (
	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// Account is a point-in-time view of a trader's margin account.
type Account struct {
	Trader          model.TraderID `json:"trader"`
	Balance         fixed.Balance  `json:"balance"`
	MarginHeld      fixed.Balance  `json:"margin_held"`
	FreeBalance     fixed.Balance  `json:"free_balance"`
	UnrealizedPL    fixed.Fixed    `json:"unrealized_pl"`
	AccumulatedSwap fixed.Fixed    `json:"accumulated_swap"`
	Equity          fixed.Fixed    `json:"equity"`
	MarginLevel     fixed.Fixed    `json:"margin_level"`
	Positions       int            `json:"positions"`
}

// MarginHeld returns the margin locked by the trader's open positions.
// No pricing is involved.
func (e *Evaluator) MarginHeld(trader model.TraderID) (fixed.Balance, error) {
	positions, err := e.traderPositions(trader)
	if err != nil {
		return fixed.Balance{}, err
	}
	held := fixed.Balance{}
	for _, p := range positions {
		if held, err = held.CheckedAdd(p.OpenMargin); err != nil {
			return fixed.Balance{}, err
		}
	}
	return held, nil
}

// FreeBalance returns max(balance - margin held, 0). Margin held above the
// balance is a historical commitment, not an overdraft, so it clamps.
func (e *Evaluator) FreeBalance(trader model.TraderID) (fixed.Balance, error) {
	held, err := e.MarginHeld(trader)
	if err != nil {
		return fixed.Balance{}, err
	}
	return e.ledger.Balance(trader).SaturatingSub(held), nil
}

// Equity returns balance + unrealized P&L + accumulated swap.
func (e *Evaluator) Equity(trader model.TraderID) (fixed.Fixed, error) {
	balance, err := e.ledger.Balance(trader).Fixed()
	if err != nil {
		return fixed.Fixed{}, err
	}
	pl, err := e.UnrealizedPLOfTrader(trader)
	if err != nil {
		return fixed.Fixed{}, err
	}
	swap, err := e.AccumulatedSwapRateOfTrader(trader)
	if err != nil {
		return fixed.Fixed{}, err
	}
	equity, err := balance.CheckedAdd(pl)
	if err != nil {
		return fixed.Fixed{}, err
	}
	return equity.CheckedAdd(swap)
}

// MarginLevel returns equity / sum(|leveraged held in reference|) over the
// trader's positions, plus hypothetical when it is non-nil. A hypothetical
// position only adds exposure: it has no P&L at the moment it opens.
// With no exposure at all the level is fixed.Max.
func (e *Evaluator) MarginLevel(trader model.TraderID, hypothetical *model.Position) (fixed.Fixed, error) {
	return e.marginLevel(trader, hypothetical, fixed.Zero())
}

// marginLevel computes the level with equity reduced by withdrawal.
func (e *Evaluator) marginLevel(trader model.TraderID, hypothetical *model.Position, withdrawal fixed.Fixed) (fixed.Fixed, error) {
	equity, err := e.Equity(trader)
	if err != nil {
		return fixed.Fixed{}, err
	}
	if equity, err = equity.CheckedSub(withdrawal); err != nil {
		return fixed.Fixed{}, err
	}

	positions, err := e.traderPositions(trader)
	if err != nil {
		return fixed.Fixed{}, err
	}
	if hypothetical != nil {
		positions = append(positions, *hypothetical)
	}

	exposure := fixed.Zero()
	for _, p := range positions {
		if exposure, err = exposure.CheckedAdd(p.LeveragedHeldInReference.SaturatingAbs()); err != nil {
			return fixed.Fixed{}, err
		}
	}
	return ratio(equity, exposure)
}

// Account assembles the trader's full account view.
func (e *Evaluator) Account(trader model.TraderID) (Account, error) {
	acct := Account{
		Trader:    trader,
		Balance:   e.ledger.Balance(trader),
		Positions: len(e.ledger.PositionsByTrader(trader)),
	}
	var err error
	if acct.MarginHeld, err = e.MarginHeld(trader); err != nil {
		return Account{}, err
	}
	acct.FreeBalance = acct.Balance.SaturatingSub(acct.MarginHeld)
	if acct.UnrealizedPL, err = e.UnrealizedPLOfTrader(trader); err != nil {
		return Account{}, err
	}
	if acct.AccumulatedSwap, err = e.AccumulatedSwapRateOfTrader(trader); err != nil {
		return Account{}, err
	}
	if acct.Equity, err = e.Equity(trader); err != nil {
		return Account{}, err
	}
	if acct.MarginLevel, err = e.MarginLevel(trader, nil); err != nil {
		return Account{}, err
	}
	return acct, nil
}
