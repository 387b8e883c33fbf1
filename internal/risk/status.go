package risk

import (
	"fmt"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// Status classifies an account or pool against its risk threshold.
type Status int

const (
	// Safe: every ratio is above its margin call threshold.
	Safe Status = iota
	// MarginCall: a ratio is at or below margin call but above stop out.
	MarginCall
	// StopOut: a ratio is at or below stop out; positions must be closed.
	StopOut
)

func (s Status) String() string {
	switch s {
	case Safe:
		return "safe"
	case MarginCall:
		return "margin_call"
	case StopOut:
		return "stop_out"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	for _, v := range []Status{Safe, MarginCall, StopOut} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("risk: unknown status %q", text)
}

func classify(ratio fixed.Fixed, th model.RiskThreshold) Status {
	switch {
	case ratio.LessThanOrEqual(th.StopOut):
		return StopOut
	case ratio.LessThanOrEqual(th.MarginCall):
		return MarginCall
	default:
		return Safe
	}
}

// TraderStatus classifies the trader's current margin level.
func (e *Evaluator) TraderStatus(trader model.TraderID) (Status, fixed.Fixed, error) {
	level, err := e.MarginLevel(trader, nil)
	if err != nil {
		return Safe, fixed.Fixed{}, err
	}
	return classify(level, e.cfg.TraderThreshold), level, nil
}

// PoolStatus classifies the pool by the worse of its ENP and ELL. A pool
// with no liquidity is Safe while idle and StopOut once it backs positions.
func (e *Evaluator) PoolStatus(pool model.PoolID) (Status, error) {
	if e.ledger.PoolLiquidity(pool).IsZero() {
		if len(e.ledger.PositionsByPool(pool)) > 0 {
			return StopOut, nil
		}
		return Safe, nil
	}
	enp, ell, err := e.ENPAndELL(pool, nil)
	if err != nil {
		return Safe, err
	}
	th := e.cfg.PoolThresholds.For(pool)
	return max(classify(enp, th.ENP), classify(ell, th.ELL)), nil
}
