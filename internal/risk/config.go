package risk

import (
	"errors"
	"fmt"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

// SwapRates is the per-pair accumulated swap-rate index. It is advanced by
// an external accrual process; the core only reads it.
type SwapRates map[model.TradingPair]fixed.Fixed

// PoolThresholds are the independent ENP and ELL thresholds of one pool.
type PoolThresholds struct {
	ENP model.RiskThreshold `json:"enp"`
	ELL model.RiskThreshold `json:"ell"`
}

// PoolThresholdTable holds per-pool overrides falling back to Default.
type PoolThresholdTable struct {
	Default PoolThresholds                  `json:"default"`
	Pools   map[model.PoolID]PoolThresholds `json:"pools,omitempty"`
}

// For returns the thresholds configured for pool.
func (t PoolThresholdTable) For(pool model.PoolID) PoolThresholds {
	if th, ok := t.Pools[pool]; ok {
		return th
	}
	return t.Default
}

// PoolTrading is what one pool offers to traders. Pairs maps each
// enabled pair to its enabled leverages; a nil map enables every pair and
// an empty leverage list enables every leverage. MinLeveragedAmount, when
// positive, replaces the configured default for this pool.
type PoolTrading struct {
	Pairs              map[model.TradingPair][]model.Leverage `json:"pairs,omitempty"`
	MinLeveragedAmount fixed.Fixed                            `json:"min_leveraged_amount"`
}

func (t PoolTrading) validate() error {
	if t.MinLeveragedAmount.IsNegative() {
		return fmt.Errorf("%w: min leveraged amount %s", ErrInvalidAmount, t.MinLeveragedAmount)
	}
	for pair, levs := range t.Pairs {
		for _, l := range levs {
			if !l.Valid() {
				return fmt.Errorf("pair %s: %w: %d", pair, model.ErrInvalidLeverage, int8(l))
			}
		}
	}
	return nil
}

// Config is everything an evaluation reads besides prices and the ledger.
// It is passed explicitly into every evaluation; nothing here is global.
type Config struct {
	Reference       model.CurrencyID                          `json:"reference"`
	Spreads         pricing.SpreadTable                       `json:"spreads"`
	MaxSpread       fixed.Fixed                               `json:"max_spread"`
	SwapRates       SwapRates                                 `json:"swap_rates"`
	TraderThreshold model.RiskThreshold                       `json:"trader_threshold"`
	PairThresholds  map[model.TradingPair]model.RiskThreshold `json:"pair_thresholds,omitempty"`
	PoolThresholds  PoolThresholdTable                        `json:"pool_thresholds"`

	// MinLeveragedAmount is the smallest position, in the reference
	// currency, any pool accepts. Zero disables the check.
	MinLeveragedAmount fixed.Fixed                  `json:"min_leveraged_amount"`
	Trading            map[model.PoolID]PoolTrading `json:"trading,omitempty"`
}

// Validate checks every threshold. Run it whenever configuration is
// written, before it reaches an evaluation.
func (c Config) Validate() error {
	if c.Reference == "" {
		return errors.New("risk: reference currency is required")
	}
	if err := c.TraderThreshold.Validate(); err != nil {
		return fmt.Errorf("trader threshold: %w", err)
	}
	for pair, th := range c.PairThresholds {
		if err := th.Validate(); err != nil {
			return fmt.Errorf("pair %s threshold: %w", pair, err)
		}
	}
	if err := c.PoolThresholds.Default.validate(); err != nil {
		return fmt.Errorf("default pool threshold: %w", err)
	}
	for pool, th := range c.PoolThresholds.Pools {
		if err := th.validate(); err != nil {
			return fmt.Errorf("pool %d threshold: %w", pool, err)
		}
	}
	if c.MaxSpread.IsNegative() {
		return fmt.Errorf("%w: max spread %s", pricing.ErrInvalidSpread, c.MaxSpread)
	}
	if err := c.Spreads.Default.Validate(c.MaxSpread); err != nil {
		return fmt.Errorf("default spread: %w", err)
	}
	for pair, sp := range c.Spreads.Pairs {
		if err := sp.Validate(c.MaxSpread); err != nil {
			return fmt.Errorf("pair %s spread: %w", pair, err)
		}
	}
	if c.MinLeveragedAmount.IsNegative() {
		return fmt.Errorf("%w: min leveraged amount %s", ErrInvalidAmount, c.MinLeveragedAmount)
	}
	for pool, t := range c.Trading {
		if err := t.validate(); err != nil {
			return fmt.Errorf("pool %d trading: %w", pool, err)
		}
	}
	return nil
}

func (t PoolThresholds) validate() error {
	if err := t.ENP.Validate(); err != nil {
		return fmt.Errorf("enp: %w", err)
	}
	if err := t.ELL.Validate(); err != nil {
		return fmt.Errorf("ell: %w", err)
	}
	return nil
}

// traderThreshold returns the threshold the gate applies to a trader. A
// hypothetical position on a pair with its own threshold is held to the
// stricter margin call of the two.
func (c Config) traderThreshold(hypothetical *model.Position) model.RiskThreshold {
	th := c.TraderThreshold
	if hypothetical == nil {
		return th
	}
	if pairTh, ok := c.PairThresholds[hypothetical.Pair]; ok {
		if pairTh.MarginCall.GreaterThan(th.MarginCall) {
			th.MarginCall = pairTh.MarginCall
		}
		if pairTh.StopOut.GreaterThan(th.StopOut) {
			th.StopOut = pairTh.StopOut
		}
	}
	return th
}
