// Package model defines the core domain types shared across the margin
// engine. All monetary values use the fixed package, never float64 for money.
package model

import (
	"errors"
	"fmt"

	"github.com/atmx/margin-engine/internal/fixed"
)

// TraderID identifies a trading account.
type TraderID string

// PoolID identifies a liquidity pool, the counterparty to every position
// opened against it.
type PoolID uint32

// PositionID is the stable arena key of a position.
type PositionID uint64

// CurrencyID identifies a token or fiat currency. The set of valid ids is
// configuration; the constants below are the ones the engine ships with.
type CurrencyID string

const (
	USD CurrencyID = "USD"
	EUR CurrencyID = "EUR"
	JPY CurrencyID = "JPY"
	GBP CurrencyID = "GBP"
	CHF CurrencyID = "CHF"
	AUD CurrencyID = "AUD"
	CAD CurrencyID = "CAD"
	XAU CurrencyID = "XAU"
)

// RiskThreshold is a pair of ratios. A margin level (or pool ratio) at or
// below MarginCall is unsafe; at or below StopOut the account is liquidated.
type RiskThreshold struct {
	MarginCall fixed.Fixed `json:"margin_call"`
	StopOut    fixed.Fixed `json:"stop_out"`
}

var ErrInvalidThreshold = errors.New("model: invalid risk threshold")

// Validate checks that both ratios lie in [0, 1] and StopOut <= MarginCall.
// Called on every configuration write.
func (r RiskThreshold) Validate() error {
	one := fixed.One()
	if r.MarginCall.IsNegative() || r.MarginCall.GreaterThan(one) {
		return fmt.Errorf("%w: margin call %s outside [0, 1]", ErrInvalidThreshold, r.MarginCall)
	}
	if r.StopOut.IsNegative() || r.StopOut.GreaterThan(one) {
		return fmt.Errorf("%w: stop out %s outside [0, 1]", ErrInvalidThreshold, r.StopOut)
	}
	if r.StopOut.GreaterThan(r.MarginCall) {
		return fmt.Errorf("%w: stop out %s above margin call %s", ErrInvalidThreshold, r.StopOut, r.MarginCall)
	}
	return nil
}

// Position is a single leveraged position against a liquidity pool.
//
// Direction lives in the sign of LeveragedHeld (+long, -short) and
// LeveragedDebits carries the opposite sign, so valuation never branches
// on direction. The numeric fields are written once at open and are never
// updated individually afterwards.
type Position struct {
	ID       PositionID  `json:"id"`
	Owner    TraderID    `json:"owner"`
	Pool     PoolID      `json:"pool"`
	Pair     TradingPair `json:"pair"`
	Leverage Leverage    `json:"leverage"`

	// LeveragedHeld is the signed base-currency notional.
	LeveragedHeld fixed.Fixed `json:"leveraged_held"`

	// LeveragedDebits is the signed quote-currency cost basis at open:
	// negative for long (paid), positive for short (received).
	LeveragedDebits fixed.Fixed `json:"leveraged_debits"`

	// LeveragedHeldInReference is the open-time notional converted to the
	// reference currency, signed like LeveragedDebits. Cached so exposure
	// ratios never re-price the principal.
	LeveragedHeldInReference fixed.Fixed `json:"leveraged_held_in_reference"`

	// OpenAccumulatedSwapRate is the pair's swap-rate index at open.
	OpenAccumulatedSwapRate fixed.Fixed `json:"open_accumulated_swap_rate"`

	// OpenMargin is the balance locked by this position until it is closed.
	OpenMargin fixed.Balance `json:"open_margin"`
}
