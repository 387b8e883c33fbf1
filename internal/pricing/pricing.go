// Package pricing turns oracle mid prices into executable prices and
// converts amounts into the reference currency.
//
// The oracle is consulted on every call; nothing here caches a price, and a
// missing price is always an error, never zero.
package pricing

import (
	"errors"
	"fmt"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

// ErrNoPrice is returned when the oracle has no quote for a required pair.
var ErrNoPrice = errors.New("pricing: no price")

var ErrInvalidSpread = errors.New("pricing: invalid spread")

// Source is the price oracle contract: the mid price of pair, in units of
// pair.Quote per pair.Base.
type Source interface {
	Price(pair model.TradingPair) (fixed.Fixed, error)
}

// Spread holds the bid and ask spread as fractions of the mid price.
type Spread struct {
	Bid fixed.Fixed `json:"bid"`
	Ask fixed.Fixed `json:"ask"`
}

// Validate checks that both sides lie in [0, 1) and, when limit is
// positive, do not exceed it.
func (s Spread) Validate(limit fixed.Fixed) error {
	one := fixed.One()
	for _, side := range []struct {
		name string
		v    fixed.Fixed
	}{{"bid", s.Bid}, {"ask", s.Ask}} {
		if side.v.IsNegative() || !side.v.LessThan(one) {
			return fmt.Errorf("%w: %s %s outside [0, 1)", ErrInvalidSpread, side.name, side.v)
		}
		if limit.IsPositive() && side.v.GreaterThan(limit) {
			return fmt.Errorf("%w: %s %s above max spread %s", ErrInvalidSpread, side.name, side.v, limit)
		}
	}
	return nil
}

// SpreadTable is the read-only spread configuration: per-pair overrides
// falling back to Default.
type SpreadTable struct {
	Default Spread                       `json:"default"`
	Pairs   map[model.TradingPair]Spread `json:"pairs,omitempty"`
}

// For returns the spread configured for pair.
func (t SpreadTable) For(pair model.TradingPair) Spread {
	if s, ok := t.Pairs[pair]; ok {
		return s
	}
	return t.Default
}

// Resolver applies spreads to oracle prices. It is stateless beyond its
// read-only inputs and is built per evaluation.
type Resolver struct {
	source    Source
	spreads   SpreadTable
	reference model.CurrencyID
}

// NewResolver creates a resolver pricing into the reference currency.
func NewResolver(source Source, spreads SpreadTable, reference model.CurrencyID) *Resolver {
	return &Resolver{source: source, spreads: spreads, reference: reference}
}

// Reference returns the currency every valuation is expressed in.
func (r *Resolver) Reference() model.CurrencyID { return r.reference }

func (r *Resolver) mid(pair model.TradingPair) (fixed.Fixed, error) {
	price, err := r.source.Price(pair)
	if err != nil {
		return fixed.Fixed{}, fmt.Errorf("price %s: %w", pair, err)
	}
	return price, nil
}

// BidPrice returns mid - mid*bidSpread: the price the pool pays.
func (r *Resolver) BidPrice(pair model.TradingPair) (fixed.Fixed, error) {
	price, err := r.mid(pair)
	if err != nil {
		return fixed.Fixed{}, err
	}
	spread, err := price.CheckedMul(r.spreads.For(pair).Bid)
	if err != nil {
		return fixed.Fixed{}, err
	}
	return price.CheckedSub(spread)
}

// AskPrice returns mid + mid*askSpread: the price the pool charges.
func (r *Resolver) AskPrice(pair model.TradingPair) (fixed.Fixed, error) {
	price, err := r.mid(pair)
	if err != nil {
		return fixed.Fixed{}, err
	}
	spread, err := price.CheckedMul(r.spreads.For(pair).Ask)
	if err != nil {
		return fixed.Fixed{}, err
	}
	return price.CheckedAdd(spread)
}

// OpenPrice is the executable price for opening: long buys at the ask,
// short sells at the bid.
func (r *Resolver) OpenPrice(pair model.TradingPair, leverage model.Leverage) (fixed.Fixed, error) {
	if leverage.IsLong() {
		return r.AskPrice(pair)
	}
	return r.BidPrice(pair)
}

// ClosePrice is the opposite side of the spread from OpenPrice: long sells
// back at the bid, short buys back at the ask.
func (r *Resolver) ClosePrice(pair model.TradingPair, leverage model.Leverage) (fixed.Fixed, error) {
	if leverage.IsLong() {
		return r.BidPrice(pair)
	}
	return r.AskPrice(pair)
}

// ToReference converts amount of currency into the reference currency at
// the mid price. Amounts already in the reference currency pass through.
func (r *Resolver) ToReference(currency model.CurrencyID, amount fixed.Fixed) (fixed.Fixed, error) {
	if currency == r.reference {
		return amount, nil
	}
	price, err := r.mid(model.TradingPair{Base: currency, Quote: r.reference})
	if err != nil {
		return fixed.Fixed{}, err
	}
	return amount.CheckedMul(price)
}
