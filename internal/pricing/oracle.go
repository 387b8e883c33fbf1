package pricing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
)

var ErrInvalidPrice = errors.New("pricing: invalid price")

// Oracle is an in-memory price feed. It resolves a pair from a direct
// quote, then from the quote of its inverse pair, then as a cross rate
// through the reference currency.
type Oracle struct {
	mu        sync.RWMutex
	reference model.CurrencyID
	quotes    map[model.TradingPair]fixed.Fixed
}

// NewOracle creates an empty feed whose cross rates go through reference.
func NewOracle(reference model.CurrencyID) *Oracle {
	return &Oracle{
		reference: reference,
		quotes:    make(map[model.TradingPair]fixed.Fixed),
	}
}

// SetPrice records the mid price of pair (quote per base). A currency
// priced in itself is always 1 and cannot be set.
func (o *Oracle) SetPrice(pair model.TradingPair, price fixed.Fixed) error {
	if pair.Base == pair.Quote {
		return fmt.Errorf("%w: %s is always 1", ErrInvalidPrice, pair)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidPrice, price)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[pair] = price
	return nil
}

// SetReferencePrice records the price of one unit of currency in the
// reference currency.
func (o *Oracle) SetReferencePrice(currency model.CurrencyID, price fixed.Fixed) error {
	return o.SetPrice(model.TradingPair{Base: currency, Quote: o.reference}, price)
}

// Remove drops the direct quote for pair.
func (o *Oracle) Remove(pair model.TradingPair) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.quotes, pair)
}

// Price implements Source.
func (o *Oracle) Price(pair model.TradingPair) (fixed.Fixed, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if p, ok := o.lookup(pair); ok {
		return p, nil
	}

	// Cross rate: (base in reference) / (quote in reference).
	base, ok := o.lookup(model.TradingPair{Base: pair.Base, Quote: o.reference})
	if !ok {
		return fixed.Fixed{}, ErrNoPrice
	}
	quote, ok := o.lookup(model.TradingPair{Base: pair.Quote, Quote: o.reference})
	if !ok {
		return fixed.Fixed{}, ErrNoPrice
	}
	p, err := base.CheckedDiv(quote)
	if err != nil {
		return fixed.Fixed{}, err
	}
	return p, nil
}

// lookup resolves identity, direct and inverse quotes. Caller holds mu.
func (o *Oracle) lookup(pair model.TradingPair) (fixed.Fixed, bool) {
	if pair.Base == pair.Quote {
		return fixed.One(), true
	}
	if p, ok := o.quotes[pair]; ok {
		return p, true
	}
	if p, ok := o.quotes[pair.Inverse()]; ok {
		inv, err := fixed.One().CheckedDiv(p)
		if err != nil {
			return fixed.Fixed{}, false
		}
		return inv, true
	}
	return fixed.Fixed{}, false
}
