package model

import (
	"errors"
	"fmt"
	"regexp"
)

// TradingPair is an ordered (Base, Quote) pair; its price is the number of
// Quote units per one Base unit. Equality is order-sensitive. It encodes
// as the text BASE/QUOTE.
type TradingPair struct {
	Base  CurrencyID
	Quote CurrencyID
}

// pairRegex matches: {BASE}/{QUOTE}
// Example: EUR/JPY
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,8})/([A-Z0-9]{2,8})$`)

var ErrInvalidPair = errors.New("model: invalid trading pair")

// ParsePair parses and validates a pair in BASE/QUOTE form.
func ParsePair(s string) (TradingPair, error) {
	matches := pairRegex.FindStringSubmatch(s)
	if matches == nil {
		return TradingPair{}, fmt.Errorf("%w: %s (expected BASE/QUOTE)", ErrInvalidPair, s)
	}
	if matches[1] == matches[2] {
		return TradingPair{}, fmt.Errorf("%w: %s has identical legs", ErrInvalidPair, s)
	}
	return TradingPair{Base: CurrencyID(matches[1]), Quote: CurrencyID(matches[2])}, nil
}

// Inverse returns the pair with base and quote swapped.
func (p TradingPair) Inverse() TradingPair {
	return TradingPair{Base: p.Quote, Quote: p.Base}
}

func (p TradingPair) String() string {
	return string(p.Base) + "/" + string(p.Quote)
}

// MarshalText renders the pair as BASE/QUOTE so it can key JSON maps.
func (p TradingPair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *TradingPair) UnmarshalText(text []byte) error {
	parsed, err := ParsePair(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
