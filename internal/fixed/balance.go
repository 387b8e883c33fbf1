package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Balance is an unsigned fixed-point amount with 18 fractional digits:
// account balances, locked margin and pool liquidity.
type Balance struct {
	v decimal.Decimal
}

// BalanceFromNatural returns n as a Balance.
func BalanceFromNatural(n uint64) Balance {
	return Balance{v: decimal.NewFromUint64(n)}
}

// BalanceFromDecimal converts d, truncating past 18 fractional digits.
// Negative values are ErrNumOutOfBound.
func BalanceFromDecimal(d decimal.Decimal) (Balance, error) {
	return checkedBalance(d.Truncate(Precision))
}

// BalanceFromString parses a non-negative decimal string.
func BalanceFromString(s string) (Balance, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Balance{}, fmt.Errorf("fixed: parse balance %q: %w", s, err)
	}
	return BalanceFromDecimal(d)
}

// RequireBalance is BalanceFromString that panics on error.
func RequireBalance(s string) Balance {
	b, err := BalanceFromString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// BalanceFromFixed converts a signed value; negative input is
// ErrNumOutOfBound.
func BalanceFromFixed(f Fixed) (Balance, error) {
	return checkedBalance(f.v)
}

func checkedBalance(d decimal.Decimal) (Balance, error) {
	if d.IsNegative() || d.GreaterThan(maxBalance) {
		return Balance{}, ErrNumOutOfBound
	}
	return Balance{v: d}, nil
}

func (b Balance) Decimal() decimal.Decimal   { return b.v }
func (b Balance) String() string             { return b.v.String() }
func (b Balance) IsZero() bool               { return b.v.IsZero() }
func (b Balance) Cmp(o Balance) int          { return b.v.Cmp(o.v) }
func (b Balance) Equal(o Balance) bool       { return b.v.Equal(o.v) }
func (b Balance) LessThan(o Balance) bool    { return b.v.LessThan(o.v) }
func (b Balance) GreaterThan(o Balance) bool { return b.v.GreaterThan(o.v) }

// Fixed converts to the signed representation. Balances above Max are
// ErrNumOutOfBound.
func (b Balance) Fixed() (Fixed, error) { return checked(b.v) }

// CheckedAdd returns b+o or ErrNumOutOfBound.
func (b Balance) CheckedAdd(o Balance) (Balance, error) { return checkedBalance(b.v.Add(o.v)) }

// CheckedSub returns b-o; a negative result is ErrNumOutOfBound.
func (b Balance) CheckedSub(o Balance) (Balance, error) { return checkedBalance(b.v.Sub(o.v)) }

// SaturatingAdd returns b+o capped at the maximum balance.
func (b Balance) SaturatingAdd(o Balance) Balance {
	s := b.v.Add(o.v)
	if s.GreaterThan(maxBalance) {
		return Balance{v: maxBalance}
	}
	return Balance{v: s}
}

// SaturatingSub returns max(b-o, 0).
func (b Balance) SaturatingSub(o Balance) Balance {
	if o.v.GreaterThanOrEqual(b.v) {
		return Balance{}
	}
	return Balance{v: b.v.Sub(o.v)}
}

// MarshalJSON encodes the value as a quoted decimal string.
func (b Balance) MarshalJSON() ([]byte, error) { return b.v.MarshalJSON() }

// UnmarshalJSON accepts a quoted or bare non-negative decimal number.
func (b *Balance) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := BalanceFromDecimal(d)
	if err != nil {
		return err
	}
	*b = v
	return nil
}
