// Package fixed implements the fixed-point numbers used for every amount,
// price and ratio in the margin engine.
//
// A Fixed carries exactly 18 fractional digits and is bounded to the range
// of a signed 128-bit integer of parts, i.e. [-2^127, 2^127-1] x 10^-18.
// Balance is the unsigned counterpart, bounded to [0, 2^128-1] x 10^-18.
//
// Rounding policy: multiplication and division truncate toward zero at the
// 18th fractional digit. The result of every operation is therefore
// identical to integer-parts arithmetic (a*b/10^18, a*10^18/b) and is
// reproducible bit for bit across hosts.
//
// Values are backed by shopspring/decimal, so nothing ever passes through
// float64.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by Fixed and Balance.
const Precision int32 = 18

// ErrNumOutOfBound is returned when an operation would leave the
// representable range, divide by zero, or drive an unsigned value below zero.
var ErrNumOutOfBound = errors.New("fixed: number out of bound")

var (
	maxParts         = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minParts         = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxBalanceParts  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxFixed         = decimal.NewFromBigInt(maxParts, -Precision)
	minFixed         = decimal.NewFromBigInt(minParts, -Precision)
	maxBalance       = decimal.NewFromBigInt(maxBalanceParts, -Precision)
	oneFixedDecimal  = decimal.NewFromInt(1)
	accuracyExponent = -Precision
)

// Fixed is a signed fixed-point number with 18 fractional digits.
// The zero value is 0.
type Fixed struct {
	v decimal.Decimal
}

// Zero returns 0.
func Zero() Fixed { return Fixed{} }

// One returns 1.
func One() Fixed { return Fixed{v: oneFixedDecimal} }

// Max returns the largest representable Fixed. Ratios with no exposure
// (a zero denominator) evaluate to Max.
func Max() Fixed { return Fixed{v: maxFixed} }

// Min returns the smallest representable Fixed.
func Min() Fixed { return Fixed{v: minFixed} }

// FromNatural returns n as a Fixed.
func FromNatural(n int64) Fixed {
	return Fixed{v: decimal.NewFromInt(n)}
}

// FromParts returns the Fixed whose raw 18-digit integer representation
// is parts, so FromParts(1) == 10^-18.
func FromParts(parts int64) Fixed {
	return Fixed{v: decimal.New(parts, accuracyExponent)}
}

// FromRational returns n/d truncated toward zero.
func FromRational(n, d int64) (Fixed, error) {
	return FromNatural(n).CheckedDiv(FromNatural(d))
}

// FromDecimal converts d, truncating digits past the 18th fractional one.
func FromDecimal(d decimal.Decimal) (Fixed, error) {
	return checked(d.Truncate(Precision))
}

// FromString parses a decimal string such as "-1073.55".
func FromString(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Fixed{}, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// RequireFromString is FromString that panics on error. Intended for
// constants and tests.
func RequireFromString(s string) Fixed {
	f, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return f
}

func checked(d decimal.Decimal) (Fixed, error) {
	if d.GreaterThan(maxFixed) || d.LessThan(minFixed) {
		return Fixed{}, ErrNumOutOfBound
	}
	return Fixed{v: d}, nil
}

func saturate(d decimal.Decimal) Fixed {
	if d.GreaterThan(maxFixed) {
		return Max()
	}
	if d.LessThan(minFixed) {
		return Min()
	}
	return Fixed{v: d}
}

// Decimal returns the underlying decimal value.
func (f Fixed) Decimal() decimal.Decimal { return f.v }

// Parts returns the raw integer representation (value x 10^18).
func (f Fixed) Parts() *big.Int { return f.v.Shift(Precision).BigInt() }

// String renders the value without trailing zeros.
func (f Fixed) String() string { return f.v.String() }

// StringFixed renders the value rounded to places fractional digits.
func (f Fixed) StringFixed(places int32) string { return f.v.StringFixed(places) }

func (f Fixed) Sign() int                       { return f.v.Sign() }
func (f Fixed) IsZero() bool                    { return f.v.IsZero() }
func (f Fixed) IsPositive() bool                { return f.v.IsPositive() }
func (f Fixed) IsNegative() bool                { return f.v.IsNegative() }
func (f Fixed) Cmp(o Fixed) int                 { return f.v.Cmp(o.v) }
func (f Fixed) Equal(o Fixed) bool              { return f.v.Equal(o.v) }
func (f Fixed) LessThan(o Fixed) bool           { return f.v.LessThan(o.v) }
func (f Fixed) LessThanOrEqual(o Fixed) bool    { return f.v.LessThanOrEqual(o.v) }
func (f Fixed) GreaterThan(o Fixed) bool        { return f.v.GreaterThan(o.v) }
func (f Fixed) GreaterThanOrEqual(o Fixed) bool { return f.v.GreaterThanOrEqual(o.v) }

// CheckedAdd returns f+o or ErrNumOutOfBound.
func (f Fixed) CheckedAdd(o Fixed) (Fixed, error) { return checked(f.v.Add(o.v)) }

// CheckedSub returns f-o or ErrNumOutOfBound.
func (f Fixed) CheckedSub(o Fixed) (Fixed, error) { return checked(f.v.Sub(o.v)) }

// CheckedMul returns f*o truncated toward zero, or ErrNumOutOfBound.
func (f Fixed) CheckedMul(o Fixed) (Fixed, error) {
	return checked(f.v.Mul(o.v).Truncate(Precision))
}

// CheckedDiv returns f/o truncated toward zero. Division by zero is
// ErrNumOutOfBound.
func (f Fixed) CheckedDiv(o Fixed) (Fixed, error) {
	if o.v.IsZero() {
		return Fixed{}, ErrNumOutOfBound
	}
	q, _ := f.v.QuoRem(o.v, Precision)
	return checked(q)
}

// CheckedNeg returns -f; only Min has no negation.
func (f Fixed) CheckedNeg() (Fixed, error) { return checked(f.v.Neg()) }

// SaturatingAdd returns f+o clamped to [Min, Max].
func (f Fixed) SaturatingAdd(o Fixed) Fixed { return saturate(f.v.Add(o.v)) }

// SaturatingSub returns f-o clamped to [Min, Max].
func (f Fixed) SaturatingSub(o Fixed) Fixed { return saturate(f.v.Sub(o.v)) }

// SaturatingMul returns f*o truncated and clamped to [Min, Max].
func (f Fixed) SaturatingMul(o Fixed) Fixed {
	return saturate(f.v.Mul(o.v).Truncate(Precision))
}

// SaturatingAbs returns |f|; |Min| saturates to Max.
func (f Fixed) SaturatingAbs() Fixed { return saturate(f.v.Abs()) }

// MarshalJSON encodes the value as a quoted decimal string.
func (f Fixed) MarshalJSON() ([]byte, error) { return f.v.MarshalJSON() }

// UnmarshalJSON accepts a quoted or bare decimal number.
func (f *Fixed) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*f = v
	return nil
}
