package model

import (
	"errors"
	"fmt"
)

// Leverage is a direction and a multiplier in one value: positive for
// long, negative for short.
type Leverage int8

const (
	LongTwo     Leverage = 2
	LongThree   Leverage = 3
	LongFive    Leverage = 5
	LongTen     Leverage = 10
	LongTwenty  Leverage = 20
	LongThirty  Leverage = 30
	LongFifty   Leverage = 50
	ShortTwo    Leverage = -2
	ShortThree  Leverage = -3
	ShortFive   Leverage = -5
	ShortTen    Leverage = -10
	ShortTwenty Leverage = -20
	ShortThirty Leverage = -30
	ShortFifty  Leverage = -50
)

var leverageNames = map[Leverage]string{
	LongTwo:     "LongTwo",
	LongThree:   "LongThree",
	LongFive:    "LongFive",
	LongTen:     "LongTen",
	LongTwenty:  "LongTwenty",
	LongThirty:  "LongThirty",
	LongFifty:   "LongFifty",
	ShortTwo:    "ShortTwo",
	ShortThree:  "ShortThree",
	ShortFive:   "ShortFive",
	ShortTen:    "ShortTen",
	ShortTwenty: "ShortTwenty",
	ShortThirty: "ShortThirty",
	ShortFifty:  "ShortFifty",
}

var ErrInvalidLeverage = errors.New("model: invalid leverage")

// ParseLeverage parses a name such as "LongTwenty".
func ParseLeverage(s string) (Leverage, error) {
	for l, name := range leverageNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidLeverage, s)
}

// Valid reports whether l is one of the supported leverages.
func (l Leverage) Valid() bool {
	_, ok := leverageNames[l]
	return ok
}

func (l Leverage) IsLong() bool { return l > 0 }

// Multiplier returns the unsigned leverage factor.
func (l Leverage) Multiplier() int64 {
	if l < 0 {
		return int64(-l)
	}
	return int64(l)
}

func (l Leverage) String() string {
	if name, ok := leverageNames[l]; ok {
		return name
	}
	return fmt.Sprintf("Leverage(%d)", int8(l))
}

func (l Leverage) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLeverage, int8(l))
	}
	return []byte(l.String()), nil
}

func (l *Leverage) UnmarshalText(text []byte) error {
	parsed, err := ParseLeverage(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
