package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/atmx/margin-engine/internal/fixed"
)

func TestParsePair_Valid(t *testing.T) {
	p, err := ParsePair("EUR/JPY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Base != EUR || p.Quote != JPY {
		t.Errorf("got %+v", p)
	}
	if p.String() != "EUR/JPY" {
		t.Errorf("String() = %s", p)
	}
}

func TestParsePair_Invalid(t *testing.T) {
	for _, s := range []string{"", "EURJPY", "eur/jpy", "EUR/", "EUR/EUR", "EUR/JPY/USD"} {
		if _, err := ParsePair(s); !errors.Is(err, ErrInvalidPair) {
			t.Errorf("ParsePair(%q): expected ErrInvalidPair, got %v", s, err)
		}
	}
}

func TestTradingPair_InverseAndEquality(t *testing.T) {
	p := TradingPair{Base: EUR, Quote: USD}
	inv := p.Inverse()
	if inv != (TradingPair{Base: USD, Quote: EUR}) {
		t.Errorf("Inverse() = %v", inv)
	}
	if p == inv {
		t.Error("pair equality must be order-sensitive")
	}
	if inv.Inverse() != p {
		t.Error("double inverse should be identity")
	}
}

func TestTradingPair_JSONMapKey(t *testing.T) {
	in := map[TradingPair]string{{Base: EUR, Quote: USD}: "x"}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"EUR/USD":"x"}` {
		t.Errorf("encoded %s", data)
	}
	var out map[TradingPair]string
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out[TradingPair{Base: EUR, Quote: USD}] != "x" {
		t.Errorf("decoded %v", out)
	}
}

func TestLeverage(t *testing.T) {
	tests := []struct {
		l          Leverage
		long       bool
		multiplier int64
		name       string
	}{
		{LongTwo, true, 2, "LongTwo"},
		{LongTwenty, true, 20, "LongTwenty"},
		{ShortTen, false, 10, "ShortTen"},
		{ShortFifty, false, 50, "ShortFifty"},
	}
	for _, tt := range tests {
		if tt.l.IsLong() != tt.long {
			t.Errorf("%s.IsLong() = %v", tt.name, tt.l.IsLong())
		}
		if tt.l.Multiplier() != tt.multiplier {
			t.Errorf("%s.Multiplier() = %d", tt.name, tt.l.Multiplier())
		}
		if tt.l.String() != tt.name {
			t.Errorf("String() = %s, want %s", tt.l, tt.name)
		}
		parsed, err := ParseLeverage(tt.name)
		if err != nil || parsed != tt.l {
			t.Errorf("ParseLeverage(%s) = %v, %v", tt.name, parsed, err)
		}
	}

	if Leverage(7).Valid() {
		t.Error("7x should not be a supported leverage")
	}
	if _, err := ParseLeverage("LongSeven"); !errors.Is(err, ErrInvalidLeverage) {
		t.Errorf("expected ErrInvalidLeverage, got %v", err)
	}
}

func TestRiskThreshold_Validate(t *testing.T) {
	pct := func(p int64) fixed.Fixed {
		f, _ := fixed.FromRational(p, 100)
		return f
	}
	tests := []struct {
		name    string
		th      RiskThreshold
		wantErr bool
	}{
		{"ordered", RiskThreshold{MarginCall: pct(50), StopOut: pct(20)}, false},
		{"equal", RiskThreshold{MarginCall: pct(30), StopOut: pct(30)}, false},
		{"zero", RiskThreshold{}, false},
		{"full", RiskThreshold{MarginCall: pct(100), StopOut: pct(0)}, false},
		{"stop out above margin call", RiskThreshold{MarginCall: pct(20), StopOut: pct(50)}, true},
		{"margin call above one", RiskThreshold{MarginCall: pct(101), StopOut: pct(0)}, true},
		{"negative stop out", RiskThreshold{MarginCall: pct(10), StopOut: pct(-1)}, true},
	}
	for _, tt := range tests {
		err := tt.th.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidThreshold) {
			t.Errorf("%s: expected ErrInvalidThreshold, got %v", tt.name, err)
		}
	}
}

func TestPosition_JSON(t *testing.T) {
	p := Position{
		ID:              7,
		Owner:           "alice",
		Pool:            1,
		Pair:            TradingPair{Base: EUR, Quote: JPY},
		Leverage:        LongTwenty,
		LeveragedHeld:   fixed.FromNatural(100000),
		LeveragedDebits: fixed.FromNatural(-14104090),
		OpenMargin:      fixed.RequireBalance("65.91"),
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var back Position
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Pair != p.Pair || back.Leverage != LongTwenty || !back.LeveragedDebits.Equal(p.LeveragedDebits) {
		t.Errorf("decoded %+v", back)
	}
}
