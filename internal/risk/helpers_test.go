package risk

import (
	"testing"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

const (
	alice    model.TraderID = "alice"
	bob      model.TraderID = "bob"
	mockPool model.PoolID   = 0
)

var (
	eurJPY = model.TradingPair{Base: model.EUR, Quote: model.JPY}
	usdJPY = model.TradingPair{Base: model.USD, Quote: model.JPY}
	eurUSD = model.TradingPair{Base: model.EUR, Quote: model.USD}
)

func fx(s string) fixed.Fixed {
	return fixed.RequireFromString(s)
}

func bal(s string) fixed.Balance {
	return fixed.RequireBalance(s)
}

func pct(p int64) fixed.Fixed {
	f, err := fixed.FromRational(p, 100)
	if err != nil {
		panic(err)
	}
	return f
}

func threshold(marginCall, stopOut int64) model.RiskThreshold {
	return model.RiskThreshold{MarginCall: pct(marginCall), StopOut: pct(stopOut)}
}

// assertNear fails unless got is within tol of want.
func assertNear(t *testing.T, name string, got fixed.Fixed, want, tol string) {
	t.Helper()
	diff := got.SaturatingSub(fx(want)).SaturatingAbs()
	if diff.GreaterThan(fx(tol)) {
		t.Errorf("%s = %s, want %s ± %s", name, got, want, tol)
	}
}

// testLedger is an in-memory Ledger with explicit index order.
type testLedger struct {
	positions map[model.PositionID]model.Position
	byTrader  map[model.TraderID][]model.PositionID
	byPool    map[model.PoolID][]model.PositionID
	balances  map[model.TraderID]fixed.Balance
	liquidity map[model.PoolID]fixed.Balance
}

func newLedger() *testLedger {
	return &testLedger{
		positions: make(map[model.PositionID]model.Position),
		byTrader:  make(map[model.TraderID][]model.PositionID),
		byPool:    make(map[model.PoolID][]model.PositionID),
		balances:  make(map[model.TraderID]fixed.Balance),
		liquidity: make(map[model.PoolID]fixed.Balance),
	}
}

func (l *testLedger) add(id model.PositionID, p model.Position) {
	p.ID = id
	l.positions[id] = p
	l.byTrader[p.Owner] = append(l.byTrader[p.Owner], id)
	l.byPool[p.Pool] = append(l.byPool[p.Pool], id)
}

func (l *testLedger) Position(id model.PositionID) (model.Position, bool) {
	p, ok := l.positions[id]
	return p, ok
}

func (l *testLedger) PositionsByTrader(trader model.TraderID) []model.PositionID {
	return l.byTrader[trader]
}

func (l *testLedger) PositionsByPool(pool model.PoolID) []model.PositionID {
	return l.byPool[pool]
}

func (l *testLedger) Balance(trader model.TraderID) fixed.Balance { return l.balances[trader] }

func (l *testLedger) PoolLiquidity(pool model.PoolID) fixed.Balance { return l.liquidity[pool] }

// testEnv bundles the inputs of one evaluation.
type testEnv struct {
	cfg    Config
	oracle *pricing.Oracle
	ledger *testLedger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		cfg: Config{
			Reference: model.USD,
			Spreads: pricing.SpreadTable{
				Default: pricing.Spread{Bid: fx("0.001"), Ask: fx("0.001")},
			},
			SwapRates:       SwapRates{},
			TraderThreshold: threshold(50, 20),
			PoolThresholds: PoolThresholdTable{
				Default: PoolThresholds{ENP: threshold(50, 20), ELL: threshold(50, 20)},
			},
		},
		oracle: pricing.NewOracle(model.USD),
		ledger: newLedger(),
	}
}

func (env *testEnv) evaluator() *Evaluator {
	return New(env.cfg, env.oracle, env.ledger)
}

func (env *testEnv) price(t *testing.T, pair model.TradingPair, price string) {
	t.Helper()
	if err := env.oracle.SetPrice(pair, fx(price)); err != nil {
		t.Fatal(err)
	}
}

// USD/JPY = 110, EUR/JPY = 140.
func (env *testEnv) yenPrices(t *testing.T) {
	env.price(t, usdJPY, "110")
	env.price(t, eurJPY, "140")
}

func openRate(sign int64, n int64) fixed.Fixed {
	delta, err := fixed.FromRational(n, 10_000_000)
	if err != nil {
		panic(err)
	}
	if sign < 0 {
		return fixed.One().SaturatingSub(delta)
	}
	return fixed.One().SaturatingAdd(delta)
}

func eurJPYLong() model.Position {
	return model.Position{
		Owner:                    alice,
		Pool:                     mockPool,
		Pair:                     eurJPY,
		Leverage:                 model.LongTwenty,
		LeveragedHeld:            fx("100000"),
		LeveragedDebits:          fx("-14104090"),
		LeveragedHeldInReference: fx("-131813.93"),
		OpenAccumulatedSwapRate:  fixed.One(),
		OpenMargin:               bal("65.91"),
	}
}

func eurJPYShort() model.Position {
	return model.Position{
		Owner:                    alice,
		Pool:                     mockPool,
		Pair:                     eurJPY,
		Leverage:                 model.ShortTwenty,
		LeveragedHeld:            fx("-100000"),
		LeveragedDebits:          fx("14175810"),
		LeveragedHeldInReference: fx("133734.06"),
		OpenAccumulatedSwapRate:  fixed.One(),
		OpenMargin:               bal("66.87"),
	}
}

func eurUSDLong1() model.Position {
	return model.Position{
		Owner:                    alice,
		Pool:                     mockPool,
		Pair:                     eurUSD,
		Leverage:                 model.LongFive,
		LeveragedHeld:            fx("100000"),
		LeveragedDebits:          fx("-120420.30"),
		LeveragedHeldInReference: fx("-120420.30"),
		OpenAccumulatedSwapRate:  openRate(1, 3687),
		OpenMargin:               bal("240.84"),
	}
}

func eurUSDLong2() model.Position {
	return model.Position{
		Owner:                    alice,
		Pool:                     mockPool,
		Pair:                     eurUSD,
		Leverage:                 model.LongTwenty,
		LeveragedHeld:            fx("100000"),
		LeveragedDebits:          fx("-119419.30"),
		LeveragedHeldInReference: fx("-119419.30"),
		OpenAccumulatedSwapRate:  openRate(1, 1843),
		OpenMargin:               bal("59.71"),
	}
}

func eurUSDShort1() model.Position {
	return model.Position{
		Owner:                    alice,
		Pool:                     mockPool,
		Pair:                     eurUSD,
		Leverage:                 model.ShortTen,
		LeveragedHeld:            fx("-100000"),
		LeveragedDebits:          fx("119780.10"),
		LeveragedHeldInReference: fx("119780.10"),
		OpenAccumulatedSwapRate:  openRate(-1, 1096),
		OpenMargin:               bal("119.78"),
	}
}

func eurUSDShort2() model.Position {
	return model.Position{
		Owner:                    alice,
		Pool:                     mockPool,
		Pair:                     eurUSD,
		Leverage:                 model.ShortFifty,
		LeveragedHeld:            fx("-200000"),
		LeveragedDebits:          fx("237362.40"),
		LeveragedHeldInReference: fx("237362.40"),
		OpenAccumulatedSwapRate:  openRate(-1, 365),
		OpenMargin:               bal("47.47"),
	}
}

// eurUSDBook loads the four mixed EUR/USD positions at EUR/USD = 1.2 with
// the swap index at 1.
func (env *testEnv) eurUSDBook(t *testing.T) {
	t.Helper()
	env.price(t, eurUSD, "1.2")
	env.cfg.SwapRates[eurUSD] = fixed.One()
	env.ledger.add(0, eurUSDLong1())
	env.ledger.add(1, eurUSDLong2())
	env.ledger.add(2, eurUSDShort1())
	env.ledger.add(3, eurUSDShort2())
}

// unitPosition is a 1.00 EUR/USD position at price 1 with no spread.
func unitPosition() model.Position {
	return model.Position{
		Owner:                    alice,
		Pool:                     mockPool,
		Pair:                     eurUSD,
		Leverage:                 model.LongTwo,
		LeveragedHeld:            fx("1.00"),
		LeveragedDebits:          fx("1.00"),
		LeveragedHeldInReference: fx("1.00"),
		OpenAccumulatedSwapRate:  fixed.One(),
		OpenMargin:               bal("1.00"),
	}
}
