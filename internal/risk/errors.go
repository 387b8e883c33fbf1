package risk

import (
	"errors"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

var (
	// ErrTraderWouldBeUnsafe rejects an operation that would leave the
	// trader at or below the margin call threshold.
	ErrTraderWouldBeUnsafe = errors.New("risk: trader would be unsafe")

	// ErrUnsafeTrader rejects an operation because the trader is already
	// at or below the margin call threshold.
	ErrUnsafeTrader = errors.New("risk: unsafe trader")

	// ErrPoolWouldBeUnsafe rejects an operation that would leave the pool
	// at or below its ENP or ELL threshold.
	ErrPoolWouldBeUnsafe = errors.New("risk: pool would be unsafe")

	// ErrUnsafePool rejects an operation because the pool is already at or
	// below its ENP or ELL threshold.
	ErrUnsafePool = errors.New("risk: unsafe pool")

	// ErrTradingNotAllowed rejects a position the pool does not offer: a
	// disabled pair or leverage, or an amount below the pool minimum.
	ErrTradingNotAllowed = errors.New("risk: trading not allowed")

	ErrInsufficientFreeBalance = errors.New("risk: insufficient free balance")
	ErrNoSwapRate              = errors.New("risk: no accumulated swap rate")
	ErrPositionNotFound        = errors.New("risk: position not found")
	ErrInvalidAmount           = errors.New("risk: amount must be positive")
)

// Kind maps an error to a stable snake_case name used in API responses and
// metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTraderWouldBeUnsafe):
		return "trader_would_be_unsafe"
	case errors.Is(err, ErrUnsafeTrader):
		return "unsafe_trader"
	case errors.Is(err, ErrPoolWouldBeUnsafe):
		return "pool_would_be_unsafe"
	case errors.Is(err, ErrUnsafePool):
		return "unsafe_pool"
	case errors.Is(err, ErrInsufficientFreeBalance):
		return "insufficient_free_balance"
	case errors.Is(err, ErrTradingNotAllowed):
		return "trading_not_allowed"
	case errors.Is(err, pricing.ErrNoPrice):
		return "no_price"
	case errors.Is(err, ErrNoSwapRate):
		return "no_swap_rate"
	case errors.Is(err, fixed.ErrNumOutOfBound):
		return "num_out_of_bound"
	case errors.Is(err, ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, model.ErrInvalidLeverage),
		errors.Is(err, model.ErrInvalidPair), errors.Is(err, model.ErrInvalidThreshold),
		errors.Is(err, pricing.ErrInvalidPrice), errors.Is(err, pricing.ErrInvalidSpread):
		return "invalid_request"
	default:
		return "internal"
	}
}

// IsRejection reports whether err is a safety gate decision rather than a
// failure to evaluate.
func IsRejection(err error) bool {
	return errors.Is(err, ErrTraderWouldBeUnsafe) ||
		errors.Is(err, ErrUnsafeTrader) ||
		errors.Is(err, ErrPoolWouldBeUnsafe) ||
		errors.Is(err, ErrUnsafePool) ||
		errors.Is(err, ErrInsufficientFreeBalance)
}
