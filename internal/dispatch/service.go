// Package dispatch runs every ledger-changing operation as one
// check-then-commit step: take a storage snapshot, evaluate the safety gate
// against it, and only then write. It also serves the HTTP and WebSocket
// surface of the margin engine.
//
// All monetary values use the fixed package; never float64 for money.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
	"github.com/atmx/margin-engine/internal/risk"
	"github.com/atmx/margin-engine/internal/store"
)

// Service handles margin operations. Uses a mutex for serialized
// check-then-commit (single-instance): no write can land between a gate
// decision and the commit it allows. For horizontal scaling, replace with
// distributed locking or serializable transactions.
type Service struct {
	store  store.Store
	oracle *pricing.Oracle
	mu     sync.Mutex
	wsHub  *WSHub // optional WebSocket hub for risk events

	cfgMu sync.RWMutex
	cfg   risk.Config
}

// NewService creates a new dispatch service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, oracle *pricing.Oracle, cfg risk.Config, hub *WSHub) *Service {
	return &Service{
		store:  st,
		oracle: oracle,
		cfg:    cfg,
		wsHub:  hub,
	}
}

// config returns the current risk configuration. Maps inside it are
// replaced, never mutated, so the copy is safe to read without the lock.
func (s *Service) config() risk.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// evaluate takes a snapshot, possibly cached, and builds an evaluator over
// it. Read models and the sweep use it.
func (s *Service) evaluate(ctx context.Context) (*risk.Evaluator, *store.Snapshot, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}
	return risk.New(s.config(), s.oracle, snap), snap, nil
}

// evaluateForUpdate is evaluate against the source of truth. Every
// check-then-commit operation calls it with s.mu held.
func (s *Service) evaluateForUpdate(ctx context.Context) (*risk.Evaluator, *store.Snapshot, error) {
	snap, err := s.store.FreshSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}
	return risk.New(s.config(), s.oracle, snap), snap, nil
}

// observe records the outcome of an operation. It is deferred with a
// pointer to the named error result so it sees the final value.
func observe(operation string, start time.Time, errp *error) {
	err := *errp
	metrics.EvaluationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = kindOf(err)
	}
	metrics.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	if risk.IsRejection(err) {
		metrics.GateRejections.WithLabelValues(outcome).Inc()
	}
}

// kindOf extends risk.Kind with storage errors.
func kindOf(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "position_not_found"
	}
	return risk.Kind(err)
}

// --- Trader balance ---

// Deposit credits amount to the trader's balance.
func (s *Service) Deposit(ctx context.Context, trader model.TraderID, amount fixed.Balance) (balance fixed.Balance, err error) {
	defer observe("deposit", time.Now(), &err)
	if amount.IsZero() {
		return fixed.Balance{}, risk.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.FreshSnapshot(ctx)
	if err != nil {
		return fixed.Balance{}, err
	}
	balance, err = snap.Balance(trader).CheckedAdd(amount)
	if err != nil {
		return fixed.Balance{}, err
	}
	batch := &store.Batch{}
	batch.SetBalance(trader, balance)
	if _, err := s.store.Apply(ctx, batch); err != nil {
		return fixed.Balance{}, err
	}

	slog.Info("deposit", "trader", trader, "amount", amount.String(), "balance", balance.String())
	return balance, nil
}

// Withdraw debits amount from the trader's balance if it is free and the
// margin level stays above margin call afterwards.
func (s *Service) Withdraw(ctx context.Context, trader model.TraderID, amount fixed.Balance) (balance fixed.Balance, err error) {
	defer observe("withdraw", time.Now(), &err)
	if amount.IsZero() {
		return fixed.Balance{}, risk.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, snap, err := s.evaluateForUpdate(ctx)
	if err != nil {
		return fixed.Balance{}, err
	}
	if err := ev.EnsureTraderCanWithdraw(trader, amount); err != nil {
		return fixed.Balance{}, err
	}
	balance, err = snap.Balance(trader).CheckedSub(amount)
	if err != nil {
		return fixed.Balance{}, err
	}
	batch := &store.Batch{}
	batch.SetBalance(trader, balance)
	if _, err := s.store.Apply(ctx, batch); err != nil {
		return fixed.Balance{}, err
	}

	slog.Info("withdraw", "trader", trader, "amount", amount.String(), "balance", balance.String())
	return balance, nil
}

// --- Positions ---

// OpenRequest describes a position to open. Amount is the leveraged
// notional in base currency units.
type OpenRequest struct {
	Trader   model.TraderID    `json:"trader"`
	Pool     model.PoolID      `json:"pool"`
	Pair     model.TradingPair `json:"pair"`
	Leverage model.Leverage    `json:"leverage"`
	Amount   fixed.Fixed       `json:"amount"`
}

// OpenPosition prices the requested position and opens it only if the
// pool offers it, the trader can lock its margin and both the trader and
// the pool stay safe with it counted in.
func (s *Service) OpenPosition(ctx context.Context, req OpenRequest) (p model.Position, err error) {
	defer observe("open_position", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, snap, err := s.evaluateForUpdate(ctx)
	if err != nil {
		return model.Position{}, err
	}
	p, err = ev.NewPosition(req.Trader, req.Pool, req.Pair, req.Leverage, req.Amount)
	if err != nil {
		return model.Position{}, err
	}
	if err := ev.EnsureTradingAllowed(&p); err != nil {
		return model.Position{}, err
	}

	free, err := ev.FreeBalance(req.Trader)
	if err != nil {
		return model.Position{}, err
	}
	if p.OpenMargin.GreaterThan(free) {
		return model.Position{}, fmt.Errorf("%w: margin %s, free %s", risk.ErrInsufficientFreeBalance, p.OpenMargin, free)
	}
	if err := ev.EnsureTraderSafe(req.Trader, &p); err != nil {
		return model.Position{}, err
	}
	if err := ev.EnsurePoolSafe(req.Pool, &p); err != nil {
		return model.Position{}, err
	}

	ids, err := s.store.Apply(ctx, &store.Batch{Open: []model.Position{p}})
	if err != nil {
		return model.Position{}, err
	}
	p.ID = ids[0]
	metrics.OpenPositions.Set(float64(snap.Len() + 1))

	slog.Info("position opened",
		"id", p.ID,
		"trader", p.Owner,
		"pool", p.Pool,
		"pair", p.Pair.String(),
		"leverage", p.Leverage.String(),
		"held", p.LeveragedHeld.String(),
		"margin", p.OpenMargin.String(),
	)

	msg := newMessage(EventPositionOpened)
	msg.Trader, msg.Pool, msg.PositionID = p.Owner, &p.Pool, &p.ID
	msg.Pair = p.Pair.String()
	msg.Amount = &p.LeveragedHeld
	s.broadcast(msg)
	return p, nil
}

// CloseResult is what closing a position settled.
type CloseResult struct {
	Position  model.Position `json:"position"`
	Realized  fixed.Fixed    `json:"realized"`
	Balance   fixed.Balance  `json:"balance"`
	Liquidity fixed.Balance  `json:"liquidity"`
}

// ClosePosition realizes P&L plus swap between the trader and the pool and
// removes the position. Closing is never gated: it is how an unsafe trader
// or pool recovers. A profit the pool cannot pay fails the close; a loss
// larger than the trader's balance is capped at the balance.
func (s *Service) ClosePosition(ctx context.Context, id model.PositionID) (res CloseResult, err error) {
	defer observe("close_position", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, snap, err := s.evaluateForUpdate(ctx)
	if err != nil {
		return CloseResult{}, err
	}
	p, ok := snap.Position(id)
	if !ok {
		return CloseResult{}, fmt.Errorf("%w: %d", risk.ErrPositionNotFound, id)
	}
	realized, err := ev.Realize(p)
	if err != nil {
		return CloseResult{}, err
	}

	res = CloseResult{
		Position:  p,
		Realized:  realized,
		Balance:   snap.Balance(p.Owner),
		Liquidity: snap.PoolLiquidity(p.Pool),
	}
	if realized.IsNegative() {
		loss, err := fixed.BalanceFromFixed(realized.SaturatingAbs())
		if err != nil {
			return CloseResult{}, err
		}
		if loss.GreaterThan(res.Balance) {
			slog.Warn("loss exceeds balance", "position", id, "trader", p.Owner,
				"loss", loss.String(), "balance", res.Balance.String())
			loss = res.Balance
		}
		res.Balance = res.Balance.SaturatingSub(loss)
		if res.Liquidity, err = res.Liquidity.CheckedAdd(loss); err != nil {
			return CloseResult{}, err
		}
	} else {
		profit, err := fixed.BalanceFromFixed(realized)
		if err != nil {
			return CloseResult{}, err
		}
		if res.Liquidity, err = res.Liquidity.CheckedSub(profit); err != nil {
			return CloseResult{}, fmt.Errorf("pool %d cannot pay %s: %w", p.Pool, profit, err)
		}
		if res.Balance, err = res.Balance.CheckedAdd(profit); err != nil {
			return CloseResult{}, err
		}
	}

	batch := &store.Batch{Close: []model.PositionID{id}}
	batch.SetBalance(p.Owner, res.Balance)
	batch.SetLiquidity(p.Pool, res.Liquidity)
	if _, err := s.store.Apply(ctx, batch); err != nil {
		return CloseResult{}, err
	}
	metrics.OpenPositions.Set(float64(snap.Len() - 1))

	slog.Info("position closed",
		"id", id,
		"trader", p.Owner,
		"pool", p.Pool,
		"realized", realized.String(),
		"balance", res.Balance.String(),
	)

	msg := newMessage(EventPositionClosed)
	msg.Trader, msg.Pool, msg.PositionID = p.Owner, &p.Pool, &p.ID
	msg.Pair = p.Pair.String()
	msg.Amount = &res.Realized
	s.broadcast(msg)
	return res, nil
}

// --- Liquidity pools ---

// DepositLiquidity adds amount to the pool.
func (s *Service) DepositLiquidity(ctx context.Context, pool model.PoolID, amount fixed.Balance) (liquidity fixed.Balance, err error) {
	defer observe("deposit_liquidity", time.Now(), &err)
	if amount.IsZero() {
		return fixed.Balance{}, risk.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.FreshSnapshot(ctx)
	if err != nil {
		return fixed.Balance{}, err
	}
	liquidity, err = snap.PoolLiquidity(pool).CheckedAdd(amount)
	if err != nil {
		return fixed.Balance{}, err
	}
	batch := &store.Batch{}
	batch.SetLiquidity(pool, liquidity)
	if _, err := s.store.Apply(ctx, batch); err != nil {
		return fixed.Balance{}, err
	}

	slog.Info("liquidity deposited", "pool", pool, "amount", amount.String(), "liquidity", liquidity.String())
	return liquidity, nil
}

// WithdrawLiquidity removes amount from the pool if ENP and ELL stay above
// their margin call thresholds afterwards.
func (s *Service) WithdrawLiquidity(ctx context.Context, pool model.PoolID, amount fixed.Balance) (liquidity fixed.Balance, err error) {
	defer observe("withdraw_liquidity", time.Now(), &err)
	if amount.IsZero() {
		return fixed.Balance{}, risk.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, snap, err := s.evaluateForUpdate(ctx)
	if err != nil {
		return fixed.Balance{}, err
	}
	if err := ev.EnsurePoolCanWithdraw(pool, amount); err != nil {
		return fixed.Balance{}, err
	}
	liquidity, err = snap.PoolLiquidity(pool).CheckedSub(amount)
	if err != nil {
		return fixed.Balance{}, err
	}
	batch := &store.Batch{}
	batch.SetLiquidity(pool, liquidity)
	if _, err := s.store.Apply(ctx, batch); err != nil {
		return fixed.Balance{}, err
	}

	slog.Info("liquidity withdrawn", "pool", pool, "amount", amount.String(), "liquidity", liquidity.String())
	return liquidity, nil
}

// --- Market data ---

// SetPrice records a new mid price for pair and re-checks every account
// and pool against it. Only an invalid price is an error.
func (s *Service) SetPrice(ctx context.Context, pair model.TradingPair, price fixed.Fixed) (err error) {
	defer observe("set_price", time.Now(), &err)
	if err := s.oracle.SetPrice(pair, price); err != nil {
		return err
	}

	msg := newMessage(EventPriceUpdated)
	msg.Pair = pair.String()
	msg.Amount = &price
	s.broadcast(msg)

	s.sweepAfter(ctx, "price "+pair.String())
	return nil
}

// SetReferencePrice records the price of one unit of currency in the
// reference currency and re-checks every account and pool against it.
func (s *Service) SetReferencePrice(ctx context.Context, currency model.CurrencyID, price fixed.Fixed) (err error) {
	defer observe("set_price", time.Now(), &err)
	if err := s.oracle.SetReferencePrice(currency, price); err != nil {
		return err
	}

	msg := newMessage(EventPriceUpdated)
	msg.Pair = string(currency)
	msg.Amount = &price
	s.broadcast(msg)

	s.sweepAfter(ctx, "price "+string(currency))
	return nil
}

// sweepAfter runs the sweep that follows a committed market data or
// configuration update. The update stays in place whatever happens here,
// so a failure is only logged.
func (s *Service) sweepAfter(ctx context.Context, updated string) {
	if err := s.Sweep(ctx); err != nil {
		slog.Error("risk sweep failed", "after", updated, "err", err)
	}
}

// SetSwapRate replaces the accumulated swap-rate index of pair.
func (s *Service) SetSwapRate(pair model.TradingPair, rate fixed.Fixed) {
	s.cfgMu.Lock()
	s.cfg.SwapRates = with(s.cfg.SwapRates, pair, rate)
	s.cfgMu.Unlock()
	slog.Info("swap rate updated", "pair", pair.String(), "rate", rate.String())
}

// --- Risk configuration ---

// RiskConfig returns the configuration evaluations currently read.
func (s *Service) RiskConfig() risk.Config { return s.config() }

// SetPairThreshold sets the trader threshold applied to new positions on
// pair, then re-checks every account and pool.
func (s *Service) SetPairThreshold(ctx context.Context, pair model.TradingPair, th model.RiskThreshold) error {
	err := s.updateConfig(func(c *risk.Config) {
		c.PairThresholds = with(c.PairThresholds, pair, th)
	})
	if err != nil {
		return err
	}
	slog.Info("pair threshold updated", "pair", pair.String(),
		"margin_call", th.MarginCall.String(), "stop_out", th.StopOut.String())
	s.sweepAfter(ctx, "pair threshold "+pair.String())
	return nil
}

// SetPoolThresholds sets the ENP and ELL thresholds of one pool, then
// re-checks every account and pool.
func (s *Service) SetPoolThresholds(ctx context.Context, pool model.PoolID, th risk.PoolThresholds) error {
	err := s.updateConfig(func(c *risk.Config) {
		c.PoolThresholds.Pools = with(c.PoolThresholds.Pools, pool, th)
	})
	if err != nil {
		return err
	}
	slog.Info("pool thresholds updated", "pool", pool,
		"enp_margin_call", th.ENP.MarginCall.String(), "ell_margin_call", th.ELL.MarginCall.String())
	s.sweepAfter(ctx, fmt.Sprintf("pool %d thresholds", pool))
	return nil
}

// SetSpread sets the bid and ask spread of pair.
func (s *Service) SetSpread(pair model.TradingPair, spread pricing.Spread) error {
	err := s.updateConfig(func(c *risk.Config) {
		c.Spreads.Pairs = with(c.Spreads.Pairs, pair, spread)
	})
	if err != nil {
		return err
	}
	slog.Info("spread updated", "pair", pair.String(), "bid", spread.Bid.String(), "ask", spread.Ask.String())
	return nil
}

// SetPoolTrading replaces what pool offers to new positions. Open
// positions are not affected.
func (s *Service) SetPoolTrading(pool model.PoolID, t risk.PoolTrading) error {
	err := s.updateConfig(func(c *risk.Config) {
		c.Trading = with(c.Trading, pool, t)
	})
	if err != nil {
		return err
	}
	slog.Info("pool trading updated", "pool", pool, "pairs", len(t.Pairs), "min_leveraged_amount", t.MinLeveragedAmount.String())
	return nil
}

// updateConfig applies change to a copy of the configuration and installs
// it only if it validates.
func (s *Service) updateConfig(change func(c *risk.Config)) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	next := s.cfg
	change(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

// with returns a copy of m with k set to v. Maps in an installed config
// are never written in place.
func with[M ~map[K]V, K comparable, V any](m M, k K, v V) M {
	out := maps.Clone(m)
	if out == nil {
		out = make(M)
	}
	out[k] = v
	return out
}

// --- Read models ---

// AccountView is a trader's account with its risk status and positions.
type AccountView struct {
	risk.Account
	Status        risk.Status      `json:"status"`
	OpenPositions []model.Position `json:"open_positions"`
}

// Account returns the trader's current account view.
func (s *Service) Account(ctx context.Context, trader model.TraderID) (AccountView, error) {
	ev, snap, err := s.evaluate(ctx)
	if err != nil {
		return AccountView{}, err
	}
	acct, err := ev.Account(trader)
	if err != nil {
		return AccountView{}, err
	}
	status, _, err := ev.TraderStatus(trader)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{Account: acct, Status: status, OpenPositions: snap.TraderPositions(trader)}, nil
}

// SolvencyView is a pool's solvency with its risk status.
type SolvencyView struct {
	risk.Solvency
	Status risk.Status `json:"status"`
}

// Solvency returns the pool's current solvency view.
func (s *Service) Solvency(ctx context.Context, pool model.PoolID) (SolvencyView, error) {
	ev, _, err := s.evaluate(ctx)
	if err != nil {
		return SolvencyView{}, err
	}
	sol, err := ev.Solvency(pool)
	if err != nil {
		return SolvencyView{}, err
	}
	status, err := ev.PoolStatus(pool)
	if err != nil {
		return SolvencyView{}, err
	}
	return SolvencyView{Solvency: sol, Status: status}, nil
}

// --- Risk monitoring ---

// Sweep classifies every trader with positions and every pool, and emits a
// margin call or stop out event for each one that is not safe. A trader or
// pool that cannot be evaluated is logged and skipped; the sweep itself
// only fails if the snapshot does.
func (s *Service) Sweep(ctx context.Context) error {
	ev, snap, err := s.evaluate(ctx)
	if err != nil {
		return err
	}

	for _, trader := range snap.Traders() {
		if len(snap.PositionsByTrader(trader)) == 0 {
			continue
		}
		status, level, err := ev.TraderStatus(trader)
		if err != nil {
			slog.Warn("trader status unavailable", "trader", trader, "err", err)
			continue
		}
		if status == risk.Safe {
			continue
		}
		metrics.RiskEvents.WithLabelValues("trader", status.String()).Inc()
		slog.Warn("trader at risk", "trader", trader, "status", status.String(), "margin_level", level.String())

		msg := newMessage(EventTraderMarginCall)
		if status == risk.StopOut {
			msg.Type = EventTraderStopOut
		}
		msg.Trader, msg.Status, msg.Ratio = trader, status, &level
		s.broadcast(msg)
	}

	for _, pool := range snap.Pools() {
		if len(snap.PositionsByPool(pool)) == 0 {
			continue
		}
		status, err := ev.PoolStatus(pool)
		if err != nil {
			slog.Warn("pool status unavailable", "pool", pool, "err", err)
			continue
		}
		if status == risk.Safe {
			continue
		}
		metrics.RiskEvents.WithLabelValues("pool", status.String()).Inc()
		slog.Warn("pool at risk", "pool", pool, "status", status.String())

		msg := newMessage(EventPoolMarginCall)
		if status == risk.StopOut {
			msg.Type = EventPoolStopOut
		}
		msg.Pool, msg.Status = &pool, status
		s.broadcast(msg)
	}
	return nil
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}
