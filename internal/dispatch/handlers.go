package dispatch

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/margin-engine/internal/fixed"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
	"github.com/atmx/margin-engine/internal/risk"
)

// AmountRequest is the body of every deposit and withdrawal.
type AmountRequest struct {
	Amount fixed.Balance `json:"amount"`
}

// BalanceResponse reports a trader balance or pool liquidity after a
// deposit or withdrawal.
type BalanceResponse struct {
	Balance fixed.Balance `json:"balance"`
}

// PriceRequest is the body of a price or swap-rate update.
type PriceRequest struct {
	Price fixed.Fixed `json:"price"`
}

// Routes mounts the margin API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/traders/{traderID}/account", s.GetAccount)
	r.Post("/traders/{traderID}/deposit", s.HandleDeposit)
	r.Post("/traders/{traderID}/withdraw", s.HandleWithdraw)

	r.Post("/positions", s.HandleOpenPosition)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Delete("/positions/{positionID}", s.HandleClosePosition)

	r.Get("/pools/{poolID}/solvency", s.GetSolvency)
	r.Post("/pools/{poolID}/deposit", s.HandleDepositLiquidity)
	r.Post("/pools/{poolID}/withdraw", s.HandleWithdrawLiquidity)

	r.Put("/prices/{currency}", s.HandleSetReferencePrice)
	r.Put("/prices/{base}/{quote}", s.HandleSetPrice)
	r.Put("/swap-rates/{base}/{quote}", s.HandleSetSwapRate)

	r.Get("/config", s.GetRiskConfig)
	r.Put("/spreads/{base}/{quote}", s.HandleSetSpread)
	r.Put("/thresholds/pairs/{base}/{quote}", s.HandleSetPairThreshold)
	r.Put("/thresholds/pools/{poolID}", s.HandleSetPoolThresholds)
	r.Put("/pools/{poolID}/trading", s.HandleSetPoolTrading)
}

// GetAccount handles GET /api/v1/traders/{traderID}/account
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	view, err := s.Account(r.Context(), model.TraderID(chi.URLParam(r, "traderID")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleDeposit handles POST /api/v1/traders/{traderID}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	balance, err := s.Deposit(r.Context(), model.TraderID(chi.URLParam(r, "traderID")), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: balance})
}

// HandleWithdraw handles POST /api/v1/traders/{traderID}/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	balance, err := s.Withdraw(r.Context(), model.TraderID(chi.URLParam(r, "traderID")), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: balance})
}

// HandleOpenPosition handles POST /api/v1/positions
// The safety gate runs before anything is written.
func (s *Service) HandleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Trader == "" {
		writeMessage(w, http.StatusBadRequest, "trader is required", "invalid_request")
		return
	}

	p, err := s.OpenPosition(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	p, err := s.store.GetPosition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleClosePosition handles DELETE /api/v1/positions/{positionID}
func (s *Service) HandleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	res, err := s.ClosePosition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetSolvency handles GET /api/v1/pools/{poolID}/solvency
func (s *Service) GetSolvency(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolID(w, r)
	if !ok {
		return
	}
	view, err := s.Solvency(r.Context(), pool)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleDepositLiquidity handles POST /api/v1/pools/{poolID}/deposit
func (s *Service) HandleDepositLiquidity(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolID(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	liquidity, err := s.DepositLiquidity(r.Context(), pool, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: liquidity})
}

// HandleWithdrawLiquidity handles POST /api/v1/pools/{poolID}/withdraw
func (s *Service) HandleWithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolID(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	liquidity, err := s.WithdrawLiquidity(r.Context(), pool, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: liquidity})
}

// HandleSetPrice handles PUT /api/v1/prices/{base}/{quote}
func (s *Service) HandleSetPrice(w http.ResponseWriter, r *http.Request) {
	pair, ok := pairParam(w, r)
	if !ok {
		return
	}
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.SetPrice(r.Context(), pair, req.Price); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetReferencePrice handles PUT /api/v1/prices/{currency}
// The price is quoted in the reference currency.
func (s *Service) HandleSetReferencePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	currency := model.CurrencyID(strings.ToUpper(chi.URLParam(r, "currency")))
	if err := s.SetReferencePrice(r.Context(), currency, req.Price); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetSwapRate handles PUT /api/v1/swap-rates/{base}/{quote}
func (s *Service) HandleSetSwapRate(w http.ResponseWriter, r *http.Request) {
	pair, ok := pairParam(w, r)
	if !ok {
		return
	}
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	s.SetSwapRate(pair, req.Price)
	w.WriteHeader(http.StatusNoContent)
}

// GetRiskConfig handles GET /api/v1/config
func (s *Service) GetRiskConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.RiskConfig())
}

// HandleSetSpread handles PUT /api/v1/spreads/{base}/{quote}
func (s *Service) HandleSetSpread(w http.ResponseWriter, r *http.Request) {
	pair, ok := pairParam(w, r)
	if !ok {
		return
	}
	var req pricing.Spread
	if !decode(w, r, &req) {
		return
	}
	if err := s.SetSpread(pair, req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetPairThreshold handles PUT /api/v1/thresholds/pairs/{base}/{quote}
func (s *Service) HandleSetPairThreshold(w http.ResponseWriter, r *http.Request) {
	pair, ok := pairParam(w, r)
	if !ok {
		return
	}
	var req model.RiskThreshold
	if !decode(w, r, &req) {
		return
	}
	if err := s.SetPairThreshold(r.Context(), pair, req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetPoolThresholds handles PUT /api/v1/thresholds/pools/{poolID}
func (s *Service) HandleSetPoolThresholds(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolID(w, r)
	if !ok {
		return
	}
	var req risk.PoolThresholds
	if !decode(w, r, &req) {
		return
	}
	if err := s.SetPoolThresholds(r.Context(), pool, req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetPoolTrading handles PUT /api/v1/pools/{poolID}/trading
func (s *Service) HandleSetPoolTrading(w http.ResponseWriter, r *http.Request) {
	pool, ok := poolID(w, r)
	if !ok {
		return
	}
	var req risk.PoolTrading
	if !decode(w, r, &req) {
		return
	}
	if err := s.SetPoolTrading(pool, req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Request helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request")
		return false
	}
	return true
}

func positionID(w http.ResponseWriter, r *http.Request) (model.PositionID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid position id", "invalid_request")
		return 0, false
	}
	return model.PositionID(id), true
}

func poolID(w http.ResponseWriter, r *http.Request) (model.PoolID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "poolID"), 10, 32)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid pool id", "invalid_request")
		return 0, false
	}
	return model.PoolID(id), true
}

func pairParam(w http.ResponseWriter, r *http.Request) (model.TradingPair, bool) {
	pair, err := model.ParsePair(strings.ToUpper(chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote")))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error(), "invalid_request")
		return model.TradingPair{}, false
	}
	return pair, true
}

// --- Response helpers ---

// statusFor maps an error kind to an HTTP status. Gate rejections are
// conflicts with the current ledger state; missing market data is a failed
// dependency the caller can fix by pushing a price or swap rate.
func statusFor(kind string) int {
	switch kind {
	case "trader_would_be_unsafe", "unsafe_trader", "pool_would_be_unsafe", "unsafe_pool",
		"insufficient_free_balance", "trading_not_allowed":
		return http.StatusConflict
	case "no_price", "no_swap_rate":
		return http.StatusFailedDependency
	case "num_out_of_bound":
		return http.StatusUnprocessableEntity
	case "position_not_found":
		return http.StatusNotFound
	case "invalid_request":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response for err.
func writeError(w http.ResponseWriter, err error) {
	kind := kindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeMessage(w, status, msg, kind)
}

func writeMessage(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
