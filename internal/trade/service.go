// Package trade provides the HTTP handlers and business logic for
// trading against fCash markets, managing escrow balances, and querying
// portfolios.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/cashgroup"
	"github.com/swapmkt/lending-engine/internal/ledger"
	"github.com/swapmkt/lending-engine/internal/market"
	"github.com/swapmkt/lending-engine/internal/metrics"
	"github.com/swapmkt/lending-engine/internal/model"
	"github.com/swapmkt/lending-engine/internal/portfolio"
	"github.com/swapmkt/lending-engine/internal/risk"
	"github.com/swapmkt/lending-engine/internal/state"
	"github.com/swapmkt/lending-engine/internal/store"
)

// Trade instruction types accepted by POST /api/v1/trades.
const (
	OpTakeCash        = "TAKE_CASH"
	OpTakeFCash       = "TAKE_FCASH"
	OpAddLiquidity    = "ADD_LIQUIDITY"
	OpRemoveLiquidity = "REMOVE_LIQUIDITY"
)

// Service handles engine operations. A mutex serializes all mutations of
// the world state (single-instance). For horizontal scaling, replace with
// distributed locking or database-level optimistic concurrency.
type Service struct {
	mu      sync.Mutex
	world   *state.World
	store   store.Store
	escrow  *ledger.Escrow
	oracle  portfolio.PriceOracle
	limiter *risk.TradeLimiter
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
	now     func() time.Time
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(world *state.World, st store.Store, escrow *ledger.Escrow, oracle portfolio.PriceOracle, limiter *risk.TradeLimiter, hub *WSHub) *Service {
	return &Service{
		world:   world,
		store:   st,
		escrow:  escrow,
		oracle:  oracle,
		limiter: limiter,
		wsHub:   hub,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// --- Request/Response types ---

// TradeInstruction is one entry in a batch trade request. Markets are
// addressed either by symbol (FC-{currency}-{YYYYMMDD}) or by explicit
// cash group and maturity.
type TradeInstruction struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol,omitempty"`
	Group    uint16 `json:"group,omitempty"`
	Maturity int64  `json:"maturity,omitempty"` // unix seconds

	// Amount is cash for TAKE_CASH and ADD_LIQUIDITY, fCash for
	// TAKE_FCASH, liquidity tokens for REMOVE_LIQUIDITY.
	Amount decimal.Decimal `json:"amount"`

	// MaxFCash bounds the fCash pulled by ADD_LIQUIDITY; on the first
	// provision it seeds the pool's fCash side.
	MaxFCash decimal.Decimal `json:"max_fcash,omitempty"`

	// Slippage bounds on the annualized implied rate. Zero disables the
	// corresponding bound.
	MinImpliedRate decimal.Decimal `json:"min_implied_rate,omitempty"`
	MaxImpliedRate decimal.Decimal `json:"max_implied_rate,omitempty"`
}

// BatchTradeRequest is the JSON body for POST /api/v1/trades. The batch
// executes atomically: one failing instruction discards all of them.
type BatchTradeRequest struct {
	AccountID string             `json:"account_id"`
	Deadline  int64              `json:"deadline,omitempty"` // unix seconds
	Trades    []TradeInstruction `json:"trades"`
}

// ExecutedTrade reports one filled instruction.
type ExecutedTrade struct {
	TradeID     string          `json:"trade_id"`
	Type        string          `json:"type"`
	Symbol      string          `json:"symbol"`
	Group       uint16          `json:"group"`
	Maturity    int64           `json:"maturity"`
	Cash        decimal.Decimal `json:"cash"`
	FCash       decimal.Decimal `json:"fcash"`
	Tokens      decimal.Decimal `json:"tokens"`
	Fee         decimal.Decimal `json:"fee"`
	ImpliedRate decimal.Decimal `json:"implied_rate"`
}

// BatchTradeResponse is the JSON body returned from POST /api/v1/trades.
type BatchTradeResponse struct {
	AccountID      string          `json:"account_id"`
	Trades         []ExecutedTrade `json:"trades"`
	FreeCollateral decimal.Decimal `json:"free_collateral"`
}

// MarketView is a market snapshot with its symbol and current rate.
type MarketView struct {
	Symbol         string          `json:"symbol"`
	CashGroup      uint16          `json:"cash_group"`
	Maturity       int64           `json:"maturity"`
	TotalFCash     decimal.Decimal `json:"total_fcash"`
	TotalCashClaim decimal.Decimal `json:"total_cash_claim"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
	ImpliedRate    decimal.Decimal `json:"implied_rate"`
	ExchangeRate   decimal.Decimal `json:"exchange_rate"`
}

// --- Batch trade execution ---

// ExecuteBatch handles POST /api/v1/trades.
func (s *Service) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Trades) == 0 {
		writeError(w, "trades must not be empty", http.StatusBadRequest)
		return
	}

	start := time.Now()
	at := s.now()
	deadline := at
	if req.Deadline > 0 {
		deadline = time.Unix(req.Deadline, 0).UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var executed []ExecutedTrade
	next, err := s.world.Apply(func(w *state.World) error {
		for i := range req.Trades {
			et, err := s.applyInstruction(w, req.AccountID, &req.Trades[i], at, deadline)
			if err != nil {
				return err
			}
			executed = append(executed, *et)
		}
		// The whole batch stands or falls with the account's collateral.
		fc, err := portfolio.FreeCollateral(w, s.oracle, req.AccountID, at)
		if err != nil {
			return err
		}
		if fc.IsNegative() {
			return ledger.ErrInsufficientCollateral
		}
		return nil
	})
	if err != nil {
		slog.Warn("batch trade rejected", "account", req.AccountID, "err", err)
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	s.world = next

	fc, _ := portfolio.FreeCollateral(s.world, s.oracle, req.AccountID, at)
	s.persistAccount(r.Context(), req.AccountID)
	s.persistAccount(r.Context(), s.escrow.Reserve)

	for _, et := range executed {
		metrics.TradesTotal.WithLabelValues(et.Type).Inc()
		metrics.TradeLatency.WithLabelValues(et.Type).Observe(time.Since(start).Seconds())
		metrics.MarketVolume.WithLabelValues(et.Symbol, et.Type).Add(toFloat(et.Cash))
		s.persistMarket(r.Context(), et.Group, et.Maturity)
		s.journalTrade(r.Context(), req.AccountID, &et, at)
		s.broadcastMarket(et.Group, et.Maturity, et.Type, &et, at)

		slog.Info("trade executed",
			"trade_id", et.TradeID,
			"account", req.AccountID,
			"type", et.Type,
			"symbol", et.Symbol,
			"cash", et.Cash.String(),
			"fcash", et.FCash.String(),
			"implied_rate", et.ImpliedRate.String(),
		)
	}

	s.updateActiveMarkets(at)
	writeJSON(w, http.StatusOK, BatchTradeResponse{
		AccountID:      req.AccountID,
		Trades:         executed,
		FreeCollateral: fc,
	})
}

// updateActiveMarkets refreshes the gauge of unexpired funded pools.
// Caller holds the mutex.
func (s *Service) updateActiveMarkets(at time.Time) {
	n := 0
	for _, m := range s.world.Markets {
		if !m.Expired(at) && m.TotalLiquidity.IsPositive() {
			n++
		}
	}
	metrics.ActiveMarkets.Set(float64(n))
}

// applyInstruction executes one instruction against the working world
// copy, mutating the pool, the account's balance, and its portfolio.
func (s *Service) applyInstruction(w *state.World, account string, in *TradeInstruction, at, deadline time.Time) (*ExecutedTrade, error) {
	g, maturity, err := s.resolveMarket(w, in, at)
	if err != nil {
		return nil, err
	}
	m, err := w.EnsureMarket(g.ID, maturity, at)
	if err != nil {
		return nil, err
	}

	acct := w.Account(account)
	bal := w.Balance(account, g.Currency)
	reserve := w.Balance(s.escrow.Reserve, g.Currency)

	var res *market.TradeResult
	switch in.Type {
	case OpTakeCash:
		res, err = market.TakeCash(m, in.Amount, at, deadline, in.MaxImpliedRate)
		if err != nil {
			return nil, err
		}
		if err := s.limiter.CheckLimit(acct, g.ID, maturity, res.FCash.Neg()); err != nil {
			metrics.TradeLimitRejections.Inc()
			return nil, err
		}
		bal.CurrencyBalance = bal.CurrencyBalance.Add(res.Cash).Sub(res.Fee)
		reserve.CurrencyBalance = reserve.CurrencyBalance.Add(res.Fee)
		portfolio.AddAsset(acct, model.Asset{
			Type: model.CashPayer, CashGroup: g.ID, Currency: g.Currency,
			Maturity: maturity, Notional: res.FCash,
		})

	case OpTakeFCash:
		res, err = market.TakeFCash(m, in.Amount, at, deadline, in.MinImpliedRate)
		if err != nil {
			return nil, err
		}
		if err := s.limiter.CheckLimit(acct, g.ID, maturity, res.FCash); err != nil {
			metrics.TradeLimitRejections.Inc()
			return nil, err
		}
		total := res.Cash.Add(res.Fee)
		if bal.CurrencyBalance.LessThan(total) {
			return nil, ledger.ErrInsufficientFunds
		}
		bal.CurrencyBalance = bal.CurrencyBalance.Sub(total)
		reserve.CurrencyBalance = reserve.CurrencyBalance.Add(res.Fee)
		portfolio.AddAsset(acct, model.Asset{
			Type: model.CashReceiver, CashGroup: g.ID, Currency: g.Currency,
			Maturity: maturity, Notional: res.FCash,
		})

	case OpAddLiquidity:
		res, err = market.AddLiquidity(m, in.Amount, in.MaxFCash, in.MinImpliedRate, in.MaxImpliedRate, at, deadline)
		if err != nil {
			return nil, err
		}
		if bal.CurrencyBalance.LessThan(res.Cash) {
			return nil, ledger.ErrInsufficientFunds
		}
		bal.CurrencyBalance = bal.CurrencyBalance.Sub(res.Cash)
		// The pooled fCash is an obligation of the provider until the
		// tokens come back.
		portfolio.AddAsset(acct, model.Asset{
			Type: model.LiquidityToken, CashGroup: g.ID, Currency: g.Currency,
			Maturity: maturity, Notional: res.Tokens,
		})
		portfolio.AddAsset(acct, model.Asset{
			Type: model.CashPayer, CashGroup: g.ID, Currency: g.Currency,
			Maturity: maturity, Notional: res.FCash,
		})

	case OpRemoveLiquidity:
		held, ok := portfolio.FindAsset(acct, model.LiquidityToken, g.ID, maturity)
		if !ok || held.Notional.LessThan(in.Amount) {
			return nil, market.ErrInsufficientTokens
		}
		res, err = market.RemoveLiquidity(m, in.Amount, at, deadline)
		if err != nil {
			return nil, err
		}
		portfolio.RemoveAsset(acct, model.LiquidityToken, g.ID, maturity, res.Tokens)
		bal.CurrencyBalance = bal.CurrencyBalance.Add(res.Cash)
		// The fCash claim nets against the provision-time payer.
		if res.FCash.IsPositive() {
			portfolio.AddAsset(acct, model.Asset{
				Type: model.CashReceiver, CashGroup: g.ID, Currency: g.Currency,
				Maturity: maturity, Notional: res.FCash,
			})
		}

	default:
		return nil, errors.New("trade: unknown instruction type " + in.Type)
	}

	return &ExecutedTrade{
		TradeID:     uuid.New().String(),
		Type:        in.Type,
		Symbol:      g.Symbol(maturity),
		Group:       g.ID,
		Maturity:    maturity,
		Cash:        res.Cash,
		FCash:       res.FCash,
		Tokens:      res.Tokens,
		Fee:         res.Fee,
		ImpliedRate: res.ImpliedRate,
	}, nil
}

// resolveMarket maps an instruction to its cash group and maturity,
// preferring the symbol form when both are present.
func (s *Service) resolveMarket(w *state.World, in *TradeInstruction, at time.Time) (*cashgroup.Group, int64, error) {
	if in.Symbol != "" {
		inst, err := cashgroup.ParseSymbol(in.Symbol)
		if err != nil {
			return nil, 0, err
		}
		g, err := s.groupForSymbol(w, inst.CurrencySymbol)
		if err != nil {
			return nil, 0, err
		}
		maturity, err := g.MaturityFor(inst, at)
		if err != nil {
			return nil, 0, err
		}
		return g, maturity, nil
	}

	g, ok := w.Groups[in.Group]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	return g, in.Maturity, nil
}

func (s *Service) groupForSymbol(w *state.World, currencySymbol string) (*cashgroup.Group, error) {
	for _, g := range w.Groups {
		if g.CurrencySymbol == currencySymbol {
			return g, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- Market queries ---

// ListMaturities handles GET /api/v1/groups/{groupID}/maturities.
func (s *Service) ListMaturities(w http.ResponseWriter, r *http.Request) {
	g, ok := s.groupParam(w, r)
	if !ok {
		return
	}

	at := s.now()
	type maturityView struct {
		Symbol   string `json:"symbol"`
		Maturity int64  `json:"maturity"`
	}
	views := []maturityView{}
	for _, m := range g.ActiveMaturities(at) {
		views = append(views, maturityView{Symbol: g.Symbol(m), Maturity: m})
	}
	writeJSON(w, http.StatusOK, views)
}

// ListMarkets handles GET /api/v1/groups/{groupID}/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	g, ok := s.groupParam(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	views := []MarketView{}
	for _, m := range s.world.GroupMarkets(g.ID) {
		views = append(views, marketView(g, m, at))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/groups/{groupID}/markets/{maturity}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	g, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, "invalid maturity", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, found := s.world.Market(g.ID, maturity)
	if !found {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, marketView(g, m, s.now()))
}

// GetRate handles GET /api/v1/rate?symbol=FC-{currency}-{YYYYMMDD}.
// Only funded pools quote; an unfunded maturity answers 404.
func (s *Service) GetRate(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	inst, err := cashgroup.ParseSymbol(symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	g, err := s.groupForSymbol(s.world, inst.CurrencySymbol)
	if err != nil {
		writeError(w, "unknown currency "+inst.CurrencySymbol, http.StatusNotFound)
		return
	}
	maturity, err := g.MaturityFor(inst, at)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	m, found := s.world.Market(g.ID, maturity)
	if !found || m.TotalLiquidity.IsZero() {
		writeError(w, "market not funded", http.StatusNotFound)
		return
	}

	implied, er, err := market.Rate(m, at)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":        symbol,
		"maturity":      maturity,
		"implied_rate":  implied,
		"exchange_rate": er,
	})
}

// GetMarketHistory handles GET /api/v1/groups/{groupID}/markets/{maturity}/history.
// Returns journal entries to reconstruct the rate path.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	g, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	maturity, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, "invalid maturity", http.StatusBadRequest)
		return
	}

	entries, err := s.store.GetJournalByMarket(r.Context(), g.ID, maturity)
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func (s *Service) groupParam(w http.ResponseWriter, r *http.Request) (*cashgroup.Group, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "groupID"), 10, 16)
	if err != nil {
		writeError(w, "invalid group id", http.StatusBadRequest)
		return nil, false
	}
	g, ok := s.world.Groups[uint16(id)]
	if !ok {
		writeError(w, "cash group not found", http.StatusNotFound)
		return nil, false
	}
	return g, true
}

func marketView(g *cashgroup.Group, m *model.Market, at time.Time) MarketView {
	v := MarketView{
		Symbol:         g.Symbol(m.Maturity),
		CashGroup:      m.CashGroup,
		Maturity:       m.Maturity,
		TotalFCash:     m.TotalFCash,
		TotalCashClaim: m.TotalCashClaim,
		TotalLiquidity: m.TotalLiquidity,
	}
	if implied, er, err := market.Rate(m, at); err == nil {
		v.ImpliedRate = implied
		v.ExchangeRate = er
	}
	return v
}

func (s *Service) broadcastMarket(group uint16, maturity int64, operation string, et *ExecutedTrade, at time.Time) {
	if s.wsHub == nil {
		return
	}
	m, ok := s.world.Market(group, maturity)
	if !ok {
		return
	}
	msg := WSMessage{
		Type:      "trade_executed",
		Symbol:    et.Symbol,
		CashGroup: group,
		Maturity:  maturity,
		Operation: operation,
		Cash:      et.Cash.String(),
		FCash:     et.FCash.String(),
	}
	if implied, _, err := market.Rate(m, at); err == nil {
		msg.ImpliedRate = implied.String()
	}
	s.wsHub.Broadcast(msg)
}

// persistAccount mirrors an account's world state into the store. Store
// failures are logged, not fatal: the in-memory world stays authoritative
// and the next successful write converges.
func (s *Service) persistAccount(ctx context.Context, account string) {
	a, ok := s.world.Accounts[account]
	if !ok {
		return
	}
	for currency, b := range a.Balances {
		if err := s.store.UpsertBalance(ctx, account, currency, b); err != nil {
			slog.Error("persist balance failed", "account", account, "currency", currency, "err", err)
		}
	}
	if err := s.store.ReplaceAssets(ctx, account, a.Assets); err != nil {
		slog.Error("persist assets failed", "account", account, "err", err)
	}
}

func (s *Service) persistMarket(ctx context.Context, group uint16, maturity int64) {
	m, ok := s.world.Market(group, maturity)
	if !ok {
		return
	}
	if err := s.store.UpsertMarket(ctx, m); err != nil {
		slog.Error("persist market failed", "market", state.MarketKey{CashGroup: group, Maturity: maturity}, "err", err)
	}
}

func (s *Service) journalTrade(ctx context.Context, account string, et *ExecutedTrade, at time.Time) {
	g := s.world.Groups[et.Group]
	cash, fcash := et.Cash, et.FCash
	switch et.Type {
	case OpTakeCash:
		fcash = fcash.Neg() // obligation
	case OpTakeFCash, OpAddLiquidity:
		cash = cash.Neg() // paid in
	}
	entry := &model.JournalEntry{
		ID:        et.TradeID,
		AccountID: account,
		Operation: et.Type,
		CashGroup: et.Group,
		Currency:  g.Currency,
		Maturity:  et.Maturity,
		Cash:      cash,
		FCash:     fcash,
		Tokens:    et.Tokens,
		Fee:       et.Fee,
		Timestamp: at,
	}
	if err := s.store.InsertJournalEntry(ctx, entry); err != nil {
		slog.Error("journal write failed", "trade_id", et.TradeID, "err", err)
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// httpStatus maps engine errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, cashgroup.ErrInvalidSymbol),
		errors.Is(err, cashgroup.ErrInvalidMaturity):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrMarketExpired),
		errors.Is(err, market.ErrSlippageExceeded),
		errors.Is(err, market.ErrDeadlineExceeded),
		errors.Is(err, market.ErrInsufficientLiquidity),
		errors.Is(err, market.ErrInsufficientTokens),
		errors.Is(err, risk.ErrPerMarketLimitExceeded),
		errors.Is(err, risk.ErrGroupLimitExceeded),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrIncorrectCashBalance),
		errors.Is(err, ledger.ErrCannotSettlePriceDiscrepancy),
		errors.Is(err, ledger.ErrCannotLiquidateSufficientCollateral):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
