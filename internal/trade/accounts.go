package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/ledger"
	"github.com/swapmkt/lending-engine/internal/metrics"
	"github.com/swapmkt/lending-engine/internal/model"
	"github.com/swapmkt/lending-engine/internal/portfolio"
	"github.com/swapmkt/lending-engine/internal/state"
)

// BalanceRequest is the JSON body for deposit and withdraw calls.
type BalanceRequest struct {
	Currency uint16          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// SettleCashRequest is the JSON body for POST /api/v1/settle-cash.
type SettleCashRequest struct {
	Currency uint16          `json:"currency"`
	Debtor   string          `json:"debtor"`
	Creditor string          `json:"creditor"`
	Amount   decimal.Decimal `json:"amount"`
	Settler  string          `json:"settler,omitempty"`
}

// LiquidateRequest is the JSON body for POST /api/v1/liquidate.
type LiquidateRequest struct {
	AccountID  string `json:"account_id"`
	Currency   uint16 `json:"currency"`
	Liquidator string `json:"liquidator"`
}

// SettleAccountsRequest is the JSON body for POST /api/v1/settle-accounts.
// An empty account list settles every known account.
type SettleAccountsRequest struct {
	Accounts []string `json:"accounts,omitempty"`
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "accountID")
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.world.Apply(func(ws *state.World) error {
		return s.escrow.Deposit(r.Context(), ws, account, req.Currency, req.Amount)
	})
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	s.world = next
	s.persistAccount(r.Context(), account)
	s.journalBalance(r.Context(), account, "DEPOSIT", req.Currency, req.Amount)

	slog.Info("deposit", "account", account, "currency", req.Currency, "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, s.world.Balance(account, req.Currency))
}

// Withdraw handles POST /api/v1/accounts/{accountID}/withdraw. Fails
// when the withdrawal would leave the account undercollateralized.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "accountID")
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	next, err := s.world.Apply(func(ws *state.World) error {
		return s.escrow.Withdraw(r.Context(), ws, account, req.Currency, req.Amount, at)
	})
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	s.world = next
	s.persistAccount(r.Context(), account)
	s.journalBalance(r.Context(), account, "WITHDRAW", req.Currency, req.Amount.Neg())

	slog.Info("withdraw", "account", account, "currency", req.Currency, "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, s.world.Balance(account, req.Currency))
}

// GetAccount handles GET /api/v1/accounts/{accountID}. Returns the
// account's balances and asset portfolio.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "accountID")

	s.mu.Lock()
	defer s.mu.Unlock()

	// Read-only lookup: a GET must not grow the world's account set.
	a, ok := s.world.Accounts[account]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":       account,
			"balances": map[uint16]*model.Balance{},
			"assets":   []model.Asset{},
		})
		return
	}
	assets := a.Assets
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       a.ID,
		"balances": a.Balances,
		"assets":   assets,
	})
}

// GetFreeCollateral handles GET /api/v1/accounts/{accountID}/free-collateral.
func (s *Service) GetFreeCollateral(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "accountID")

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	fc, err := portfolio.FreeCollateral(s.world, s.oracle, account, at)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":      account,
		"free_collateral": fc,
		"at":              at.Unix(),
	})
}

// GetJournal handles GET /api/v1/accounts/{accountID}/journal.
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "accountID")

	entries, err := s.store.GetJournalByAccount(r.Context(), account)
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// SettleCash handles POST /api/v1/settle-cash. Moves matured cash
// obligations between a debtor and a creditor, raising funds in the
// escrow's priority order. Partial settlement returns the settled amount.
func (s *Service) SettleCash(w http.ResponseWriter, r *http.Request) {
	var req SettleCashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Debtor == "" || req.Creditor == "" {
		writeError(w, "debtor and creditor are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	var settled decimal.Decimal
	next, err := s.world.Apply(func(ws *state.World) error {
		var err error
		settled, err = s.escrow.SettleCashBalance(r.Context(), ws, req.Currency, req.Debtor, req.Creditor, req.Amount, req.Settler, at)
		return err
	})
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	s.world = next
	metrics.SettlementsTotal.WithLabelValues("cash").Inc()

	for _, account := range []string{req.Debtor, req.Creditor, req.Settler, s.escrow.Reserve} {
		if account != "" {
			s.persistAccount(r.Context(), account)
		}
	}
	s.persistGroupMarkets(r.Context(), req.Currency)
	s.journalBalance(r.Context(), req.Debtor, "SETTLE_CASH", req.Currency, settled)

	slog.Info("cash settled",
		"debtor", req.Debtor,
		"creditor", req.Creditor,
		"currency", req.Currency,
		"requested", req.Amount.String(),
		"settled", settled.String(),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settled":   settled,
		"requested": req.Amount,
	})
}

// Liquidate handles POST /api/v1/liquidate.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.Liquidator == "" {
		writeError(w, "account_id and liquidator are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now()
	var result *ledger.LiquidationResult
	next, err := s.world.Apply(func(ws *state.World) error {
		var err error
		result, err = s.escrow.Liquidate(r.Context(), ws, req.AccountID, req.Currency, req.Liquidator, at)
		return err
	})
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	s.world = next
	metrics.LiquidationsTotal.Inc()

	s.persistAccount(r.Context(), req.AccountID)
	s.persistAccount(r.Context(), req.Liquidator)
	s.persistGroupMarkets(r.Context(), req.Currency)
	s.journalBalance(r.Context(), req.AccountID, "LIQUIDATE", req.Currency, result.FromLiquidator)

	slog.Info("account liquidated",
		"account", req.AccountID,
		"liquidator", req.Liquidator,
		"currency", req.Currency,
		"shortfall", result.Shortfall.String(),
		"collateral_seized", result.CollateralSeized.String(),
		"debt_repurchased", result.DebtRepurchased.String(),
	)
	writeJSON(w, http.StatusOK, result)
}

// SettleAccounts handles POST /api/v1/settle-accounts: converts every
// matured asset of the listed accounts into cash balances. Idempotent.
func (s *Service) SettleAccounts(w http.ResponseWriter, r *http.Request) {
	var req SettleAccountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := req.Accounts
	if len(accounts) == 0 {
		accounts = s.world.AccountIDs()
	}

	at := s.now()
	next, err := s.world.Apply(func(ws *state.World) error {
		return portfolio.SettleMaturedAssetsBatch(ws, accounts, at)
	})
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	s.world = next
	metrics.SettlementsTotal.WithLabelValues("assets").Inc()

	for _, account := range accounts {
		s.persistAccount(r.Context(), account)
	}
	s.persistAllMarkets(r.Context())
	s.updateActiveMarkets(at)

	slog.Info("accounts settled", "count", len(accounts))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settled_accounts": len(accounts),
		"at":               at.Unix(),
	})
}

// journalBalance records a non-trade balance movement.
func (s *Service) journalBalance(ctx context.Context, account, operation string, currency uint16, amount decimal.Decimal) {
	entry := &model.JournalEntry{
		ID:        uuid.New().String(),
		AccountID: account,
		Operation: operation,
		Currency:  currency,
		Cash:      amount,
		Timestamp: s.now(),
	}
	if err := s.store.InsertJournalEntry(ctx, entry); err != nil {
		slog.Error("journal write failed", "operation", operation, "account", account, "err", err)
	}
}

func (s *Service) persistGroupMarkets(ctx context.Context, currency uint16) {
	for _, g := range s.world.Groups {
		if g.Currency != currency {
			continue
		}
		for _, m := range s.world.GroupMarkets(g.ID) {
			s.persistMarket(ctx, m.CashGroup, m.Maturity)
		}
	}
}

func (s *Service) persistAllMarkets(ctx context.Context) {
	for key := range s.world.Markets {
		s.persistMarket(ctx, key.CashGroup, key.Maturity)
	}
}
