// Package model defines the core domain types shared across the lending
// engine. All monetary values use shopspring/decimal — never float64 for
// money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetType discriminates the portfolio asset variants.
type AssetType string

const (
	// CashPayer is an obligation to pay notional at maturity (borrow side).
	CashPayer AssetType = "CASH_PAYER"
	// CashReceiver is a claim on notional at maturity (lend side).
	CashReceiver AssetType = "CASH_RECEIVER"
	// LiquidityToken is a proportional claim on a market's pooled cash and
	// fCash. Notional is the token count.
	LiquidityToken AssetType = "LIQUIDITY_TOKEN"
)

// Currency is a tradable currency registered with the engine. Exchange
// rates versus the base currency come from the external price oracle.
type Currency struct {
	ID       uint16 `json:"id" db:"id"`
	Symbol   string `json:"symbol" db:"symbol"`
	Decimals int32  `json:"decimals" db:"decimals"`
}

// Market is the state of one cash/fCash pool, keyed by (cash group,
// maturity). Invariant: TotalLiquidity > 0 implies TotalFCash > 0 and
// TotalCashClaim > 0.
type Market struct {
	CashGroup      uint16          `json:"cash_group" db:"cash_group"`
	Maturity       int64           `json:"maturity" db:"maturity"` // unix seconds
	TotalFCash     decimal.Decimal `json:"total_fcash" db:"total_fcash"`
	TotalCashClaim decimal.Decimal `json:"total_cash_claim" db:"total_cash_claim"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity" db:"total_liquidity"`
	RateAnchor     decimal.Decimal `json:"rate_anchor" db:"rate_anchor"`
	RateScalar     decimal.Decimal `json:"rate_scalar" db:"rate_scalar"`
	FeeBasisPoints decimal.Decimal `json:"fee_basis_points" db:"fee_basis_points"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// MaturityTime returns the maturity as a time.Time in UTC.
func (m *Market) MaturityTime() time.Time {
	return time.Unix(m.Maturity, 0).UTC()
}

// Expired reports whether the market is past maturity at the given time.
func (m *Market) Expired(at time.Time) bool {
	return !at.Before(m.MaturityTime())
}

// Asset is one entry in an account's portfolio. Notional is unsigned; the
// payer/receiver direction is carried by Type. For liquidity tokens the
// notional is the token count.
type Asset struct {
	Type      AssetType       `json:"type" db:"type"`
	CashGroup uint16          `json:"cash_group" db:"cash_group"`
	Currency  uint16          `json:"currency" db:"currency"`
	Maturity  int64           `json:"maturity" db:"maturity"`
	Notional  decimal.Decimal `json:"notional" db:"notional"`
}

// Matured reports whether the asset's maturity has passed.
func (a *Asset) Matured(at time.Time) bool {
	return !at.Before(time.Unix(a.Maturity, 0).UTC())
}

// Balance holds one account's position in one currency. CashBalance is the
// signed net fixed-rate obligation (negative = payer); CurrencyBalance is
// the free, spendable token-equivalent holding.
type Balance struct {
	CashBalance     decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	CurrencyBalance decimal.Decimal `json:"currency_balance" db:"currency_balance"`
}

// Account aggregates an account's balances and its ordered asset list.
type Account struct {
	ID       string              `json:"id" db:"id"`
	Balances map[uint16]*Balance `json:"balances"`
	Assets   []Asset             `json:"assets"`
}

// JournalEntry is an immutable record of an executed operation. Once
// created, these are never modified or deleted.
type JournalEntry struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Operation string          `json:"operation" db:"operation"`
	CashGroup uint16          `json:"cash_group" db:"cash_group"`
	Currency  uint16          `json:"currency" db:"currency"`
	Maturity  int64           `json:"maturity" db:"maturity"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`     // signed cash delta
	FCash     decimal.Decimal `json:"fcash" db:"fcash"`   // signed fCash delta
	Tokens    decimal.Decimal `json:"tokens" db:"tokens"` // liquidity tokens minted/burned
	Fee       decimal.Decimal `json:"fee" db:"fee"`       // protocol fee charged
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
