// Package risk enforces trade-size limits per market and aggregate
// exposure limits per cash group.
//
// A borrower spreading a large position across every maturity of a
// group carries the same rate risk as one concentrated position, so the
// group limit sums absolute fCash exposure across maturities.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/model"
)

var (
	// ErrPerMarketLimitExceeded is returned when a trade would push a
	// single maturity's fCash position beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("risk: per-market trade limit exceeded")

	// ErrGroupLimitExceeded is returned when a trade would push the
	// aggregate absolute fCash exposure across a cash group's maturities
	// beyond the group maximum.
	ErrGroupLimitExceeded = errors.New("risk: cash group exposure limit exceeded")
)

// TradeLimiter enforces fCash exposure limits. A zero limit disables the
// corresponding check.
type TradeLimiter struct {
	// MaxPerMarket is the maximum absolute net fCash position at any
	// single maturity.
	MaxPerMarket decimal.Decimal

	// MaxPerGroup is the maximum aggregate absolute fCash exposure across
	// all maturities of one cash group.
	MaxPerGroup decimal.Decimal
}

// NewTradeLimiter creates a limiter with the given per-market and
// per-group exposure limits.
func NewTradeLimiter(maxPerMarket, maxPerGroup decimal.Decimal) *TradeLimiter {
	return &TradeLimiter{MaxPerMarket: maxPerMarket, MaxPerGroup: maxPerGroup}
}

// CheckLimit validates whether an fCash delta at the given maturity
// respects the account's limits. fCashDelta is signed: positive for a
// receiver position gained, negative for a payer obligation incurred.
func (l *TradeLimiter) CheckLimit(a *model.Account, group uint16, maturity int64, fCashDelta decimal.Decimal) error {
	newPosition := netFCash(a, group, maturity).Add(fCashDelta)

	if l.MaxPerMarket.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	if !l.MaxPerGroup.IsPositive() {
		return nil
	}
	total := newPosition.Abs()
	for _, asset := range a.Assets {
		if asset.CashGroup != group || asset.Maturity == maturity {
			continue
		}
		switch asset.Type {
		case model.CashReceiver, model.CashPayer:
			total = total.Add(asset.Notional.Abs())
		}
	}
	if total.GreaterThan(l.MaxPerGroup) {
		return ErrGroupLimitExceeded
	}
	return nil
}

// netFCash returns the account's signed fCash position at one maturity:
// receiver notional minus payer notional.
func netFCash(a *model.Account, group uint16, maturity int64) decimal.Decimal {
	net := decimal.Zero
	for _, asset := range a.Assets {
		if asset.CashGroup != group || asset.Maturity != maturity {
			continue
		}
		switch asset.Type {
		case model.CashReceiver:
			net = net.Add(asset.Notional)
		case model.CashPayer:
			net = net.Sub(asset.Notional)
		}
	}
	return net
}
