package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func accountWith(assets ...model.Asset) *model.Account {
	return &model.Account{ID: "alice", Assets: assets}
}

func payer(maturity int64, notional float64) model.Asset {
	return model.Asset{Type: model.CashPayer, CashGroup: 1, Currency: 2, Maturity: maturity, Notional: d(notional)}
}

func receiver(maturity int64, notional float64) model.Asset {
	return model.Asset{Type: model.CashReceiver, CashGroup: 1, Currency: 2, Maturity: maturity, Notional: d(notional)}
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	l := NewTradeLimiter(d(1000), d(5000))
	a := accountWith(payer(100, 500))

	if err := l.CheckLimit(a, 1, 100, d(-400)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	l := NewTradeLimiter(d(1000), d(5000))
	a := accountWith(payer(100, 500))

	err := l.CheckLimit(a, 1, 100, d(-600))
	if !errors.Is(err, ErrPerMarketLimitExceeded) {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_NettingReducesPosition(t *testing.T) {
	l := NewTradeLimiter(d(1000), d(5000))
	a := accountWith(payer(100, 900))

	// Lending against an existing borrow shrinks the net position.
	if err := l.CheckLimit(a, 1, 100, d(500)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckLimit_GroupExceeded(t *testing.T) {
	l := NewTradeLimiter(d(1000), d(1500))
	a := accountWith(payer(100, 800), receiver(200, 700))

	err := l.CheckLimit(a, 1, 300, d(-100))
	if !errors.Is(err, ErrGroupLimitExceeded) {
		t.Errorf("expected ErrGroupLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherGroupIgnored(t *testing.T) {
	l := NewTradeLimiter(d(1000), d(1500))
	a := accountWith(model.Asset{
		Type: model.CashPayer, CashGroup: 2, Currency: 3,
		Maturity: 100, Notional: d(99999),
	})

	if err := l.CheckLimit(a, 1, 100, d(-1000)); err != nil {
		t.Errorf("positions in other groups must not count: %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisabled(t *testing.T) {
	l := NewTradeLimiter(decimal.Zero, decimal.Zero)
	a := accountWith(payer(100, 1e9))

	if err := l.CheckLimit(a, 1, 100, d(-1e9)); err != nil {
		t.Errorf("zero limits must disable checks: %v", err)
	}
}

func TestCheckLimit_LiquidityTokensIgnored(t *testing.T) {
	l := NewTradeLimiter(d(1000), d(1000))
	a := accountWith(model.Asset{
		Type: model.LiquidityToken, CashGroup: 1, Currency: 2,
		Maturity: 200, Notional: d(5000),
	})

	if err := l.CheckLimit(a, 1, 100, d(-900)); err != nil {
		t.Errorf("liquidity tokens are not fCash exposure: %v", err)
	}
}
