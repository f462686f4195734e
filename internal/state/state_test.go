package state

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/cashgroup"
	"github.com/swapmkt/lending-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testWorld() *World {
	w := New(1)
	w.Currencies[1] = &model.Currency{ID: 1, Symbol: "WETH", Decimals: 8}
	w.Currencies[2] = &model.Currency{ID: 2, Symbol: "DAI", Decimals: 8}
	w.Groups[1] = &cashgroup.Group{
		ID:             1,
		Currency:       2,
		CurrencySymbol: "DAI",
		PeriodSize:     90 * 24 * time.Hour,
		NumPeriods:     4,
		RateAnchor:     d(1.05),
		RateScalar:     d(100),
		FeeBasisPoints: d(0.0001),
	}
	return w
}

func TestClone_IsolatesBalances(t *testing.T) {
	w := testWorld()
	w.Balance("alice", 2).CurrencyBalance = d(100)

	c := w.Clone()
	c.Balance("alice", 2).CurrencyBalance = d(999)

	if !w.Balance("alice", 2).CurrencyBalance.Equal(d(100)) {
		t.Errorf("clone mutation leaked into original: %s",
			w.Balance("alice", 2).CurrencyBalance)
	}
}

func TestClone_IsolatesMarketsAndAssets(t *testing.T) {
	w := testWorld()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	maturity := w.Groups[1].ActiveMaturities(now)[0]
	m, err := w.EnsureMarket(1, maturity, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.TotalFCash = d(10000)
	w.Account("alice").Assets = []model.Asset{{
		Type: model.CashPayer, CashGroup: 1, Currency: 2,
		Maturity: maturity, Notional: d(50),
	}}

	c := w.Clone()
	cm, _ := c.Market(1, maturity)
	cm.TotalFCash = d(1)
	c.Account("alice").Assets[0].Notional = d(9999)

	if !m.TotalFCash.Equal(d(10000)) {
		t.Errorf("market mutation leaked: %s", m.TotalFCash)
	}
	if !w.Account("alice").Assets[0].Notional.Equal(d(50)) {
		t.Errorf("asset mutation leaked: %s", w.Account("alice").Assets[0].Notional)
	}
}

func TestApply_RollsBackOnError(t *testing.T) {
	w := testWorld()
	w.Balance("alice", 2).CurrencyBalance = d(100)

	boom := errors.New("boom")
	next, err := w.Apply(func(ws *World) error {
		ws.Balance("alice", 2).CurrencyBalance = d(0)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if next != w {
		t.Error("failed Apply must return the original world")
	}
	if !w.Balance("alice", 2).CurrencyBalance.Equal(d(100)) {
		t.Errorf("failed Apply mutated state: %s", w.Balance("alice", 2).CurrencyBalance)
	}
}

func TestApply_CommitsOnSuccess(t *testing.T) {
	w := testWorld()
	next, err := w.Apply(func(ws *World) error {
		ws.Balance("alice", 2).CurrencyBalance = d(42)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next == w {
		t.Fatal("successful Apply must return the clone")
	}
	if !next.Balance("alice", 2).CurrencyBalance.Equal(d(42)) {
		t.Errorf("clone missing mutation: %s", next.Balance("alice", 2).CurrencyBalance)
	}
}

func TestEnsureMarket_RejectsOffLadderMaturity(t *testing.T) {
	w := testWorld()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := w.EnsureMarket(1, now.Unix()+1, now); err == nil {
		t.Error("expected error for off-ladder maturity")
	}
	if _, err := w.EnsureMarket(9, now.Unix(), now); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestEnsureMarket_SeedsCurveFromGroup(t *testing.T) {
	w := testWorld()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	maturity := w.Groups[1].ActiveMaturities(now)[0]

	m, err := w.EnsureMarket(1, maturity, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.RateAnchor.Equal(d(1.05)) || !m.RateScalar.Equal(d(100)) {
		t.Errorf("market curve not seeded from group: anchor=%s scalar=%s",
			m.RateAnchor, m.RateScalar)
	}

	again, err := w.EnsureMarket(1, maturity, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != m {
		t.Error("EnsureMarket must return the existing pool")
	}
}
