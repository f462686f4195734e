package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/cashgroup"
	"github.com/swapmkt/lending-engine/internal/model"
	"github.com/swapmkt/lending-engine/internal/state"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testWorld(t *testing.T) (*state.World, int64) {
	t.Helper()
	w := state.New(1)
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
	maturity := w.Groups[1].ActiveMaturities(testNow)[0]
	m, err := w.EnsureMarket(1, maturity, testNow)
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
	m.TotalFCash = d(10000)
	m.TotalCashClaim = d(10000)
	m.TotalLiquidity = d(10000)
	return w, maturity
}

func testOracle() *StaticOracle {
	o := NewStaticOracle(1)
	o.Set(2, d(0.0005)) // 2000 DAI per WETH
	return o
}

func receiver(maturity int64, notional float64) model.Asset {
	return model.Asset{Type: model.CashReceiver, CashGroup: 1, Currency: 2, Maturity: maturity, Notional: d(notional)}
}

func payer(maturity int64, notional float64) model.Asset {
	return model.Asset{Type: model.CashPayer, CashGroup: 1, Currency: 2, Maturity: maturity, Notional: d(notional)}
}

// --- AddAsset / RemoveAsset ---

func TestAddAsset_MergesSameType(t *testing.T) {
	a := &model.Account{ID: "alice"}
	AddAsset(a, receiver(100, 50))
	AddAsset(a, receiver(100, 25))

	if len(a.Assets) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", len(a.Assets))
	}
	if !a.Assets[0].Notional.Equal(d(75)) {
		t.Errorf("expected notional 75, got %s", a.Assets[0].Notional)
	}
}

func TestAddAsset_NetsPayerAgainstReceiver(t *testing.T) {
	a := &model.Account{ID: "alice"}
	AddAsset(a, payer(100, 80))
	AddAsset(a, receiver(100, 30))

	if len(a.Assets) != 1 {
		t.Fatalf("expected 1 entry after netting, got %d", len(a.Assets))
	}
	if a.Assets[0].Type != model.CashPayer || !a.Assets[0].Notional.Equal(d(50)) {
		t.Errorf("expected payer 50, got %s %s", a.Assets[0].Type, a.Assets[0].Notional)
	}
}

func TestAddAsset_NettingFlipsDirection(t *testing.T) {
	a := &model.Account{ID: "alice"}
	AddAsset(a, payer(100, 30))
	AddAsset(a, receiver(100, 80))

	if len(a.Assets) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(a.Assets))
	}
	if a.Assets[0].Type != model.CashReceiver || !a.Assets[0].Notional.Equal(d(50)) {
		t.Errorf("expected receiver 50, got %s %s", a.Assets[0].Type, a.Assets[0].Notional)
	}
}

func TestAddAsset_ExactNettingRemovesEntry(t *testing.T) {
	a := &model.Account{ID: "alice"}
	AddAsset(a, payer(100, 40))
	AddAsset(a, receiver(100, 40))

	if len(a.Assets) != 0 {
		t.Fatalf("expected empty portfolio, got %d entries", len(a.Assets))
	}
}

func TestAddAsset_DifferentMaturitiesDoNotNet(t *testing.T) {
	a := &model.Account{ID: "alice"}
	AddAsset(a, payer(100, 40))
	AddAsset(a, receiver(200, 40))

	if len(a.Assets) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(a.Assets))
	}
}

func TestRemoveAsset_PartialAndFull(t *testing.T) {
	a := &model.Account{ID: "alice"}
	AddAsset(a, receiver(100, 50))

	removed := RemoveAsset(a, model.CashReceiver, 1, 100, d(20))
	if !removed.Equal(d(20)) {
		t.Errorf("expected removed 20, got %s", removed)
	}
	if !a.Assets[0].Notional.Equal(d(30)) {
		t.Errorf("expected remainder 30, got %s", a.Assets[0].Notional)
	}

	// Removing more than held caps at the held amount and drops the entry.
	removed = RemoveAsset(a, model.CashReceiver, 1, 100, d(100))
	if !removed.Equal(d(30)) {
		t.Errorf("expected removed 30, got %s", removed)
	}
	if len(a.Assets) != 0 {
		t.Errorf("expected empty portfolio, got %d entries", len(a.Assets))
	}
}

// --- FreeCollateral ---

func TestFreeCollateral_UnknownAccountIsZero(t *testing.T) {
	w, _ := testWorld(t)
	fc, err := FreeCollateral(w, testOracle(), "nobody", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fc.IsZero() {
		t.Errorf("expected zero, got %s", fc)
	}
}

func TestFreeCollateral_BalancesAtFaceValue(t *testing.T) {
	w, _ := testWorld(t)
	w.Balance("alice", 1).CurrencyBalance = d(2)    // 2 WETH
	w.Balance("alice", 2).CurrencyBalance = d(1000) // 1000 DAI = 0.5 WETH

	fc, err := FreeCollateral(w, testOracle(), "alice", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fc.Equal(d(2.5)) {
		t.Errorf("expected 2.5, got %s", fc)
	}
}

func TestFreeCollateral_PayerOutweighsEqualReceiver(t *testing.T) {
	// Same notional payer and receiver at different maturities: the payer
	// buffer (1.05) and receiver haircut (0.95) leave a net obligation.
	w, maturity := testWorld(t)
	second := w.Groups[1].ActiveMaturities(testNow)[1]
	if _, err := w.EnsureMarket(1, second, testNow); err != nil {
		t.Fatalf("seed second market: %v", err)
	}

	a := w.Account("alice")
	AddAsset(a, payer(maturity, 1000))
	AddAsset(a, receiver(second, 1000))

	fc, err := FreeCollateral(w, testOracle(), "alice", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fc.IsNegative() {
		t.Errorf("expected negative free collateral, got %s", fc)
	}
}

func TestFreeCollateral_CollateralCoversDebt(t *testing.T) {
	w, maturity := testWorld(t)
	a := w.Account("alice")
	AddAsset(a, payer(maturity, 1000)) // ~0.5 WETH obligation
	w.Balance("alice", 1).CurrencyBalance = d(1)

	fc, err := FreeCollateral(w, testOracle(), "alice", testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fc.IsPositive() {
		t.Errorf("expected positive free collateral, got %s", fc)
	}
}

func TestFreeCollateral_MissingOracleRate(t *testing.T) {
	w, _ := testWorld(t)
	w.Balance("alice", 7).CurrencyBalance = d(100)

	if _, err := FreeCollateral(w, testOracle(), "alice", testNow); err == nil {
		t.Error("expected error for unknown currency")
	}
}

// --- Settlement ---

func TestSettleMaturedAssetsBatch_ConvertsAtPar(t *testing.T) {
	w, maturity := testWorld(t)
	a := w.Account("alice")
	AddAsset(a, receiver(maturity, 500))
	b := w.Account("bob")
	AddAsset(b, payer(maturity, 300))

	after := time.Unix(maturity, 0).UTC().Add(time.Hour)
	if err := SettleMaturedAssetsBatch(w, []string{"alice", "bob"}, after); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !w.Balance("alice", 2).CashBalance.Equal(d(500)) {
		t.Errorf("expected alice cash balance 500, got %s", w.Balance("alice", 2).CashBalance)
	}
	if !w.Balance("bob", 2).CashBalance.Equal(d(-300)) {
		t.Errorf("expected bob cash balance -300, got %s", w.Balance("bob", 2).CashBalance)
	}
	if len(a.Assets) != 0 || len(b.Assets) != 0 {
		t.Error("settled assets must be removed")
	}
}

func TestSettleMaturedAssetsBatch_Idempotent(t *testing.T) {
	w, maturity := testWorld(t)
	a := w.Account("alice")
	AddAsset(a, receiver(maturity, 500))

	after := time.Unix(maturity, 0).UTC().Add(time.Hour)
	if err := SettleMaturedAssetsBatch(w, []string{"alice"}, after); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if err := SettleMaturedAssetsBatch(w, []string{"alice"}, after); err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !w.Balance("alice", 2).CashBalance.Equal(d(500)) {
		t.Errorf("second settle must be a no-op, got %s", w.Balance("alice", 2).CashBalance)
	}
}

func TestSettleMaturedAssetsBatch_SkipsUnmatured(t *testing.T) {
	w, maturity := testWorld(t)
	a := w.Account("alice")
	AddAsset(a, receiver(maturity, 500))

	if err := SettleMaturedAssetsBatch(w, []string{"alice"}, testNow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Assets) != 1 {
		t.Error("unmatured assets must stay in the portfolio")
	}
	if !w.Balance("alice", 2).CashBalance.IsZero() {
		t.Errorf("expected no cash movement, got %s", w.Balance("alice", 2).CashBalance)
	}
}

func TestSettleMaturedAssetsBatch_LiquidityTokens(t *testing.T) {
	w, maturity := testWorld(t)
	a := w.Account("alice")
	AddAsset(a, model.Asset{
		Type: model.LiquidityToken, CashGroup: 1, Currency: 2,
		Maturity: maturity, Notional: d(2500),
	})

	after := time.Unix(maturity, 0).UTC().Add(time.Hour)
	if err := SettleMaturedAssetsBatch(w, []string{"alice"}, after); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 25% share of a 10000/10000 pool.
	if !w.Balance("alice", 2).CurrencyBalance.Equal(d(2500)) {
		t.Errorf("expected cash claim 2500, got %s", w.Balance("alice", 2).CurrencyBalance)
	}
	if !w.Balance("alice", 2).CashBalance.Equal(d(2500)) {
		t.Errorf("expected fCash claim 2500, got %s", w.Balance("alice", 2).CashBalance)
	}
}

func TestSettleMaturedAssetsBatch_KeepsTokenWithoutMarket(t *testing.T) {
	// A matured liquidity token whose pool is absent from the world has
	// nothing to redeem against; the claim must survive untouched.
	w, maturity := testWorld(t)
	a := w.Account("alice")
	AddAsset(a, model.Asset{
		Type: model.LiquidityToken, CashGroup: 1, Currency: 2,
		Maturity: maturity + 1, Notional: d(2500),
	})

	after := time.Unix(maturity, 0).UTC().Add(48 * time.Hour)
	if err := SettleMaturedAssetsBatch(w, []string{"alice"}, after); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := FindAsset(a, model.LiquidityToken, 1, maturity+1)
	if !ok || !got.Notional.Equal(d(2500)) {
		t.Fatalf("expected token claim to survive, got %v ok=%v", got, ok)
	}
	if !w.Balance("alice", 2).CurrencyBalance.IsZero() || !w.Balance("alice", 2).CashBalance.IsZero() {
		t.Errorf("expected no cash movement, got %s/%s",
			w.Balance("alice", 2).CurrencyBalance, w.Balance("alice", 2).CashBalance)
	}
}

// --- Oracle ---

func TestStaticOracle_DerivedCrossRate(t *testing.T) {
	o := NewStaticOracle(1)
	o.Set(2, d(0.0005))
	o.Set(3, d(0.001))

	rate, err := o.Rate(2, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rate.Equal(d(0.5)) {
		t.Errorf("expected 0.5, got %s", rate)
	}

	if _, err := o.Rate(9, 1); err == nil {
		t.Error("expected error for unknown currency")
	}
}
