package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/cashgroup"
	"github.com/swapmkt/lending-engine/internal/model"
	"github.com/swapmkt/lending-engine/internal/portfolio"
	"github.com/swapmkt/lending-engine/internal/state"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// testWorld seeds WETH as base, a DAI cash group, and a balanced pool at
// the first active maturity.
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

func testEscrow() *Escrow {
	o := portfolio.NewStaticOracle(1)
	o.Set(2, d(0.0005)) // 2000 DAI per WETH
	return New(NopTransfer{}, o, "reserve")
}

type failingTransfer struct{ err error }

func (f failingTransfer) MoveIn(context.Context, string, uint16, decimal.Decimal) error {
	return f.err
}
func (f failingTransfer) MoveOut(context.Context, string, uint16, decimal.Decimal) error {
	return f.err
}

func approx(t *testing.T, got, want, tol decimal.Decimal, label string) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(tol) {
		t.Errorf("%s: got %s, want %s (±%s)", label, got, want, tol)
	}
}

// --- Deposit / Withdraw ---

func TestDeposit_CreditsBalance(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()

	if err := e.Deposit(context.Background(), w, "alice", 2, d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !w.Balance("alice", 2).CurrencyBalance.Equal(d(1000)) {
		t.Errorf("expected balance 1000, got %s", w.Balance("alice", 2).CurrencyBalance)
	}
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()

	if err := e.Deposit(context.Background(), w, "alice", 2, decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDeposit_TransferFailureLeavesBalanceUntouched(t *testing.T) {
	w, _ := testWorld(t)
	o := portfolio.NewStaticOracle(1)
	e := New(failingTransfer{err: errors.New("custodian down")}, o, "reserve")

	if err := e.Deposit(context.Background(), w, "alice", 2, d(500)); err == nil {
		t.Fatal("expected transfer error")
	}
	if !w.Balance("alice", 2).CurrencyBalance.IsZero() {
		t.Errorf("balance must not be credited on transfer failure")
	}
}

func TestWithdraw_DebitsBalance(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()
	w.Balance("alice", 2).CurrencyBalance = d(1000)

	if err := e.Withdraw(context.Background(), w, "alice", 2, d(400), testNow); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !w.Balance("alice", 2).CurrencyBalance.Equal(d(600)) {
		t.Errorf("expected balance 600, got %s", w.Balance("alice", 2).CurrencyBalance)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()
	w.Balance("alice", 2).CurrencyBalance = d(100)

	if err := e.Withdraw(context.Background(), w, "alice", 2, d(500), testNow); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestWithdraw_BlockedByDebt(t *testing.T) {
	w, maturity := testWorld(t)
	e := testEscrow()
	a := w.Account("alice")
	w.Balance("alice", 2).CurrencyBalance = d(2000)
	portfolio.AddAsset(a, model.Asset{
		Type: model.CashPayer, CashGroup: 1, Currency: 2,
		Maturity: maturity, Notional: d(1000),
	})

	// The remaining 500 cannot buffer a 1000 fCash obligation.
	err := e.Withdraw(context.Background(), w, "alice", 2, d(1500), testNow)
	if !errors.Is(err, ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}
}

// --- SettleCashBalance ---

func TestSettleCash_RejectsAmountBeyondCashBalances(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()
	w.Balance("debtor", 2).CashBalance = d(-100)
	w.Balance("creditor", 2).CashBalance = d(100)

	_, err := e.SettleCashBalance(context.Background(), w, 2, "debtor", "creditor", d(200), "", testNow)
	if !errors.Is(err, ErrIncorrectCashBalance) {
		t.Errorf("expected ErrIncorrectCashBalance, got %v", err)
	}
}

func TestSettleCash_PartialFromOwnBalance(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()
	w.Balance("debtor", 2).CashBalance = d(-500)
	w.Balance("debtor", 2).CurrencyBalance = d(300)
	w.Balance("creditor", 2).CashBalance = d(500)

	settled, err := e.SettleCashBalance(context.Background(), w, 2, "debtor", "creditor", d(500), "", testNow)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Equal(d(300)) {
		t.Errorf("expected settled 300, got %s", settled)
	}
	if !w.Balance("debtor", 2).CashBalance.Equal(d(-200)) {
		t.Errorf("expected debtor cash -200, got %s", w.Balance("debtor", 2).CashBalance)
	}
	if !w.Balance("creditor", 2).CurrencyBalance.Equal(d(300)) {
		t.Errorf("expected creditor paid 300, got %s", w.Balance("creditor", 2).CurrencyBalance)
	}
}

func TestSettleCash_LessThanBalanceLeavesRemainder(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()
	w.Balance("debtor", 2).CashBalance = d(-500)
	w.Balance("debtor", 2).CurrencyBalance = d(300)
	w.Balance("creditor", 2).CashBalance = d(500)

	settled, err := e.SettleCashBalance(context.Background(), w, 2, "debtor", "creditor", d(250), "", testNow)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Equal(d(250)) {
		t.Errorf("expected settled 250, got %s", settled)
	}
	db := w.Balance("debtor", 2)
	if !db.CashBalance.Equal(d(-250)) || !db.CurrencyBalance.Equal(d(50)) {
		t.Errorf("expected debtor cash -250 / currency 50, got %s / %s", db.CashBalance, db.CurrencyBalance)
	}
	if !w.Balance("creditor", 2).CashBalance.Equal(d(250)) {
		t.Errorf("expected creditor cash 250, got %s", w.Balance("creditor", 2).CashBalance)
	}
}

func TestSettleCash_FundsFromLiquidityTokens(t *testing.T) {
	w, maturity := testWorld(t)
	e := testEscrow()
	a := w.Account("debtor")
	portfolio.AddAsset(a, model.Asset{
		Type: model.LiquidityToken, CashGroup: 1, Currency: 2,
		Maturity: maturity, Notional: d(1000),
	})
	w.Balance("debtor", 2).CashBalance = d(-500)
	w.Balance("creditor", 2).CashBalance = d(500)

	settled, err := e.SettleCashBalance(context.Background(), w, 2, "debtor", "creditor", d(500), "", testNow)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Equal(d(500)) {
		t.Errorf("expected full settlement, got %s", settled)
	}
	if !w.Balance("debtor", 2).CashBalance.IsZero() {
		t.Errorf("expected debtor cash cleared, got %s", w.Balance("debtor", 2).CashBalance)
	}

	// Half the tokens were redeemed; the fCash claim comes back as a
	// receiver position.
	lt, ok := portfolio.FindAsset(a, model.LiquidityToken, 1, maturity)
	if !ok || !lt.Notional.Equal(d(500)) {
		t.Fatalf("expected 500 tokens left, got %+v", lt)
	}
	rec, ok := portfolio.FindAsset(a, model.CashReceiver, 1, maturity)
	if !ok || !rec.Notional.Equal(d(500)) {
		t.Fatalf("expected receiver 500 from redemption, got %+v", rec)
	}
}

func TestSettleCash_SellsReceivers(t *testing.T) {
	w, maturity := testWorld(t)
	e := testEscrow()
	a := w.Account("debtor")
	portfolio.AddAsset(a, model.Asset{
		Type: model.CashReceiver, CashGroup: 1, Currency: 2,
		Maturity: maturity, Notional: d(1000),
	})
	w.Balance("debtor", 2).CashBalance = d(-400)
	w.Balance("creditor", 2).CashBalance = d(400)
	w.Balance("reserve", 2).CurrencyBalance = d(50)

	settled, err := e.SettleCashBalance(context.Background(), w, 2, "debtor", "creditor", d(400), "", testNow)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Equal(d(400)) {
		t.Errorf("expected settled 400, got %s", settled)
	}

	rec, ok := portfolio.FindAsset(a, model.CashReceiver, 1, maturity)
	if !ok || rec.Notional.GreaterThanOrEqual(d(1000)) {
		t.Fatalf("expected receiver position reduced, got %+v", rec)
	}
	// Near par with days to maturity; the reserve only covers pricing dust.
	approx(t, rec.Notional, d(600), d(5), "remaining receiver")
	if w.Balance("reserve", 2).CurrencyBalance.LessThan(d(49)) {
		t.Errorf("reserve drained more than dust: %s", w.Balance("reserve", 2).CurrencyBalance)
	}
}

func TestSettleCash_SellsCollateralToSettler(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()
	w.Balance("debtor", 2).CashBalance = d(-400)
	w.Balance("debtor", 1).CurrencyBalance = d(1) // 1 WETH collateral
	w.Balance("creditor", 2).CashBalance = d(400)
	w.Balance("settler", 2).CurrencyBalance = d(10000)

	settled, err := e.SettleCashBalance(context.Background(), w, 2, "debtor", "creditor", d(400), "settler", testNow)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Equal(d(400)) {
		t.Errorf("expected settled 400, got %s", settled)
	}

	// 400 DAI at 0.0005 WETH/DAI, discounted 5% in the settler's favor.
	wantBase := d(0.21) // 400 * 0.0005 * 1.05
	if !w.Balance("settler", 1).CurrencyBalance.Equal(wantBase) {
		t.Errorf("expected settler to receive %s WETH, got %s", wantBase, w.Balance("settler", 1).CurrencyBalance)
	}
	if !w.Balance("debtor", 1).CurrencyBalance.Equal(d(0.79)) {
		t.Errorf("expected debtor collateral 0.79, got %s", w.Balance("debtor", 1).CurrencyBalance)
	}
	if !w.Balance("settler", 2).CurrencyBalance.Equal(d(9600)) {
		t.Errorf("expected settler DAI 9600, got %s", w.Balance("settler", 2).CurrencyBalance)
	}
}

func TestSettleCash_ReserveOfLastResort(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()
	w.Balance("debtor", 2).CashBalance = d(-200)
	w.Balance("creditor", 2).CashBalance = d(200)
	w.Balance("reserve", 2).CurrencyBalance = d(150)

	settled, err := e.SettleCashBalance(context.Background(), w, 2, "debtor", "creditor", d(200), "", testNow)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Equal(d(150)) {
		t.Errorf("expected partial settlement of 150, got %s", settled)
	}
	if !w.Balance("reserve", 2).CurrencyBalance.IsZero() {
		t.Errorf("expected reserve drained, got %s", w.Balance("reserve", 2).CurrencyBalance)
	}
	if !w.Balance("debtor", 2).CashBalance.Equal(d(-50)) {
		t.Errorf("expected debtor cash -50, got %s", w.Balance("debtor", 2).CashBalance)
	}
}

func TestSettleCash_ReceiverSaleSlippageGuard(t *testing.T) {
	// A flatter curve with a heavily utilized pool prices fCash sales
	// below the maximum settlement discount.
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
		RateScalar:     d(10),
		FeeBasisPoints: d(0.0001),
	}
	maturity := w.Groups[1].ActiveMaturities(testNow)[0]
	m, err := w.EnsureMarket(1, maturity, testNow)
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
	m.TotalFCash = d(19000)
	m.TotalCashClaim = d(1000)
	m.TotalLiquidity = d(10000)

	e := testEscrow()
	a := w.Account("debtor")
	portfolio.AddAsset(a, model.Asset{
		Type: model.CashReceiver, CashGroup: 1, Currency: 2,
		Maturity: maturity, Notional: d(500),
	})
	w.Balance("debtor", 2).CashBalance = d(-400)
	w.Balance("creditor", 2).CashBalance = d(400)

	_, err = e.SettleCashBalance(context.Background(), w, 2, "debtor", "creditor", d(400), "", testNow)
	if !errors.Is(err, ErrCannotSettlePriceDiscrepancy) {
		t.Errorf("expected ErrCannotSettlePriceDiscrepancy, got %v", err)
	}
}

// --- Liquidate ---

func TestLiquidate_RejectsSolventAccount(t *testing.T) {
	w, _ := testWorld(t)
	e := testEscrow()
	w.Balance("alice", 2).CurrencyBalance = d(100)

	_, err := e.Liquidate(context.Background(), w, "alice", 2, "liq", testNow)
	if !errors.Is(err, ErrCannotLiquidateSufficientCollateral) {
		t.Errorf("expected ErrCannotLiquidateSufficientCollateral, got %v", err)
	}
}

func TestLiquidate_SeizesCollateralAndBuysBackDebt(t *testing.T) {
	w, maturity := testWorld(t)
	e := testEscrow()
	a := w.Account("alice")
	portfolio.AddAsset(a, model.Asset{
		Type: model.CashPayer, CashGroup: 1, Currency: 2,
		Maturity: maturity, Notional: d(1000),
	})
	w.Balance("alice", 1).CurrencyBalance = d(0.3)
	w.Balance("liq", 2).CurrencyBalance = d(10000)

	res, err := e.Liquidate(context.Background(), w, "alice", 2, "liq", testNow)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if !res.FromLiquidator.IsPositive() {
		t.Fatalf("expected liquidator to fund the shortfall, got %s", res.FromLiquidator)
	}
	// Collateral moves at the oracle rate plus the liquidation discount.
	wantSeized := res.FromLiquidator.Mul(d(0.0005)).Mul(d(1.05)).Round(8)
	if !res.CollateralSeized.Equal(wantSeized) {
		t.Errorf("expected seized %s, got %s", wantSeized, res.CollateralSeized)
	}
	if !w.Balance("liq", 1).CurrencyBalance.Equal(res.CollateralSeized) {
		t.Errorf("liquidator base balance mismatch: %s vs %s",
			w.Balance("liq", 1).CurrencyBalance, res.CollateralSeized)
	}
	if !w.Balance("alice", 1).CurrencyBalance.Equal(d(0.3).Sub(res.CollateralSeized)) {
		t.Errorf("collateral not debited: %s", w.Balance("alice", 1).CurrencyBalance)
	}

	if !res.DebtRepurchased.IsPositive() {
		t.Fatalf("expected payer debt bought back, got %s", res.DebtRepurchased)
	}
	pay, ok := portfolio.FindAsset(a, model.CashPayer, 1, maturity)
	if !ok || pay.Notional.GreaterThanOrEqual(d(1000)) {
		t.Errorf("expected payer notional reduced, got %+v", pay)
	}
}

func TestLiquidate_CollateralCapsLiquidatorContribution(t *testing.T) {
	w, maturity := testWorld(t)
	e := testEscrow()
	a := w.Account("alice")
	portfolio.AddAsset(a, model.Asset{
		Type: model.CashPayer, CashGroup: 1, Currency: 2,
		Maturity: maturity, Notional: d(1000),
	})
	w.Balance("alice", 1).CurrencyBalance = d(0.05)
	w.Balance("liq", 2).CurrencyBalance = d(10000)

	res, err := e.Liquidate(context.Background(), w, "alice", 2, "liq", testNow)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.FromLiquidator.LessThan(res.Shortfall) {
		t.Errorf("expected partial liquidation, funded %s of %s", res.FromLiquidator, res.Shortfall)
	}
	approx(t, res.CollateralSeized, d(0.05), d(0.00000001), "seized collateral")
	if !w.Balance("alice", 1).CurrencyBalance.IsZero() {
		t.Errorf("expected collateral exhausted, got %s", w.Balance("alice", 1).CurrencyBalance)
	}
}

func TestLiquidate_NoFundsNoBalance(t *testing.T) {
	w, maturity := testWorld(t)
	e := testEscrow()
	a := w.Account("alice")
	portfolio.AddAsset(a, model.Asset{
		Type: model.CashPayer, CashGroup: 1, Currency: 2,
		Maturity: maturity, Notional: d(1000),
	})
	w.Balance("alice", 1).CurrencyBalance = d(0.3)

	_, err := e.Liquidate(context.Background(), w, "alice", 2, "broke", testNow)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}
