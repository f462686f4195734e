// Package ledger implements the escrow: per-account per-currency
// balances, deposits and withdrawals, cross-account cash settlement, and
// liquidation.
//
// Token movement itself is delegated to the AssetTransfer collaborator;
// the escrow only records post-condition balances. Cross-currency
// conversions use the external price oracle.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/cashgroup"
	"github.com/swapmkt/lending-engine/internal/market"
	"github.com/swapmkt/lending-engine/internal/model"
	"github.com/swapmkt/lending-engine/internal/portfolio"
	"github.com/swapmkt/lending-engine/internal/state"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInsufficientFunds is returned when a balance cannot cover a
	// withdrawal or a liquidator cannot fund a purchase.
	ErrInsufficientFunds = errors.New("ledger: insufficient currency balance")

	// ErrInsufficientCollateral is returned when an operation would leave
	// the account's free collateral negative.
	ErrInsufficientCollateral = errors.New("ledger: free collateral would be negative")

	// ErrIncorrectCashBalance is returned when a settlement amount exceeds
	// the debtor's negative or the creditor's positive cash balance.
	ErrIncorrectCashBalance = errors.New("ledger: settlement amount exceeds cash balances")

	// ErrCannotSettlePriceDiscrepancy is returned when the oracle and
	// market-implied prices diverge beyond tolerance, or asset sales would
	// require too much slippage.
	ErrCannotSettlePriceDiscrepancy = errors.New("ledger: price discrepancy, cannot settle")

	// ErrCannotLiquidateSufficientCollateral is returned when liquidation
	// is attempted against a solvent account.
	ErrCannotLiquidateSufficientCollateral = errors.New("ledger: account has sufficient collateral")

	// ErrUnknownCurrency is returned when no cash group serves a currency.
	ErrUnknownCurrency = errors.New("ledger: no cash group for currency")
)

// AssetTransfer moves tokens between the escrow and the outside world.
// External collaborator; the escrow trusts its success or failure.
type AssetTransfer interface {
	MoveIn(ctx context.Context, account string, currency uint16, amount decimal.Decimal) error
	MoveOut(ctx context.Context, account string, currency uint16, amount decimal.Decimal) error
}

// NopTransfer is an AssetTransfer that accepts every movement. Used when
// no custodian is configured (development, tests); balances then track
// acknowledged deposits rather than actual token custody.
type NopTransfer struct{}

func (NopTransfer) MoveIn(context.Context, string, uint16, decimal.Decimal) error  { return nil }
func (NopTransfer) MoveOut(context.Context, string, uint16, decimal.Decimal) error { return nil }

// Escrow executes balance operations against a WorldState. It holds no
// mutable state of its own.
type Escrow struct {
	transfer AssetTransfer
	oracle   portfolio.PriceOracle

	// Reserve is the protocol account funding settlement of last resort
	// and collecting trade fees.
	Reserve string

	// LiquidationDiscount (>1) is applied in the liquidator's favor when
	// seizing collateral.
	LiquidationDiscount decimal.Decimal

	// SettlementDiscount (>1) is applied in the settler's favor on
	// cross-currency collateral sales during cash settlement.
	SettlementDiscount decimal.Decimal

	// MaxSettlementRate bounds the annualized discount accepted when
	// selling debtor fCash; deeper discounts abort with
	// ErrCannotSettlePriceDiscrepancy.
	MaxSettlementRate decimal.Decimal
}

// New creates an escrow with the default risk parameters.
func New(transfer AssetTransfer, oracle portfolio.PriceOracle, reserve string) *Escrow {
	return &Escrow{
		transfer:            transfer,
		oracle:              oracle,
		Reserve:             reserve,
		LiquidationDiscount: decimal.NewFromFloat(1.05),
		SettlementDiscount:  decimal.NewFromFloat(1.05),
		MaxSettlementRate:   decimal.NewFromFloat(0.20),
	}
}

// Deposit records an inbound transfer into the account's currency
// balance. Aborts without mutation if the transfer collaborator fails.
func (e *Escrow) Deposit(ctx context.Context, w *state.World, account string, currency uint16, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if err := e.transfer.MoveIn(ctx, account, currency, amount); err != nil {
		return fmt.Errorf("ledger: deposit transfer: %w", err)
	}
	b := w.Balance(account, currency)
	b.CurrencyBalance = b.CurrencyBalance.Add(amount)
	return nil
}

// Withdraw debits the account's currency balance and moves tokens out.
// Fails with ErrInsufficientCollateral if the account's free collateral
// would turn negative.
func (e *Escrow) Withdraw(ctx context.Context, w *state.World, account string, currency uint16, amount decimal.Decimal, at time.Time) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	b := w.Balance(account, currency)
	if b.CurrencyBalance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	b.CurrencyBalance = b.CurrencyBalance.Sub(amount)

	fc, err := portfolio.FreeCollateral(w, e.oracle, account, at)
	if err != nil {
		return err
	}
	if fc.IsNegative() {
		return ErrInsufficientCollateral
	}

	if err := e.transfer.MoveOut(ctx, account, currency, amount); err != nil {
		return fmt.Errorf("ledger: withdraw transfer: %w", err)
	}
	return nil
}

// SettleCashBalance moves up to amount of the debtor's negative cash
// obligation to the creditor, funding the payment in priority order:
// the debtor's own currency balance, sale of the debtor's liquidity
// tokens, sale of the debtor's fCash receivers, a cross-currency sale of
// the debtor's collateral balance to the settler, and finally the
// reserve account. Partial settlement is explicit: the settled amount is
// returned and may be below the request.
func (e *Escrow) SettleCashBalance(ctx context.Context, w *state.World, currency uint16, debtor, creditor string, amount decimal.Decimal, settler string, at time.Time) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	db := w.Balance(debtor, currency)
	cb := w.Balance(creditor, currency)
	if db.CashBalance.Neg().LessThan(amount) || cb.CashBalance.LessThan(amount) {
		return decimal.Zero, ErrIncorrectCashBalance
	}

	// Funding sources top up the debtor's currency balance until it can
	// cover the requested amount; the payout happens once at the end.
	if db.CurrencyBalance.LessThan(amount) {
		if err := e.sellLiquidityTokens(w, currency, debtor, amount, at); err != nil {
			return decimal.Zero, err
		}
	}
	if db.CurrencyBalance.LessThan(amount) {
		if err := e.sellReceivers(w, currency, debtor, amount, at); err != nil {
			return decimal.Zero, err
		}
	}
	if db.CurrencyBalance.LessThan(amount) && settler != "" {
		if err := e.sellCollateral(w, currency, debtor, settler, amount); err != nil {
			return decimal.Zero, err
		}
	}
	if db.CurrencyBalance.LessThan(amount) {
		rb := w.Balance(e.Reserve, currency)
		use := decimal.Min(rb.CurrencyBalance, amount.Sub(db.CurrencyBalance))
		if use.IsPositive() {
			rb.CurrencyBalance = rb.CurrencyBalance.Sub(use)
			db.CurrencyBalance = db.CurrencyBalance.Add(use)
		}
	}

	settled := decimal.Min(db.CurrencyBalance, amount)
	if settled.IsPositive() {
		db.CurrencyBalance = db.CurrencyBalance.Sub(settled)
		db.CashBalance = db.CashBalance.Add(settled)
		cb.CashBalance = cb.CashBalance.Sub(settled)
		cb.CurrencyBalance = cb.CurrencyBalance.Add(settled)
	}
	return settled, nil
}

// sellLiquidityTokens redeems the debtor's liquidity tokens in the
// currency's cash group until the target balance is reached. The fCash
// claim from each redemption nets against the debtor's payer positions.
func (e *Escrow) sellLiquidityTokens(w *state.World, currency uint16, debtor string, target decimal.Decimal, at time.Time) error {
	g, err := groupForCurrency(w, currency)
	if err != nil {
		return err
	}
	a := w.Account(debtor)
	db := w.Balance(debtor, currency)

	for _, asset := range tokensByMaturity(a, g.ID) {
		if db.CurrencyBalance.GreaterThanOrEqual(target) {
			return nil
		}
		m, ok := w.Market(g.ID, asset.Maturity)
		if !ok || m.Expired(at) || m.TotalLiquidity.IsZero() {
			continue
		}
		cashPerToken := m.TotalCashClaim.Div(m.TotalLiquidity)
		if cashPerToken.LessThanOrEqual(decimal.Zero) {
			continue
		}
		need := target.Sub(db.CurrencyBalance)
		tokens := decimal.Min(asset.Notional, need.Div(cashPerToken).RoundUp(market.MoneyScale))

		res, err := market.RemoveLiquidity(m, tokens, at, at)
		if err != nil {
			continue
		}
		portfolio.RemoveAsset(a, model.LiquidityToken, g.ID, asset.Maturity, tokens)
		db.CurrencyBalance = db.CurrencyBalance.Add(res.Cash)
		if res.FCash.IsPositive() {
			portfolio.AddAsset(a, model.Asset{
				Type:      model.CashReceiver,
				CashGroup: g.ID,
				Currency:  currency,
				Maturity:  asset.Maturity,
				Notional:  res.FCash,
			})
		}
	}
	return nil
}

// sellReceivers sells the debtor's fCash receiver positions into their
// markets. Sales at a deeper discount than MaxSettlementRate abort with
// ErrCannotSettlePriceDiscrepancy; illiquid markets are skipped so the
// reserve fallback can cover the remainder.
func (e *Escrow) sellReceivers(w *state.World, currency uint16, debtor string, target decimal.Decimal, at time.Time) error {
	g, err := groupForCurrency(w, currency)
	if err != nil {
		return err
	}
	a := w.Account(debtor)
	db := w.Balance(debtor, currency)

	for _, asset := range receiversByMaturity(a, g.ID) {
		if db.CurrencyBalance.GreaterThanOrEqual(target) {
			return nil
		}
		m, ok := w.Market(g.ID, asset.Maturity)
		if !ok || m.Expired(at) || m.TotalLiquidity.IsZero() {
			continue
		}

		need := target.Sub(db.CurrencyBalance)
		_, er, err := market.Rate(m, at)
		if err != nil {
			continue
		}
		fCash := decimal.Min(asset.Notional, need.Mul(er).RoundUp(market.MoneyScale))

		res, err := market.SellFCash(m, fCash, at)
		if errors.Is(err, market.ErrInsufficientLiquidity) {
			continue
		}
		if err != nil {
			return err
		}

		// Realized discount must stay inside the settlement rate bound.
		ttm := m.MaturityTime().Sub(at)
		floor := fCash.Div(decimal.NewFromInt(1).Add(e.MaxSettlementRate.Mul(yearFraction(ttm))))
		if res.Cash.LessThan(floor.Round(market.MoneyScale)) {
			return fmt.Errorf("%w: fCash sale at %s for %s", ErrCannotSettlePriceDiscrepancy, res.Cash, fCash)
		}

		portfolio.RemoveAsset(a, model.CashReceiver, g.ID, asset.Maturity, fCash)
		db.CurrencyBalance = db.CurrencyBalance.Add(res.Cash)
	}
	return nil
}

// sellCollateral sells the debtor's base-currency balance to the settler
// at the oracle rate, discounted in the settler's favor.
func (e *Escrow) sellCollateral(w *state.World, currency uint16, debtor, settler string, target decimal.Decimal) error {
	if currency == w.BaseCurrency {
		return nil
	}
	db := w.Balance(debtor, currency)
	collateral := w.Balance(debtor, w.BaseCurrency)
	if collateral.CurrencyBalance.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	rate, err := e.oracle.Rate(currency, w.BaseCurrency)
	if err != nil || rate.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: no oracle rate for currency %d", ErrCannotSettlePriceDiscrepancy, currency)
	}

	need := target.Sub(db.CurrencyBalance)
	baseCost := need.Mul(rate).Mul(e.SettlementDiscount).Round(market.MoneyScale)
	if baseCost.GreaterThan(collateral.CurrencyBalance) {
		baseCost = collateral.CurrencyBalance
		need = baseCost.Div(rate).Div(e.SettlementDiscount).Round(market.MoneyScale)
	}

	sb := w.Balance(settler, currency)
	if sb.CurrencyBalance.LessThan(need) {
		need = sb.CurrencyBalance
		baseCost = need.Mul(rate).Mul(e.SettlementDiscount).Round(market.MoneyScale)
	}
	if need.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	sb.CurrencyBalance = sb.CurrencyBalance.Sub(need)
	db.CurrencyBalance = db.CurrencyBalance.Add(need)
	collateral.CurrencyBalance = collateral.CurrencyBalance.Sub(baseCost)
	settlerBase := w.Balance(settler, w.BaseCurrency)
	settlerBase.CurrencyBalance = settlerBase.CurrencyBalance.Add(baseCost)
	return nil
}

// LiquidationResult reports what a liquidation call moved.
type LiquidationResult struct {
	Shortfall        decimal.Decimal `json:"shortfall"`         // local currency shortfall targeted
	FromAccount      decimal.Decimal `json:"from_account"`      // covered by the account's own balance
	FromLiquidator   decimal.Decimal `json:"from_liquidator"`   // paid in by the liquidator
	CollateralSeized decimal.Decimal `json:"collateral_seized"` // base currency paid to the liquidator
	DebtRepurchased  decimal.Decimal `json:"debt_repurchased"`  // fCash payer notional closed out
}

// Liquidate restores a shortfall account toward solvency. Callable only
// when free collateral is negative. The liquidator pays the uncovered
// local shortfall and seizes base-currency collateral at
// LiquidationDiscount in their favor; the raised cash buys back the
// account's payer debt via the market when liquidity allows. Partial when
// collateral or liquidator funds run out; the call may be repeated.
func (e *Escrow) Liquidate(ctx context.Context, w *state.World, account string, currency uint16, liquidator string, at time.Time) (*LiquidationResult, error) {
	fc, err := portfolio.FreeCollateral(w, e.oracle, account, at)
	if err != nil {
		return nil, err
	}
	if !fc.IsNegative() {
		return nil, ErrCannotLiquidateSufficientCollateral
	}

	baseRate, err := e.oracle.Rate(currency, w.BaseCurrency)
	if err != nil || baseRate.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: no oracle rate for currency %d", portfolio.ErrMissingRate, currency)
	}
	// Shortfall in the borrowed currency, scaled by the payer buffer so a
	// completed liquidation leaves a cushion above zero free collateral.
	shortfall := fc.Neg().Div(baseRate).Mul(portfolio.PayerBuffer).Round(market.MoneyScale)

	ab := w.Balance(account, currency)
	fromAccount := decimal.Min(ab.CurrencyBalance, shortfall)
	remaining := shortfall.Sub(fromAccount)

	// The liquidator funds the remainder against seized collateral.
	collateral := w.Balance(account, w.BaseCurrency)
	lb := w.Balance(liquidator, currency)
	discount := baseRate.Mul(e.LiquidationDiscount)

	maxByCollateral := decimal.Zero
	if collateral.CurrencyBalance.IsPositive() {
		maxByCollateral = collateral.CurrencyBalance.Div(discount).Round(market.MoneyScale)
	}
	fromLiquidator := decimal.Min(remaining, decimal.Min(maxByCollateral, lb.CurrencyBalance))
	seized := fromLiquidator.Mul(discount).Round(market.MoneyScale)

	if fromAccount.IsZero() && fromLiquidator.IsZero() {
		return nil, fmt.Errorf("%w: liquidator %s", ErrInsufficientFunds, liquidator)
	}

	if fromLiquidator.IsPositive() {
		lb.CurrencyBalance = lb.CurrencyBalance.Sub(fromLiquidator)
		ab.CurrencyBalance = ab.CurrencyBalance.Add(fromLiquidator)
		collateral.CurrencyBalance = collateral.CurrencyBalance.Sub(seized)
		liqBase := w.Balance(liquidator, w.BaseCurrency)
		liqBase.CurrencyBalance = liqBase.CurrencyBalance.Add(seized)
	}

	repurchased, err := e.closeOutPayers(w, currency, account, fromAccount.Add(fromLiquidator), at)
	if err != nil {
		return nil, err
	}

	return &LiquidationResult{
		Shortfall:        shortfall,
		FromAccount:      fromAccount,
		FromLiquidator:   fromLiquidator,
		CollateralSeized: seized,
		DebtRepurchased:  repurchased,
	}, nil
}

// closeOutPayers spends up to budget of the account's currency balance
// buying back payer fCash via the market. Illiquid markets leave the
// raised cash in the account rather than failing the liquidation.
func (e *Escrow) closeOutPayers(w *state.World, currency uint16, account string, budget decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	g, err := groupForCurrency(w, currency)
	if err != nil {
		return decimal.Zero, err
	}
	a := w.Account(account)
	b := w.Balance(account, currency)
	repurchased := decimal.Zero

	for _, asset := range payersByMaturity(a, g.ID) {
		spendable := decimal.Min(b.CurrencyBalance, budget)
		if spendable.LessThanOrEqual(decimal.Zero) {
			break
		}
		m, ok := w.Market(g.ID, asset.Maturity)
		if !ok || m.Expired(at) || m.TotalLiquidity.IsZero() {
			continue
		}

		// Dry-run the full close-out to learn its cost, then scale the
		// purchase down to the budget if needed.
		trial := *m
		res, err := market.BuyFCash(&trial, asset.Notional, at)
		if err != nil {
			continue
		}
		fCash := asset.Notional
		if res.Cash.GreaterThan(spendable) {
			er := res.FCash.Div(res.Cash)
			fCash = spendable.Mul(er).Round(market.MoneyScale)
			if fCash.LessThanOrEqual(decimal.Zero) {
				continue
			}
		}

		res, err = market.BuyFCash(m, fCash, at)
		if err != nil {
			continue
		}
		b.CurrencyBalance = b.CurrencyBalance.Sub(res.Cash)
		budget = budget.Sub(res.Cash)
		portfolio.RemoveAsset(a, model.CashPayer, g.ID, asset.Maturity, res.FCash)
		repurchased = repurchased.Add(res.FCash)
	}
	return repurchased, nil
}

func groupForCurrency(w *state.World, currency uint16) (*cashgroup.Group, error) {
	var ids []uint16
	for id := range w.Groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if w.Groups[id].Currency == currency {
			return w.Groups[id], nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCurrency, currency)
}

func tokensByMaturity(a *model.Account, group uint16) []model.Asset {
	return assetsOfType(a, model.LiquidityToken, group)
}

func receiversByMaturity(a *model.Account, group uint16) []model.Asset {
	return assetsOfType(a, model.CashReceiver, group)
}

func payersByMaturity(a *model.Account, group uint16) []model.Asset {
	return assetsOfType(a, model.CashPayer, group)
}

func assetsOfType(a *model.Account, typ model.AssetType, group uint16) []model.Asset {
	var out []model.Asset
	for _, asset := range a.Assets {
		if asset.Type == typ && asset.CashGroup == group {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Maturity < out[j].Maturity })
	return out
}

func yearFraction(d time.Duration) decimal.Decimal {
	return decimal.NewFromFloat(d.Seconds() / (360 * 24 * 3600))
}
