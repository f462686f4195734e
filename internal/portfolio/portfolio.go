// Package portfolio values account asset inventories for the
// free-collateral check and settles matured assets into the ledger's
// cash balances.
package portfolio

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/market"
	"github.com/swapmkt/lending-engine/internal/model"
	"github.com/swapmkt/lending-engine/internal/state"
)

var (
	// ErrMissingRate is returned when the price oracle cannot produce a
	// usable rate for a currency pair.
	ErrMissingRate = errors.New("portfolio: missing or invalid oracle rate")

	// ReceiverHaircut discounts the present value of cash receiver claims
	// in the free-collateral sum.
	ReceiverHaircut = decimal.NewFromFloat(0.95)

	// PayerBuffer scales up the present value of cash payer obligations,
	// making the collateral requirement conservative.
	PayerBuffer = decimal.NewFromFloat(1.05)

	// LiquidityHaircut discounts the claim value of liquidity tokens.
	LiquidityHaircut = decimal.NewFromFloat(0.9)
)

// PriceOracle supplies a fixed-point exchange ratio between two
// currencies: units of `to` per one unit of `from`. External collaborator;
// retrieval mechanics are out of scope for the engine.
type PriceOracle interface {
	Rate(from, to uint16) (decimal.Decimal, error)
}

// FreeCollateral sums the account's base-currency-denominated net worth:
// currency and cash balances at face value, receiver assets at present
// value times ReceiverHaircut, payer assets at present value times
// PayerBuffer, liquidity tokens at claim value times LiquidityHaircut.
// A negative result marks the account eligible for liquidation.
func FreeCollateral(w *state.World, oracle PriceOracle, account string, at time.Time) (decimal.Decimal, error) {
	a, ok := w.Accounts[account]
	if !ok {
		return decimal.Zero, nil
	}

	// Net local value per currency, then convert each to base.
	local := make(map[uint16]decimal.Decimal)
	for cur, b := range a.Balances {
		local[cur] = local[cur].Add(b.CurrencyBalance).Add(b.CashBalance)
	}

	for _, asset := range a.Assets {
		v, err := assetValue(w, &asset, at)
		if err != nil {
			return decimal.Zero, err
		}
		local[asset.Currency] = local[asset.Currency].Add(v)
	}

	total := decimal.Zero
	for cur, v := range local {
		if v.IsZero() {
			continue
		}
		rate, err := convertRate(w, oracle, cur)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(v.Mul(rate))
	}
	return total.Round(market.MoneyScale), nil
}

// assetValue returns the haircut present value of one asset in its own
// currency. Matured assets value at par: fCash becomes cash 1:1 at
// maturity.
func assetValue(w *state.World, a *model.Asset, at time.Time) (decimal.Decimal, error) {
	switch a.Type {
	case model.CashReceiver:
		pv := presentValue(w, a, a.Notional, at)
		return pv.Mul(ReceiverHaircut), nil

	case model.CashPayer:
		pv := presentValue(w, a, a.Notional, at)
		return pv.Mul(PayerBuffer).Neg(), nil

	case model.LiquidityToken:
		m, ok := w.Market(a.CashGroup, a.Maturity)
		if !ok || m.TotalLiquidity.IsZero() {
			return decimal.Zero, nil
		}
		share := a.Notional.Div(m.TotalLiquidity)
		cashClaim := m.TotalCashClaim.Mul(share)
		fCashClaim := m.TotalFCash.Mul(share)
		claim := cashClaim.Add(presentValue(w, a, fCashClaim, at))
		return claim.Mul(LiquidityHaircut), nil

	default:
		return decimal.Zero, fmt.Errorf("portfolio: unknown asset type %q", a.Type)
	}
}

// presentValue discounts an fCash notional using the asset's market when
// it is active and funded; otherwise par.
func presentValue(w *state.World, a *model.Asset, notional decimal.Decimal, at time.Time) decimal.Decimal {
	if notional.IsZero() {
		return notional
	}
	m, ok := w.Market(a.CashGroup, a.Maturity)
	if !ok || m.Expired(at) || m.TotalLiquidity.IsZero() {
		return notional
	}
	_, er, err := market.Rate(m, at)
	if err != nil {
		return notional
	}
	return notional.Div(er).Round(market.MoneyScale)
}

func convertRate(w *state.World, oracle PriceOracle, currency uint16) (decimal.Decimal, error) {
	if currency == w.BaseCurrency {
		return decimal.NewFromInt(1), nil
	}
	rate, err := oracle.Rate(currency, w.BaseCurrency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: currency %d: %v", ErrMissingRate, currency, err)
	}
	if rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: currency %d", ErrMissingRate, currency)
	}
	return rate, nil
}

// AddAsset merges an asset into the account's portfolio. Payer and
// receiver notionals at the same (group, maturity) net against each
// other; same-type entries merge. Zero entries are dropped.
func AddAsset(a *model.Account, asset model.Asset) {
	if asset.Notional.LessThanOrEqual(decimal.Zero) {
		return
	}

	opposite := map[model.AssetType]model.AssetType{
		model.CashPayer:    model.CashReceiver,
		model.CashReceiver: model.CashPayer,
	}

	if opp, ok := opposite[asset.Type]; ok {
		for i := range a.Assets {
			e := &a.Assets[i]
			if e.Type != opp || e.CashGroup != asset.CashGroup || e.Maturity != asset.Maturity {
				continue
			}
			switch {
			case e.Notional.GreaterThan(asset.Notional):
				e.Notional = e.Notional.Sub(asset.Notional)
				return
			case e.Notional.Equal(asset.Notional):
				a.Assets = append(a.Assets[:i], a.Assets[i+1:]...)
				return
			default:
				asset.Notional = asset.Notional.Sub(e.Notional)
				a.Assets = append(a.Assets[:i], a.Assets[i+1:]...)
				AddAsset(a, asset)
				return
			}
		}
	}

	for i := range a.Assets {
		e := &a.Assets[i]
		if e.Type == asset.Type && e.CashGroup == asset.CashGroup && e.Maturity == asset.Maturity {
			e.Notional = e.Notional.Add(asset.Notional)
			return
		}
	}
	a.Assets = append(a.Assets, asset)
}

// RemoveAsset subtracts notional from a matching asset, dropping the
// entry when it reaches zero. Returns the notional actually removed.
func RemoveAsset(a *model.Account, typ model.AssetType, group uint16, maturity int64, notional decimal.Decimal) decimal.Decimal {
	for i := range a.Assets {
		e := &a.Assets[i]
		if e.Type != typ || e.CashGroup != group || e.Maturity != maturity {
			continue
		}
		removed := decimal.Min(e.Notional, notional)
		e.Notional = e.Notional.Sub(removed)
		if e.Notional.IsZero() {
			a.Assets = append(a.Assets[:i], a.Assets[i+1:]...)
		}
		return removed
	}
	return decimal.Zero
}

// FindAsset returns a copy of the matching asset entry, if present.
func FindAsset(a *model.Account, typ model.AssetType, group uint16, maturity int64) (model.Asset, bool) {
	for _, e := range a.Assets {
		if e.Type == typ && e.CashGroup == group && e.Maturity == maturity {
			return e, true
		}
	}
	return model.Asset{}, false
}

// SettleMaturedAssetsBatch converts every matured asset in each account
// into its ledger cash balance: payer and receiver notional at 1:1
// (fCash is cash at maturity by definition), liquidity tokens by first
// redeeming the matured pool claim. Idempotent: settled assets are
// removed, so a second call is a no-op.
func SettleMaturedAssetsBatch(w *state.World, accounts []string, at time.Time) error {
	for _, id := range accounts {
		a, ok := w.Accounts[id]
		if !ok {
			continue
		}
		var remaining []model.Asset
		for _, asset := range a.Assets {
			if !asset.Matured(at) {
				remaining = append(remaining, asset)
				continue
			}
			b := w.Balance(id, asset.Currency)
			switch asset.Type {
			case model.CashReceiver:
				b.CashBalance = b.CashBalance.Add(asset.Notional)
			case model.CashPayer:
				b.CashBalance = b.CashBalance.Sub(asset.Notional)
			case model.LiquidityToken:
				m, ok := w.Market(asset.CashGroup, asset.Maturity)
				if !ok {
					// No pool to redeem against; keep the claim rather
					// than destroying it.
					remaining = append(remaining, asset)
					continue
				}
				res, err := market.RedeemMatured(m, asset.Notional, at)
				if err != nil {
					return fmt.Errorf("portfolio: redeem matured tokens for %s: %w", id, err)
				}
				// Cash claim is spendable; the fCash claim converts 1:1.
				b.CurrencyBalance = b.CurrencyBalance.Add(res.Cash)
				b.CashBalance = b.CashBalance.Add(res.FCash)
			}
		}
		a.Assets = remaining
	}
	return nil
}

// SettleAccountBatch settles each account's matured assets. It is the
// account-oriented entry point used before cash settlement and
// liquidation flows.
func SettleAccountBatch(w *state.World, accounts []string, at time.Time) error {
	return SettleMaturedAssetsBatch(w, accounts, at)
}
