// Package market implements the per-maturity AMM pool trading present
// cash against fCash.
//
// Pricing uses the rate-anchored bonding curve from ratemath. A trade is
// priced at the post-trade utilization computed over the conserved
// F + C denominator: borrowing cash c prices at (F+c)/(F+C), lending
// fCash f at (F-f)/(F+C). Both conversions are monotonic and continuous
// in the trade size, and the rate decays deterministically as maturity
// approaches.
//
// Functions mutate the passed pool only after every check passes, so a
// failed call leaves the market untouched.
package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/model"
	"github.com/swapmkt/lending-engine/internal/ratemath"
)

var (
	// ErrMarketExpired is returned for trading operations against a pool
	// at or past its maturity.
	ErrMarketExpired = errors.New("market: market expired")

	// ErrSlippageExceeded is returned when the implied rate falls outside
	// the caller-supplied bound, or a liquidity provision would pull more
	// fCash than the caller allowed.
	ErrSlippageExceeded = errors.New("market: implied rate outside slippage bound")

	// ErrInsufficientLiquidity is returned when the pool cannot satisfy
	// the requested notional.
	ErrInsufficientLiquidity = errors.New("market: insufficient pool liquidity")

	// ErrDeadlineExceeded is returned when the caller-supplied deadline
	// has passed.
	ErrDeadlineExceeded = errors.New("market: deadline exceeded")

	// ErrInvalidAmount is returned for non-positive trade amounts.
	ErrInvalidAmount = errors.New("market: amount must be positive")

	// ErrInsufficientTokens is returned when a removal asks for more
	// liquidity tokens than the pool has outstanding.
	ErrInsufficientTokens = errors.New("market: insufficient liquidity tokens")

	// MoneyScale is the number of decimal places for cash/fCash rounding.
	MoneyScale int32 = 8
)

// TradeResult reports the amounts moved by one pool operation. Cash and
// FCash are unsigned notionals; the direction is implied by the
// operation. Fee is the protocol fee on the cash notional, owed to the
// reserve and not part of the pool.
type TradeResult struct {
	Cash        decimal.Decimal `json:"cash"`
	FCash       decimal.Decimal `json:"fcash"`
	Tokens      decimal.Decimal `json:"tokens"`
	Fee         decimal.Decimal `json:"fee"`
	ImpliedRate decimal.Decimal `json:"implied_rate"`
}

func curveFor(m *model.Market) (*ratemath.Curve, error) {
	return ratemath.NewCurve(m.RateAnchor, m.RateScalar)
}

func checkActive(m *model.Market, at, deadline time.Time) error {
	if m.Expired(at) {
		return ErrMarketExpired
	}
	if at.After(deadline) {
		return ErrDeadlineExceeded
	}
	return nil
}

// borrowRate prices a trade that adds delta to the fCash side:
// utilization (F+delta)/(F+C).
func borrowRate(m *model.Market, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	c, err := curveFor(m)
	if err != nil {
		return decimal.Zero, err
	}
	p, err := ratemath.Proportion(m.TotalFCash.Add(delta), m.TotalCashClaim.Sub(delta))
	if err != nil {
		return decimal.Zero, err
	}
	return c.ExchangeRate(p, m.MaturityTime().Sub(at))
}

// lendRate prices a trade that removes delta from the fCash side:
// utilization (F-delta)/(F+C).
func lendRate(m *model.Market, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	c, err := curveFor(m)
	if err != nil {
		return decimal.Zero, err
	}
	p, err := ratemath.Proportion(m.TotalFCash.Sub(delta), m.TotalCashClaim.Add(delta))
	if err != nil {
		return decimal.Zero, err
	}
	return c.ExchangeRate(p, m.MaturityTime().Sub(at))
}

// FCashFromCash is the conversion view for borrowing: the fCash obligation
// incurred for receiving cashAmount now. Fails with ErrMarketExpired when
// atTime is past maturity.
func FCashFromCash(m *model.Market, cashAmount decimal.Decimal, at time.Time) (decimal.Decimal, decimal.Decimal, error) {
	if cashAmount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	if m.Expired(at) {
		return decimal.Zero, decimal.Zero, ErrMarketExpired
	}
	if cashAmount.GreaterThanOrEqual(m.TotalCashClaim) {
		return decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
	}

	// One refinement round: price at (F+c)/(F+C), then re-price with the
	// resulting fCash delta. Converges well inside MoneyScale.
	er, err := borrowRate(m, cashAmount, at)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	er, err = borrowRate(m, cashAmount.Mul(er), at)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return cashAmount.Mul(er).Round(MoneyScale), er, nil
}

// CashFromFCash is the conversion view for selling fCash to the pool: the
// cash proceeds for fCashAmount. Fails with ErrMarketExpired past maturity.
func CashFromFCash(m *model.Market, fCashAmount decimal.Decimal, at time.Time) (decimal.Decimal, decimal.Decimal, error) {
	if fCashAmount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	if m.Expired(at) {
		return decimal.Zero, decimal.Zero, ErrMarketExpired
	}
	er, err := borrowRate(m, fCashAmount, at)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	proceeds := fCashAmount.Div(er).Round(MoneyScale)
	if proceeds.GreaterThanOrEqual(m.TotalCashClaim) {
		return decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
	}
	return proceeds, er, nil
}

// Rate returns the implied annualized rate and exchange rate at the pool's
// current utilization.
func Rate(m *model.Market, at time.Time) (decimal.Decimal, decimal.Decimal, error) {
	if m.Expired(at) {
		return decimal.Zero, decimal.Zero, ErrMarketExpired
	}
	c, err := curveFor(m)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	p, err := ratemath.Proportion(m.TotalFCash, m.TotalCashClaim)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	ttm := m.MaturityTime().Sub(at)
	er, err := c.ExchangeRate(p, ttm)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return ratemath.ImpliedAnnualRate(er, ttm), er, nil
}

// TakeCash executes a borrow: the trader receives cashAmount now (minus
// the protocol fee) and incurs an fCash obligation of cashAmount times
// the exchange rate. Fails if the implied rate exceeds maxImpliedRate.
func TakeCash(m *model.Market, cashAmount decimal.Decimal, at, deadline time.Time, maxImpliedRate decimal.Decimal) (*TradeResult, error) {
	if err := checkActive(m, at, deadline); err != nil {
		return nil, err
	}
	fCash, er, err := FCashFromCash(m, cashAmount, at)
	if err != nil {
		return nil, err
	}

	ttm := m.MaturityTime().Sub(at)
	implied := ratemath.ImpliedAnnualRate(er, ttm)
	if maxImpliedRate.IsPositive() && implied.GreaterThan(maxImpliedRate) {
		return nil, ErrSlippageExceeded
	}

	fee := cashAmount.Mul(m.FeeBasisPoints).Round(MoneyScale)

	m.TotalCashClaim = m.TotalCashClaim.Sub(cashAmount)
	m.TotalFCash = m.TotalFCash.Add(fCash)

	return &TradeResult{
		Cash:        cashAmount,
		FCash:       fCash,
		Fee:         fee,
		ImpliedRate: implied,
	}, nil
}

// TakeFCash executes a lend: the trader deposits cash now and receives a
// claim on fCashAmount at maturity. Fails if the implied rate falls below
// minImpliedRate.
func TakeFCash(m *model.Market, fCashAmount decimal.Decimal, at, deadline time.Time, minImpliedRate decimal.Decimal) (*TradeResult, error) {
	if err := checkActive(m, at, deadline); err != nil {
		return nil, err
	}
	if fCashAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if fCashAmount.GreaterThanOrEqual(m.TotalFCash) {
		return nil, ErrInsufficientLiquidity
	}

	er, err := lendRate(m, fCashAmount, at)
	if err != nil {
		return nil, err
	}
	cost := fCashAmount.Div(er).Round(MoneyScale)

	ttm := m.MaturityTime().Sub(at)
	implied := ratemath.ImpliedAnnualRate(er, ttm)
	if implied.LessThan(minImpliedRate) {
		return nil, ErrSlippageExceeded
	}

	fee := cost.Mul(m.FeeBasisPoints).Round(MoneyScale)

	m.TotalFCash = m.TotalFCash.Sub(fCashAmount)
	m.TotalCashClaim = m.TotalCashClaim.Add(cost)

	return &TradeResult{
		Cash:        cost,
		FCash:       fCashAmount,
		Fee:         fee,
		ImpliedRate: implied,
	}, nil
}

// SellFCash sells fCash into the pool for immediate cash without trader
// fees. Used by settlement and liquidation to convert debtor assets.
func SellFCash(m *model.Market, fCashAmount decimal.Decimal, at time.Time) (*TradeResult, error) {
	proceeds, er, err := CashFromFCash(m, fCashAmount, at)
	if err != nil {
		return nil, err
	}
	m.TotalFCash = m.TotalFCash.Add(fCashAmount)
	m.TotalCashClaim = m.TotalCashClaim.Sub(proceeds)

	return &TradeResult{
		Cash:        proceeds,
		FCash:       fCashAmount,
		ImpliedRate: ratemath.ImpliedAnnualRate(er, m.MaturityTime().Sub(at)),
	}, nil
}

// BuyFCash buys back fCash from the pool without trader fees, paying the
// returned cash cost. Used by liquidation to close out payer debt.
func BuyFCash(m *model.Market, fCashAmount decimal.Decimal, at time.Time) (*TradeResult, error) {
	if m.Expired(at) {
		return nil, ErrMarketExpired
	}
	if fCashAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if fCashAmount.GreaterThanOrEqual(m.TotalFCash) {
		return nil, ErrInsufficientLiquidity
	}
	er, err := lendRate(m, fCashAmount, at)
	if err != nil {
		return nil, err
	}
	cost := fCashAmount.Div(er).Round(MoneyScale)

	m.TotalFCash = m.TotalFCash.Sub(fCashAmount)
	m.TotalCashClaim = m.TotalCashClaim.Add(cost)

	return &TradeResult{
		Cash:        cost,
		FCash:       fCashAmount,
		ImpliedRate: ratemath.ImpliedAnnualRate(er, m.MaturityTime().Sub(at)),
	}, nil
}

// AddLiquidity mints liquidity tokens against cashAmount. The first
// provision seeds the pool: the caller's maxFCash becomes the initial
// fCash side and fixes the starting rate. Later provisions pull fCash
// proportional to the current pool and fail with ErrSlippageExceeded if
// that exceeds maxFCash, or if the current implied rate is outside
// [minImpliedRate, maxImpliedRate].
func AddLiquidity(m *model.Market, cashAmount, maxFCash, minImpliedRate, maxImpliedRate decimal.Decimal, at, deadline time.Time) (*TradeResult, error) {
	if err := checkActive(m, at, deadline); err != nil {
		return nil, err
	}
	if cashAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	if m.TotalLiquidity.IsZero() {
		if maxFCash.LessThanOrEqual(decimal.Zero) {
			return nil, ErrInvalidAmount
		}
		m.TotalFCash = maxFCash
		m.TotalCashClaim = cashAmount
		m.TotalLiquidity = cashAmount
		return &TradeResult{Cash: cashAmount, FCash: maxFCash, Tokens: cashAmount}, nil
	}

	fCash := cashAmount.Mul(m.TotalFCash).Div(m.TotalCashClaim).Round(MoneyScale)
	if maxFCash.IsPositive() && fCash.GreaterThan(maxFCash) {
		return nil, ErrSlippageExceeded
	}

	implied, _, err := Rate(m, at)
	if err != nil {
		return nil, err
	}
	if implied.LessThan(minImpliedRate) {
		return nil, ErrSlippageExceeded
	}
	if maxImpliedRate.IsPositive() && implied.GreaterThan(maxImpliedRate) {
		return nil, ErrSlippageExceeded
	}

	tokens := m.TotalLiquidity.Mul(cashAmount).Div(m.TotalCashClaim).Round(MoneyScale)

	m.TotalFCash = m.TotalFCash.Add(fCash)
	m.TotalCashClaim = m.TotalCashClaim.Add(cashAmount)
	m.TotalLiquidity = m.TotalLiquidity.Add(tokens)

	return &TradeResult{Cash: cashAmount, FCash: fCash, Tokens: tokens, ImpliedRate: implied}, nil
}

// RemoveLiquidity burns tokenAmount and returns the proportional cash and
// fCash claims. No rate bound: the provider accepts the current price.
func RemoveLiquidity(m *model.Market, tokenAmount decimal.Decimal, at, deadline time.Time) (*TradeResult, error) {
	if err := checkActive(m, at, deadline); err != nil {
		return nil, err
	}
	return redeem(m, tokenAmount)
}

// RedeemMatured reconciles a matured pool share: burns tokenAmount and
// returns the proportional cash and fCash claims. Only valid at or past
// maturity; pre-maturity removal goes through RemoveLiquidity.
func RedeemMatured(m *model.Market, tokenAmount decimal.Decimal, at time.Time) (*TradeResult, error) {
	if !m.Expired(at) {
		return nil, ErrMarketExpired
	}
	return redeem(m, tokenAmount)
}

func redeem(m *model.Market, tokenAmount decimal.Decimal) (*TradeResult, error) {
	if tokenAmount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if tokenAmount.GreaterThan(m.TotalLiquidity) {
		return nil, ErrInsufficientTokens
	}

	cash := m.TotalCashClaim.Mul(tokenAmount).Div(m.TotalLiquidity).Round(MoneyScale)
	fCash := m.TotalFCash.Mul(tokenAmount).Div(m.TotalLiquidity).Round(MoneyScale)

	m.TotalCashClaim = m.TotalCashClaim.Sub(cash)
	m.TotalFCash = m.TotalFCash.Sub(fCash)
	m.TotalLiquidity = m.TotalLiquidity.Sub(tokenAmount)

	return &TradeResult{Cash: cash, FCash: fCash, Tokens: tokenAmount}, nil
}
