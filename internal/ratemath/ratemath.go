// Package ratemath implements the rate-anchored bonding curve used to
// price present cash against fCash.
//
// The curve maps pool utilization (the proportion of fCash in the pool)
// to an annualized interest rate:
//
//	rate(p) = (anchor - 1) + ln(p / (1 - p)) / scalar
//
// At p = 0.5 the curve sits exactly on the anchor; higher fCash
// utilization raises the rate, lower utilization lowers it. The rate
// decays deterministically to zero as maturity approaches, so an
// exchange rate (fCash per unit of cash) for a time-to-maturity ttm is
//
//	er(p, ttm) = 1 + rate(p) * ttm/year
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses float64 logarithms, with results
// immediately converted to decimal.
package ratemath

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidScalar is returned when the rate scalar is not positive.
	ErrInvalidScalar = errors.New("ratemath: rate scalar must be positive")

	// ErrInvalidAnchor is returned when the rate anchor is below one.
	ErrInvalidAnchor = errors.New("ratemath: rate anchor must be at least one")

	// ErrInvalidProportion is returned when pool utilization falls outside
	// the open interval (0, 1).
	ErrInvalidProportion = errors.New("ratemath: proportion must be in (0, 1)")

	// MinProportion is the utilization floor. Prevents degenerate pools
	// where the logit term diverges to -inf.
	MinProportion = decimal.NewFromFloat(0.001)

	// MaxProportion is the utilization ceiling, mirroring MinProportion.
	MaxProportion = decimal.NewFromFloat(0.999)

	// MaxAnnualRate caps the annualized rate the curve can produce.
	MaxAnnualRate = decimal.NewFromInt(10) // 1000%

	// RateScale is the number of decimal places for rate rounding.
	RateScale int32 = 8
)

// SecondsPerYear uses a 360-day financial year.
const SecondsPerYear = 360 * 24 * 3600

var one = decimal.NewFromInt(1)

// Curve holds the two bonding-curve parameters. It is stateless — pool
// quantities are passed as arguments, not stored.
type Curve struct {
	anchor decimal.Decimal
	scalar decimal.Decimal
}

// NewCurve creates a curve from a rate anchor (annualized exchange-rate
// anchor, e.g. 1.05 for 5%) and a rate scalar controlling how sharply the
// rate responds to utilization.
func NewCurve(anchor, scalar decimal.Decimal) (*Curve, error) {
	if scalar.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidScalar
	}
	if anchor.LessThan(one) {
		return nil, ErrInvalidAnchor
	}
	return &Curve{anchor: anchor, scalar: scalar}, nil
}

// Anchor returns the rate anchor.
func (c *Curve) Anchor() decimal.Decimal { return c.anchor }

// Scalar returns the rate scalar.
func (c *Curve) Scalar() decimal.Decimal { return c.scalar }

// Proportion returns fCash utilization F / (F + C), clamped to
// [MinProportion, MaxProportion]. Errors if either side is not positive.
func Proportion(totalFCash, totalCash decimal.Decimal) (decimal.Decimal, error) {
	if totalFCash.LessThanOrEqual(decimal.Zero) || totalCash.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidProportion
	}
	p := totalFCash.Div(totalFCash.Add(totalCash))
	return clamp(p, MinProportion, MaxProportion), nil
}

// AnnualRate computes the annualized rate at utilization p:
//
//	(anchor - 1) + ln(p/(1-p)) / scalar
//
// clamped to [0, MaxAnnualRate]. The logit is computed in float64 — its
// argument is bounded away from 0 and 1 by the proportion clamps, so the
// logarithm cannot overflow.
func (c *Curve) AnnualRate(p decimal.Decimal) (decimal.Decimal, error) {
	if p.LessThanOrEqual(decimal.Zero) || p.GreaterThanOrEqual(one) {
		return decimal.Zero, ErrInvalidProportion
	}
	pf := p.InexactFloat64()
	logit := math.Log(pf / (1 - pf))

	rate := c.anchor.Sub(one).Add(
		decimal.NewFromFloat(logit).Div(c.scalar),
	).Round(RateScale)

	return clamp(rate, decimal.Zero, MaxAnnualRate), nil
}

// ExchangeRate returns fCash per unit of cash at utilization p with the
// given time to maturity. Floored at 1: fCash is never worth more than
// par. A non-positive ttm yields exactly 1.
func (c *Curve) ExchangeRate(p decimal.Decimal, ttm time.Duration) (decimal.Decimal, error) {
	if ttm <= 0 {
		return one, nil
	}
	rate, err := c.AnnualRate(p)
	if err != nil {
		return decimal.Zero, err
	}
	er := one.Add(rate.Mul(YearFraction(ttm))).Round(RateScale)
	if er.LessThan(one) {
		return one, nil
	}
	return er, nil
}

// ImpliedAnnualRate recovers the annualized rate from an exchange rate
// and a time to maturity: (er - 1) * year/ttm. Zero when ttm <= 0.
func ImpliedAnnualRate(er decimal.Decimal, ttm time.Duration) decimal.Decimal {
	if ttm <= 0 {
		return decimal.Zero
	}
	return er.Sub(one).Div(YearFraction(ttm)).Round(RateScale)
}

// YearFraction converts a duration to years under the 360-day convention.
func YearFraction(d time.Duration) decimal.Decimal {
	return decimal.NewFromFloat(d.Seconds() / SecondsPerYear).Round(RateScale + 4)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
