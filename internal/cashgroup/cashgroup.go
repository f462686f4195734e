// Package cashgroup handles cash group configuration, maturity bucketing,
// and instrument symbol parsing.
//
// A cash group ties one currency to a ladder of discrete maturities:
// period boundaries spaced PeriodSize apart, with NumPeriods tradable at
// any time. Markets are created lazily per maturity bucket on first
// liquidity provision and expire once the boundary passes.
package cashgroup

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSymbol   = errors.New("cashgroup: invalid instrument symbol")
	ErrInvalidMaturity = errors.New("cashgroup: maturity is not an active period boundary")
	ErrInvalidPeriod   = errors.New("cashgroup: period size must be positive")
)

// symbolRegex matches: FC-{currencySymbol}-{YYYYMMDD}
// Example: FC-DAI-20260901
var symbolRegex = regexp.MustCompile(`^FC-([A-Z0-9]+)-(\d{8})$`)

// Group is the static configuration of one cash group.
type Group struct {
	ID             uint16          `json:"id"`
	Currency       uint16          `json:"currency"`
	CurrencySymbol string          `json:"currency_symbol"`
	PeriodSize     time.Duration   `json:"period_size"`
	NumPeriods     int             `json:"num_periods"`
	RateAnchor     decimal.Decimal `json:"rate_anchor"`
	RateScalar     decimal.Decimal `json:"rate_scalar"`
	FeeBasisPoints decimal.Decimal `json:"fee_basis_points"`
}

// Validate checks the group configuration.
func (g *Group) Validate() error {
	if g.PeriodSize <= 0 {
		return ErrInvalidPeriod
	}
	if g.NumPeriods < 1 {
		return fmt.Errorf("cashgroup: group %d needs at least one period", g.ID)
	}
	return nil
}

// ActiveMaturities returns the NumPeriods period boundaries strictly after
// now, in ascending order. Boundaries are aligned to multiples of
// PeriodSize since the unix epoch, so every caller computes the same
// ladder for the same time.
func (g *Group) ActiveMaturities(now time.Time) []int64 {
	period := int64(g.PeriodSize / time.Second)
	next := (now.Unix()/period + 1) * period

	maturities := make([]int64, g.NumPeriods)
	for i := range maturities {
		maturities[i] = next + int64(i)*period
	}
	return maturities
}

// IsActiveMaturity reports whether m is one of the currently tradable
// period boundaries.
func (g *Group) IsActiveMaturity(m int64, now time.Time) bool {
	for _, active := range g.ActiveMaturities(now) {
		if active == m {
			return true
		}
	}
	return false
}

// Symbol returns the instrument symbol for a maturity in this group.
func (g *Group) Symbol(maturity int64) string {
	return fmt.Sprintf("FC-%s-%s", g.CurrencySymbol,
		time.Unix(maturity, 0).UTC().Format("20060102"))
}

// Instrument is a parsed instrument symbol.
type Instrument struct {
	Symbol         string    `json:"symbol"`
	CurrencySymbol string    `json:"currency_symbol"`
	MaturityDate   time.Time `json:"maturity_date"`
}

// ParseSymbol parses and validates an instrument symbol string.
// Format: FC-{currency}-{YYYYMMDD}
func ParseSymbol(symbol string) (*Instrument, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected FC-{currency}-{YYYYMMDD})",
			ErrInvalidSymbol, symbol)
	}

	date, err := time.Parse("20060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, matches[2])
	}

	return &Instrument{
		Symbol:         symbol,
		CurrencySymbol: matches[1],
		MaturityDate:   date,
	}, nil
}

// MaturityFor resolves a parsed instrument date to the group's period
// boundary falling on that UTC day. Errors if no active maturity matches.
func (g *Group) MaturityFor(inst *Instrument, now time.Time) (int64, error) {
	day := inst.MaturityDate.Format("20060102")
	for _, m := range g.ActiveMaturities(now) {
		if time.Unix(m, 0).UTC().Format("20060102") == day {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidMaturity, inst.Symbol)
}
