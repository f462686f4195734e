package portfolio

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// StaticOracle is a PriceOracle backed by a fixed rate table keyed on
// each currency's base-currency price. Rates are set operationally (env
// config, admin tooling); a production deployment swaps in a live feed
// behind the same interface.
type StaticOracle struct {
	mu    sync.RWMutex
	base  uint16
	rates map[uint16]decimal.Decimal // base units per one unit of currency
}

// NewStaticOracle creates an oracle for the given base currency. The
// base prices itself at 1.
func NewStaticOracle(base uint16) *StaticOracle {
	return &StaticOracle{
		base:  base,
		rates: map[uint16]decimal.Decimal{base: decimal.NewFromInt(1)},
	}
}

// Set fixes a currency's price in base units.
func (o *StaticOracle) Set(currency uint16, basePrice decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates[currency] = basePrice
}

// Rate returns units of `to` per one unit of `from`, derived from each
// side's base price.
func (o *StaticOracle) Rate(from, to uint16) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	fromPrice, ok := o.rates[from]
	if !ok || !fromPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: currency %d", ErrMissingRate, from)
	}
	toPrice, ok := o.rates[to]
	if !ok || !toPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: currency %d", ErrMissingRate, to)
	}
	return fromPrice.Div(toPrice), nil
}
