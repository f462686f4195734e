// Package state holds the WorldState aggregate: the market table, the
// account table, and the cash group / currency registries. Every public
// engine operation mutates a clone and swaps it in on success, so a
// failed operation never leaves partial state behind.
package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/cashgroup"
	"github.com/swapmkt/lending-engine/internal/model"
)

// MarketKey identifies one pool: a cash group and a maturity bucket.
type MarketKey struct {
	CashGroup uint16
	Maturity  int64
}

// String renders the key for logs and exposure maps.
func (k MarketKey) String() string {
	return fmt.Sprintf("%d:%d", k.CashGroup, k.Maturity)
}

// World is the owned aggregate of all mutable engine state. It is not
// safe for concurrent use; the trade service serializes access.
type World struct {
	BaseCurrency uint16
	Currencies   map[uint16]*model.Currency
	Groups       map[uint16]*cashgroup.Group
	Markets      map[MarketKey]*model.Market
	Accounts     map[string]*model.Account
}

// New creates an empty world with the given base (collateral) currency.
func New(baseCurrency uint16) *World {
	return &World{
		BaseCurrency: baseCurrency,
		Currencies:   make(map[uint16]*model.Currency),
		Groups:       make(map[uint16]*cashgroup.Group),
		Markets:      make(map[MarketKey]*model.Market),
		Accounts:     make(map[string]*model.Account),
	}
}

// Clone deep-copies all mutable state. Group and currency registries are
// configuration and shared by reference.
func (w *World) Clone() *World {
	c := &World{
		BaseCurrency: w.BaseCurrency,
		Currencies:   w.Currencies,
		Groups:       w.Groups,
		Markets:      make(map[MarketKey]*model.Market, len(w.Markets)),
		Accounts:     make(map[string]*model.Account, len(w.Accounts)),
	}
	for k, m := range w.Markets {
		cp := *m
		c.Markets[k] = &cp
	}
	for id, a := range w.Accounts {
		acct := &model.Account{
			ID:       a.ID,
			Balances: make(map[uint16]*model.Balance, len(a.Balances)),
			Assets:   append([]model.Asset(nil), a.Assets...),
		}
		for cur, b := range a.Balances {
			bp := *b
			acct.Balances[cur] = &bp
		}
		c.Accounts[id] = acct
	}
	return c
}

// Apply runs fn against a clone of w and returns the clone on success.
// On error the original world is returned untouched, giving each public
// operation all-or-nothing semantics.
func (w *World) Apply(fn func(*World) error) (*World, error) {
	next := w.Clone()
	if err := fn(next); err != nil {
		return w, err
	}
	return next, nil
}

// Account returns the account, creating an empty one if needed.
func (w *World) Account(id string) *model.Account {
	a, ok := w.Accounts[id]
	if !ok {
		a = &model.Account{ID: id, Balances: make(map[uint16]*model.Balance)}
		w.Accounts[id] = a
	}
	return a
}

// Balance returns the account's balance in one currency, creating a zero
// balance if needed.
func (w *World) Balance(account string, currency uint16) *model.Balance {
	a := w.Account(account)
	b, ok := a.Balances[currency]
	if !ok {
		b = &model.Balance{}
		a.Balances[currency] = b
	}
	return b
}

// Market returns the pool for a key if it exists.
func (w *World) Market(group uint16, maturity int64) (*model.Market, bool) {
	m, ok := w.Markets[MarketKey{CashGroup: group, Maturity: maturity}]
	return m, ok
}

// EnsureMarket returns the pool for an active maturity, creating it
// lazily from the group's curve parameters on first use.
func (w *World) EnsureMarket(group uint16, maturity int64, now time.Time) (*model.Market, error) {
	g, ok := w.Groups[group]
	if !ok {
		return nil, fmt.Errorf("state: unknown cash group %d", group)
	}
	if m, ok := w.Market(group, maturity); ok {
		return m, nil
	}
	if !g.IsActiveMaturity(maturity, now) {
		return nil, fmt.Errorf("%w: group %d maturity %d", cashgroup.ErrInvalidMaturity, group, maturity)
	}
	m := &model.Market{
		CashGroup:      group,
		Maturity:       maturity,
		TotalFCash:     decimal.Zero,
		TotalCashClaim: decimal.Zero,
		TotalLiquidity: decimal.Zero,
		RateAnchor:     g.RateAnchor,
		RateScalar:     g.RateScalar,
		FeeBasisPoints: g.FeeBasisPoints,
		CreatedAt:      now,
	}
	w.Markets[MarketKey{CashGroup: group, Maturity: maturity}] = m
	return m, nil
}

// GroupMarkets returns the group's pools ordered by maturity.
func (w *World) GroupMarkets(group uint16) []*model.Market {
	var out []*model.Market
	for k, m := range w.Markets {
		if k.CashGroup == group {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Maturity < out[j].Maturity })
	return out
}

// AccountIDs returns all account ids in deterministic order.
func (w *World) AccountIDs() []string {
	ids := make([]string, 0, len(w.Accounts))
	for id := range w.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
