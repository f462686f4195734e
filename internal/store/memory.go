package store

import (
	"context"
	"sort"
	"sync"

	"github.com/swapmkt/lending-engine/internal/model"
)

type marketKey struct {
	group    uint16
	maturity int64
}

type balanceKey struct {
	account  string
	currency uint16
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[marketKey]*model.Market
	balances map[balanceKey]*model.Balance
	assets   map[string][]model.Asset
	journal  []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[marketKey]*model.Market),
		balances: make(map[balanceKey]*model.Balance),
		assets:   make(map[string][]model.Asset),
	}
}

func (s *MemoryStore) UpsertMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[marketKey{m.CashGroup, m.Maturity}] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, group uint16, maturity int64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[marketKey{group, maturity}]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, group uint16) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markets []model.Market
	for k, m := range s.markets {
		if group != 0 && k.group != group {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CashGroup != markets[j].CashGroup {
			return markets[i].CashGroup < markets[j].CashGroup
		}
		return markets[i].Maturity < markets[j].Maturity
	})
	return markets, nil
}

func (s *MemoryStore) UpsertBalance(_ context.Context, account string, currency uint16, b *model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *b
	s.balances[balanceKey{account, currency}] = &copy
	return nil
}

func (s *MemoryStore) GetBalances(_ context.Context, account string) (map[uint16]*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uint16]*model.Balance)
	for k, b := range s.balances {
		if k.account != account {
			continue
		}
		copy := *b
		out[k.currency] = &copy
	}
	return out, nil
}

func (s *MemoryStore) ReplaceAssets(_ context.Context, account string, assets []model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assets[account] = append([]model.Asset(nil), assets...)
	return nil
}

func (s *MemoryStore) GetAssets(_ context.Context, account string) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Asset(nil), s.assets[account]...), nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for k := range s.balances {
		seen[k.account] = true
	}
	for account := range s.assets {
		seen[account] = true
	}
	accounts := make([]string, 0, len(seen))
	for account := range seen {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (s *MemoryStore) InsertJournalEntry(_ context.Context, e *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *e)
	return nil
}

func (s *MemoryStore) GetJournalByAccount(_ context.Context, account string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.AccountID == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetJournalByMarket(_ context.Context, group uint16, maturity int64) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.CashGroup == group && e.Maturity == maturity {
			result = append(result, e)
		}
	}
	return result, nil
}
