package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swapmkt/lending-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.UpsertMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpsertBalance(ctx context.Context, account string, currency uint16, b *model.Balance) error {
	if err := s.primary.UpsertBalance(ctx, account, currency, b); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, balancesKey(account))
	return nil
}

func (s *CachedStore) ReplaceAssets(ctx context.Context, account string, assets []model.Asset) error {
	if err := s.primary.ReplaceAssets(ctx, account, assets); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetsKey(account))
	return nil
}

func (s *CachedStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	return s.primary.InsertJournalEntry(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, group uint16, maturity int64) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, mktKey(group, maturity)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, group, maturity)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetBalances(ctx context.Context, account string) (map[uint16]*model.Balance, error) {
	data, err := s.rdb.Get(ctx, balancesKey(account)).Bytes()
	if err == nil {
		var balances map[uint16]*model.Balance
		if json.Unmarshal(data, &balances) == nil {
			return balances, nil
		}
	}

	balances, err := s.primary.GetBalances(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(balances); err == nil {
		s.rdb.Set(ctx, balancesKey(account), data, s.ttl)
	}
	return balances, nil
}

func (s *CachedStore) GetAssets(ctx context.Context, account string) ([]model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetsKey(account)).Bytes()
	if err == nil {
		var assets []model.Asset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := s.primary.GetAssets(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(assets); err == nil {
		s.rdb.Set(ctx, assetsKey(account), data, s.ttl)
	}
	return assets, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, group uint16) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, group)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]string, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) GetJournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error) {
	return s.primary.GetJournalByAccount(ctx, account)
}

func (s *CachedStore) GetJournalByMarket(ctx context.Context, group uint16, maturity int64) ([]model.JournalEntry, error) {
	return s.primary.GetJournalByMarket(ctx, group, maturity)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, mktKey(m.CashGroup, m.Maturity), data, s.ttl)
	}
}

func mktKey(group uint16, maturity int64) string {
	return fmt.Sprintf("market:%d:%d", group, maturity)
}
func balancesKey(account string) string { return fmt.Sprintf("balances:%s", account) }
func assetsKey(account string) string   { return fmt.Sprintf("assets:%s", account) }
