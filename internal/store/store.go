// Package store defines the persistence interface for the lending
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/swapmkt/lending-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer. Markets are keyed
// by cash group and maturity, balances by account and currency.
type Store interface {
	// --- Market operations ---

	// UpsertMarket persists a market's pool state.
	UpsertMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves one market.
	GetMarket(ctx context.Context, group uint16, maturity int64) (*model.Market, error)

	// ListMarkets returns all markets for a cash group, ordered by
	// maturity. group 0 returns every market.
	ListMarkets(ctx context.Context, group uint16) ([]model.Market, error)

	// --- Account state ---

	// UpsertBalance persists an account's balance in one currency.
	UpsertBalance(ctx context.Context, account string, currency uint16, b *model.Balance) error

	// GetBalances returns all of an account's currency balances.
	GetBalances(ctx context.Context, account string) (map[uint16]*model.Balance, error)

	// ReplaceAssets replaces an account's asset portfolio.
	ReplaceAssets(ctx context.Context, account string, assets []model.Asset) error

	// GetAssets returns an account's asset portfolio.
	GetAssets(ctx context.Context, account string) ([]model.Asset, error)

	// ListAccounts returns every account ID with persisted state.
	ListAccounts(ctx context.Context) ([]string, error)

	// --- Immutable journal ---

	// InsertJournalEntry appends an immutable operation record.
	InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error

	// GetJournalByAccount returns all entries for an account.
	GetJournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error)

	// GetJournalByMarket returns all entries for one market.
	GetJournalByMarket(ctx context.Context, group uint16, maturity int64) ([]model.JournalEntry, error)
}
