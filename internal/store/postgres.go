package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/swapmkt/lending-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (cash_group, maturity, total_fcash, total_cash_claim, total_liquidity,
		                      rate_anchor, rate_scalar, fee_basis_points, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (cash_group, maturity) DO UPDATE
		 SET total_fcash = EXCLUDED.total_fcash,
		     total_cash_claim = EXCLUDED.total_cash_claim,
		     total_liquidity = EXCLUDED.total_liquidity`,
		m.CashGroup, m.Maturity,
		m.TotalFCash.String(), m.TotalCashClaim.String(), m.TotalLiquidity.String(),
		m.RateAnchor.String(), m.RateScalar.String(), m.FeeBasisPoints.String(),
		m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, group uint16, maturity int64) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT cash_group, maturity,
		        total_fcash::TEXT, total_cash_claim::TEXT, total_liquidity::TEXT,
		        rate_anchor::TEXT, rate_scalar::TEXT, fee_basis_points::TEXT,
		        created_at
		 FROM markets WHERE cash_group = $1 AND maturity = $2`, group, maturity))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d/%d: %w", group, maturity, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, group uint16) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cash_group, maturity,
		        total_fcash::TEXT, total_cash_claim::TEXT, total_liquidity::TEXT,
		        rate_anchor::TEXT, rate_scalar::TEXT, fee_basis_points::TEXT,
		        created_at
		 FROM markets
		 WHERE $1 = 0 OR cash_group = $1
		 ORDER BY cash_group, maturity`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpsertBalance(ctx context.Context, account string, currency uint16, b *model.Balance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (account_id, currency, cash_balance, currency_balance)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (account_id, currency) DO UPDATE
		 SET cash_balance = EXCLUDED.cash_balance,
		     currency_balance = EXCLUDED.currency_balance`,
		account, currency, b.CashBalance.String(), b.CurrencyBalance.String(),
	)
	return err
}

func (s *PostgresStore) GetBalances(ctx context.Context, account string) (map[uint16]*model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT currency, cash_balance::TEXT, currency_balance::TEXT
		 FROM balances WHERE account_id = $1`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint16]*model.Balance)
	for rows.Next() {
		var currency uint16
		var cashS, currS string
		if err := rows.Scan(&currency, &cashS, &currS); err != nil {
			return nil, err
		}
		var b model.Balance
		b.CashBalance, _ = decimal.NewFromString(cashS)
		b.CurrencyBalance, _ = decimal.NewFromString(currS)
		out[currency] = &b
	}
	return out, rows.Err()
}

// ReplaceAssets swaps the account's portfolio atomically: delete then
// re-insert inside one transaction.
func (s *PostgresStore) ReplaceAssets(ctx context.Context, account string, assets []model.Asset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM assets WHERE account_id = $1`, account); err != nil {
		return err
	}
	for _, a := range assets {
		if _, err := tx.Exec(ctx,
			`INSERT INTO assets (account_id, type, cash_group, currency, maturity, notional)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC)`,
			account, a.Type, a.CashGroup, a.Currency, a.Maturity, a.Notional.String(),
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAssets(ctx context.Context, account string) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT type, cash_group, currency, maturity, notional::TEXT
		 FROM assets WHERE account_id = $1 ORDER BY maturity, type`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		var notionalS string
		if err := rows.Scan(&a.Type, &a.CashGroup, &a.Currency, &a.Maturity, &notionalS); err != nil {
			return nil, err
		}
		a.Notional, _ = decimal.NewFromString(notionalS)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id FROM balances
		 UNION SELECT account_id FROM assets
		 ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, account_id, operation, cash_group, currency, maturity,
		                              cash, fcash, tokens, fee, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		e.ID, e.AccountID, e.Operation, e.CashGroup, e.Currency, e.Maturity,
		e.Cash.String(), e.FCash.String(), e.Tokens.String(), e.Fee.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetJournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, operation, cash_group, currency, maturity,
		        cash::TEXT, fcash::TEXT, tokens::TEXT, fee::TEXT, timestamp
		 FROM journal_entries WHERE account_id = $1 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

func (s *PostgresStore) GetJournalByMarket(ctx context.Context, group uint16, maturity int64) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, operation, cash_group, currency, maturity,
		        cash::TEXT, fcash::TEXT, tokens::TEXT, fee::TEXT, timestamp
		 FROM journal_entries WHERE cash_group = $1 AND maturity = $2 ORDER BY timestamp`,
		group, maturity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

// pgxRow is the common scan surface of pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row pgxRow) (*model.Market, error) {
	var m model.Market
	var fcashS, claimS, liqS, anchorS, scalarS, feeS string

	if err := row.Scan(&m.CashGroup, &m.Maturity,
		&fcashS, &claimS, &liqS,
		&anchorS, &scalarS, &feeS,
		&m.CreatedAt); err != nil {
		return nil, err
	}

	m.TotalFCash, _ = decimal.NewFromString(fcashS)
	m.TotalCashClaim, _ = decimal.NewFromString(claimS)
	m.TotalLiquidity, _ = decimal.NewFromString(liqS)
	m.RateAnchor, _ = decimal.NewFromString(anchorS)
	m.RateScalar, _ = decimal.NewFromString(scalarS)
	m.FeeBasisPoints, _ = decimal.NewFromString(feeS)

	return &m, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanJournalEntries(rows pgxRows) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var cashS, fcashS, tokensS, feeS string

		if err := rows.Scan(&e.ID, &e.AccountID, &e.Operation, &e.CashGroup, &e.Currency, &e.Maturity,
			&cashS, &fcashS, &tokensS, &feeS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Cash, _ = decimal.NewFromString(cashS)
		e.FCash, _ = decimal.NewFromString(fcashS)
		e.Tokens, _ = decimal.NewFromString(tokensS)
		e.Fee, _ = decimal.NewFromString(feeS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
