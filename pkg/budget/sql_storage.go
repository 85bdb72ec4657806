package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/util/sqldialect"
)

// SQLStorage implements Storage on database/sql, for PostgreSQL or SQLite.
type SQLStorage struct {
	db      *sql.DB
	dialect sqldialect.Dialect
}

// NewPostgresStorage uses db as-is; call Migrate to create the schema.
func NewPostgresStorage(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db, dialect: sqldialect.Postgres}
}

// NewSQLiteStorage opens the budget tables in db, creating them if needed.
func NewSQLiteStorage(ctx context.Context, db *sql.DB) (*SQLStorage, error) {
	s := &SQLStorage{db: db, dialect: sqldialect.SQLite}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the budget tables if they do not exist.
func (s *SQLStorage) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS budgets (
			identity TEXT NOT NULL,
			asset TEXT NOT NULL,
			balance BIGINT NOT NULL CHECK (balance >= 0),
			daily_limit BIGINT NOT NULL DEFAULT 0,
			daily_spent BIGINT NOT NULL DEFAULT 0,
			last_reset_day BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (identity, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS budget_freezes (
			identity TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS budget_targets (
			target TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS budget_payee_limits (
			identity TEXT NOT NULL,
			payee TEXT NOT NULL,
			asset TEXT NOT NULL,
			spend_limit BIGINT NOT NULL,
			PRIMARY KEY (identity, payee, asset)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("budget %s migrate: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQLStorage) Get(ctx context.Context, key Key) (*Budget, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		"SELECT balance, daily_limit, daily_spent, last_reset_day FROM budgets WHERE identity = ? AND asset = ?"),
		key.Identity.String(), string(key.Asset))

	b := Budget{Identity: key.Identity, Asset: key.Asset}
	err := row.Scan(&b.Balance, &b.DailyLimit, &b.DailySpent, &b.LastResetDay)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return &b, nil
}

func (s *SQLStorage) Set(ctx context.Context, b *Budget) error {
	query := `
		INSERT INTO budgets (identity, asset, balance, daily_limit, daily_spent, last_reset_day)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity, asset) DO UPDATE SET
			balance = EXCLUDED.balance,
			daily_limit = EXCLUDED.daily_limit,
			daily_spent = EXCLUDED.daily_spent,
			last_reset_day = EXCLUDED.last_reset_day
	`
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(query),
		b.Identity.String(), string(b.Asset), b.Balance, b.DailyLimit, b.DailySpent, b.LastResetDay)
	if err != nil {
		return fmt.Errorf("failed to persist budget: %w", err)
	}
	return nil
}

func (s *SQLStorage) Frozen(ctx context.Context, id identity.ID) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM budget_freezes WHERE identity = ?", id.String())
}

func (s *SQLStorage) SetFrozen(ctx context.Context, id identity.ID, frozen bool) error {
	query := "DELETE FROM budget_freezes WHERE identity = ?"
	if frozen {
		query = "INSERT INTO budget_freezes (identity) VALUES (?) ON CONFLICT DO NOTHING"
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), id.String()); err != nil {
		return fmt.Errorf("failed to set freeze: %w", err)
	}
	return nil
}

func (s *SQLStorage) TargetAllowed(ctx context.Context, target identity.Account) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM budget_targets WHERE target = ?", string(target))
}

func (s *SQLStorage) SetTargetAllowed(ctx context.Context, target identity.Account, allowed bool) error {
	query := "DELETE FROM budget_targets WHERE target = ?"
	if allowed {
		query = "INSERT INTO budget_targets (target) VALUES (?) ON CONFLICT DO NOTHING"
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), string(target)); err != nil {
		return fmt.Errorf("failed to set target: %w", err)
	}
	return nil
}

func (s *SQLStorage) PayeeLimit(ctx context.Context, key PayeeKey) (int64, error) {
	var limit int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		"SELECT spend_limit FROM budget_payee_limits WHERE identity = ? AND payee = ? AND asset = ?"),
		key.Identity.String(), string(key.Payee), string(key.Asset)).Scan(&limit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get payee limit: %w", err)
	}
	return limit, nil
}

func (s *SQLStorage) SetPayeeLimit(ctx context.Context, key PayeeKey, limit int64) error {
	var err error
	if limit == 0 {
		_, err = s.db.ExecContext(ctx, s.dialect.Rebind(
			"DELETE FROM budget_payee_limits WHERE identity = ? AND payee = ? AND asset = ?"),
			key.Identity.String(), string(key.Payee), string(key.Asset))
	} else {
		_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO budget_payee_limits (identity, payee, asset, spend_limit) VALUES (?, ?, ?, ?)
			ON CONFLICT (identity, payee, asset) DO UPDATE SET spend_limit = EXCLUDED.spend_limit`),
			key.Identity.String(), string(key.Payee), string(key.Asset), limit)
	}
	if err != nil {
		return fmt.Errorf("failed to set payee limit: %w", err)
	}
	return nil
}

func (s *SQLStorage) exists(ctx context.Context, query string, arg string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
