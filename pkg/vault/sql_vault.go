package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/util/sqldialect"
)

// SQLVault keeps balances and custody in SQL tables, so custody survives a
// restart together with the escrows and budgets that account for it. Each
// Collect and each Payout batch commits in one transaction. Receive hooks run
// after the commit; a rejecting hook is undone in a second transaction.
type SQLVault struct {
	db      *sql.DB
	dialect sqldialect.Dialect

	mu    sync.RWMutex
	hooks map[identity.Account]ReceiveHook
}

// NewPostgresVault uses db as-is; call Migrate to create the schema.
func NewPostgresVault(db *sql.DB) *SQLVault {
	return &SQLVault{db: db, dialect: sqldialect.Postgres, hooks: make(map[identity.Account]ReceiveHook)}
}

// NewSQLiteVault opens the vault tables in db, creating them if needed.
func NewSQLiteVault(ctx context.Context, db *sql.DB) (*SQLVault, error) {
	v := &SQLVault{db: db, dialect: sqldialect.SQLite, hooks: make(map[identity.Account]ReceiveHook)}
	if err := v.Migrate(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Migrate creates the vault tables if they do not exist.
func (v *SQLVault) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vault_balances (
			asset TEXT NOT NULL,
			account TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount >= 0),
			PRIMARY KEY (asset, account)
		)`,
		`CREATE TABLE IF NOT EXISTS vault_custody (
			asset TEXT PRIMARY KEY,
			amount BIGINT NOT NULL CHECK (amount >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS vault_seeds (
			name TEXT PRIMARY KEY
		)`,
	}
	for _, stmt := range stmts {
		if _, err := v.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vault %s migrate: %w", v.dialect.Name, err)
		}
	}
	return nil
}

// Grant is one balance credited by Seed.
type Grant struct {
	Asset   finance.Asset
	Account identity.Account
	Amount  int64
}

// Seed credits grants once per name. It reports false, crediting nothing,
// when the name was seeded before.
func (v *SQLVault) Seed(ctx context.Context, name string, grants []Grant) (seeded bool, err error) {
	for _, g := range grants {
		if g.Amount <= 0 {
			return false, ErrInvalidAmount
		}
	}
	err = v.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, v.dialect.Rebind(`INSERT INTO vault_seeds (name) VALUES (?) ON CONFLICT DO NOTHING`), name)
		if err != nil {
			return fmt.Errorf("failed to record seed %q: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		seeded = true
		for _, g := range grants {
			if err := v.credit(ctx, tx, g.Asset, g.Account, g.Amount); err != nil {
				return err
			}
		}
		return nil
	})
	return seeded, err
}

// Mint credits an account out of thin air.
func (v *SQLVault) Mint(ctx context.Context, asset finance.Asset, to identity.Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return v.inTx(ctx, func(tx *sql.Tx) error {
		return v.credit(ctx, tx, asset, to, amount)
	})
}

// OnReceive installs (or with nil, removes) a hook for an account.
func (v *SQLVault) OnReceive(account identity.Account, hook ReceiveHook) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if hook == nil {
		delete(v.hooks, account)
		return
	}
	v.hooks[account] = hook
}

// Balance returns an account's balance.
func (v *SQLVault) Balance(ctx context.Context, asset finance.Asset, account identity.Account) (int64, error) {
	return v.amount(ctx, v.db, `SELECT amount FROM vault_balances WHERE asset = ? AND account = ?`, string(asset), string(account))
}

// Custody returns the amount of asset held in custody.
func (v *SQLVault) Custody(ctx context.Context, asset finance.Asset) (int64, error) {
	return v.amount(ctx, v.db, `SELECT amount FROM vault_custody WHERE asset = ?`, string(asset))
}

func (v *SQLVault) Collect(ctx context.Context, asset finance.Asset, from identity.Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return v.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := v.take(ctx, tx,
			`UPDATE vault_balances SET amount = amount - ? WHERE asset = ? AND account = ? AND amount >= ?`,
			amount, string(asset), string(from), amount)
		if err != nil {
			return fmt.Errorf("failed to debit %s: %w", from, err)
		}
		if !ok {
			held, err := v.amount(ctx, tx, `SELECT amount FROM vault_balances WHERE asset = ? AND account = ?`, string(asset), string(from))
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientBalance, from, held, asset, amount)
		}
		return v.hold(ctx, tx, asset, amount)
	})
}

func (v *SQLVault) Payout(ctx context.Context, transfers ...Transfer) error {
	need := make(map[finance.Asset]int64)
	var assets []finance.Asset
	for _, t := range transfers {
		if t.Amount <= 0 {
			return ErrInvalidAmount
		}
		if _, ok := need[t.Asset]; !ok {
			assets = append(assets, t.Asset)
		}
		need[t.Asset] += t.Amount
	}

	err := v.inTx(ctx, func(tx *sql.Tx) error {
		for _, asset := range assets {
			ok, err := v.take(ctx, tx,
				`UPDATE vault_custody SET amount = amount - ? WHERE asset = ? AND amount >= ?`,
				need[asset], string(asset), need[asset])
			if err != nil {
				return fmt.Errorf("failed to release custody of %s: %w", asset, err)
			}
			if !ok {
				held, err := v.amount(ctx, tx, `SELECT amount FROM vault_custody WHERE asset = ?`, string(asset))
				if err != nil {
					return err
				}
				return fmt.Errorf("%w: %d %s held, %d requested", ErrInsufficientCustody, held, asset, need[asset])
			}
		}
		for _, t := range transfers {
			if err := v.credit(ctx, tx, t.Asset, t.To, t.Amount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	v.mu.RLock()
	hooks := make([]ReceiveHook, len(transfers))
	for i, t := range transfers {
		hooks[i] = v.hooks[t.To]
	}
	v.mu.RUnlock()

	for i, hook := range hooks {
		if hook == nil {
			continue
		}
		if herr := hook(ctx, transfers[i]); herr != nil {
			rejected := fmt.Errorf("%w: %s: %v", ErrRejected, transfers[i].To, herr)
			if rerr := v.undo(ctx, transfers); rerr != nil {
				return errors.Join(rejected, rerr)
			}
			return rejected
		}
	}
	return nil
}

// undo moves a committed payout back into custody.
func (v *SQLVault) undo(ctx context.Context, transfers []Transfer) error {
	return v.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range transfers {
			ok, err := v.take(ctx, tx,
				`UPDATE vault_balances SET amount = amount - ? WHERE asset = ? AND account = ? AND amount >= ?`,
				t.Amount, string(t.Asset), string(t.To), t.Amount)
			if err != nil {
				return fmt.Errorf("failed to undo payout to %s: %w", t.To, err)
			}
			if !ok {
				return fmt.Errorf("failed to undo payout to %s: balance already spent", t.To)
			}
			if err := v.hold(ctx, tx, t.Asset, t.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

func (v *SQLVault) credit(ctx context.Context, tx *sql.Tx, asset finance.Asset, to identity.Account, amount int64) error {
	_, err := tx.ExecContext(ctx, v.dialect.Rebind(`INSERT INTO vault_balances (asset, account, amount) VALUES (?, ?, ?)
		ON CONFLICT (asset, account) DO UPDATE SET amount = vault_balances.amount + excluded.amount`),
		string(asset), string(to), amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", to, err)
	}
	return nil
}

func (v *SQLVault) hold(ctx context.Context, tx *sql.Tx, asset finance.Asset, amount int64) error {
	_, err := tx.ExecContext(ctx, v.dialect.Rebind(`INSERT INTO vault_custody (asset, amount) VALUES (?, ?)
		ON CONFLICT (asset) DO UPDATE SET amount = vault_custody.amount + excluded.amount`),
		string(asset), amount)
	if err != nil {
		return fmt.Errorf("failed to update custody of %s: %w", asset, err)
	}
	return nil
}

// take runs a guarded decrement and reports whether a row was changed.
func (v *SQLVault) take(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	res, err := tx.ExecContext(ctx, v.dialect.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (v *SQLVault) amount(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	var amount int64
	err := q.QueryRowContext(ctx, v.dialect.Rebind(query), args...).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vault read: %w", err)
	}
	return amount, nil
}

func (v *SQLVault) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vault: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("vault: commit: %w", err)
	}
	return nil
}
