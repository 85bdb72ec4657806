package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/condition"
	"github.com/honeycomb-labs/settlement/pkg/finance"
	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/util/sqldialect"
)

// SQLStore implements Store on database/sql. Escrow transitions and the
// custody delta commit in one transaction.
type SQLStore struct {
	db      *sql.DB
	dialect sqldialect.Dialect
}

const escrowColumns = "id, payer, payee, asset, amount, deadline, terms_hash, condition_module, condition_data, status, created_at, funded_at"

// Migrate creates the escrow tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS escrows (
			id BIGINT PRIMARY KEY,
			payer TEXT NOT NULL,
			payee TEXT NOT NULL,
			asset TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			deadline BIGINT NOT NULL,
			terms_hash TEXT NOT NULL,
			condition_module TEXT NOT NULL,
			condition_data %s,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			funded_at BIGINT NOT NULL DEFAULT 0
		)`, s.dialect.BlobType),
		`CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status)`,
		`CREATE TABLE IF NOT EXISTS escrow_custody (
			asset TEXT PRIMARY KEY,
			amount BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("escrow %s migrate: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, e *Escrow) error {
	query := s.dialect.Rebind(`INSERT INTO escrows (` + escrowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		int64(e.ID), e.Payer.String(), e.Payee.String(), string(e.Asset), e.Amount,
		toNanos(e.Deadline), e.TermsHash.String(), string(e.Condition), e.ConditionData,
		string(e.Status), toNanos(e.CreatedAt), toNanos(e.FundedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert escrow %d: %w", e.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+escrowColumns+` FROM escrows WHERE id = ?`), int64(id))
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEscrow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow %d: %w", id, err)
	}
	return e, nil
}

func (s *SQLStore) Apply(ctx context.Context, t Transition) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		s.dialect.Rebind(`UPDATE escrows SET status = ?, funded_at = ? WHERE id = ? AND status = ?`),
		string(t.To), toNanos(t.FundedAt), int64(t.ID), string(t.From))
	if err != nil {
		return fmt.Errorf("failed to update escrow %d: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update escrow %d: %w", t.ID, err)
	}
	if n != 1 {
		return ErrStaleStatus
	}

	if t.CustodyDelta != 0 {
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO escrow_custody (asset, amount) VALUES (?, ?)
			ON CONFLICT (asset) DO UPDATE SET amount = escrow_custody.amount + excluded.amount`),
			string(t.Asset), t.CustodyDelta)
		if err != nil {
			return fmt.Errorf("failed to update custody for %s: %w", t.Asset, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition of escrow %d: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "id > ?")
	args = append(args, int64(f.AfterID))
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Party.IsZero() {
		where = append(where, "(payer = ? OR payee = ?)")
		args = append(args, f.Party.String(), f.Party.String())
	}
	if f.Asset != "" {
		where = append(where, "asset = ?")
		args = append(args, string(f.Asset))
	}
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Escrow, 0)
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escrow: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Custody(ctx context.Context) (map[finance.Asset]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset, amount FROM escrow_custody`)
	if err != nil {
		return nil, fmt.Errorf("failed to read custody: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[finance.Asset]int64)
	for rows.Next() {
		var (
			asset  string
			amount int64
		)
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		out[finance.Asset(asset)] = amount
	}
	return out, rows.Err()
}

func (s *SQLStore) MaxID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM escrows`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max escrow id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row scanner) (*Escrow, error) {
	var (
		id                         int64
		payer, payee, asset, terms string
		module, status             string
		amount, deadline           int64
		createdAt, fundedAt        int64
		data                       []byte
	)
	if err := row.Scan(&id, &payer, &payee, &asset, &amount, &deadline, &terms, &module, &data, &status, &createdAt, &fundedAt); err != nil {
		return nil, err
	}

	e := &Escrow{
		ID:            uint64(id),
		Asset:         finance.Asset(asset),
		Amount:        amount,
		Deadline:      fromNanos(deadline),
		Condition:     condition.Ref(module),
		ConditionData: data,
		CreatedAt:     fromNanos(createdAt),
		FundedAt:      fromNanos(fundedAt),
	}
	var err error
	if e.Payer, err = identity.ParseID(payer); err != nil {
		return nil, fmt.Errorf("escrow %d payer: %w", id, err)
	}
	if e.Payee, err = identity.ParseID(payee); err != nil {
		return nil, fmt.Errorf("escrow %d payee: %w", id, err)
	}
	if e.TermsHash, err = audit.ParseDigest(terms); err != nil {
		return nil, fmt.Errorf("escrow %d terms hash: %w", id, err)
	}
	if e.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	return e, nil
}

// Times are stored as Unix nanoseconds; 0 stands for the zero time.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
