package vault_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeycomb-labs/settlement/pkg/identity"
	"github.com/honeycomb-labs/settlement/pkg/vault"
)

func openSQLiteVault(t *testing.T) *vault.SQLVault {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	v, err := vault.NewSQLiteVault(context.Background(), db)
	require.NoError(t, err)
	return v
}

func balance(t *testing.T, v *vault.SQLVault, account identity.Account) int64 {
	t.Helper()
	n, err := v.Balance(context.Background(), "HONEY", account)
	require.NoError(t, err)
	return n
}

func custody(t *testing.T, v *vault.SQLVault) int64 {
	t.Helper()
	n, err := v.Custody(context.Background(), "HONEY")
	require.NoError(t, err)
	return n
}

func TestSQLVault_CollectPayout(t *testing.T) {
	ctx := context.Background()
	v := openSQLiteVault(t)
	require.NoError(t, v.Mint(ctx, "HONEY", "0xalice", 100))

	require.NoError(t, v.Collect(ctx, "HONEY", "0xalice", 60))
	assert.Equal(t, int64(40), balance(t, v, "0xalice"))
	assert.Equal(t, int64(60), custody(t, v))

	err := v.Collect(ctx, "HONEY", "0xalice", 41)
	assert.ErrorIs(t, err, vault.ErrInsufficientBalance)
	assert.ErrorContains(t, err, "holds 40")
	assert.ErrorIs(t, v.Collect(ctx, "HONEY", "0xnobody", 1), vault.ErrInsufficientBalance)

	require.NoError(t, v.Payout(ctx,
		vault.Transfer{Asset: "HONEY", To: "0xbob", Amount: 59},
		vault.Transfer{Asset: "HONEY", To: "0xtreasury", Amount: 1},
	))
	assert.Equal(t, int64(59), balance(t, v, "0xbob"))
	assert.Equal(t, int64(1), balance(t, v, "0xtreasury"))
	assert.Zero(t, custody(t, v))
}

func TestSQLVault_PayoutAllOrNothing(t *testing.T) {
	ctx := context.Background()
	v := openSQLiteVault(t)
	require.NoError(t, v.Mint(ctx, "HONEY", "0xalice", 10))
	require.NoError(t, v.Collect(ctx, "HONEY", "0xalice", 10))

	err := v.Payout(ctx,
		vault.Transfer{Asset: "HONEY", To: "0xbob", Amount: 8},
		vault.Transfer{Asset: "HONEY", To: "0xtreasury", Amount: 3},
	)
	assert.ErrorIs(t, err, vault.ErrInsufficientCustody)
	assert.Zero(t, balance(t, v, "0xbob"))
	assert.Equal(t, int64(10), custody(t, v))

	assert.ErrorIs(t, v.Payout(ctx, vault.Transfer{Asset: "HONEY", To: "0xbob", Amount: 0}), vault.ErrInvalidAmount)
	assert.ErrorIs(t, v.Mint(ctx, "HONEY", "0xbob", -1), vault.ErrInvalidAmount)
}

func TestSQLVault_HookRejectsBatch(t *testing.T) {
	ctx := context.Background()
	v := openSQLiteVault(t)
	require.NoError(t, v.Mint(ctx, "HONEY", "0xalice", 10))
	require.NoError(t, v.Collect(ctx, "HONEY", "0xalice", 10))

	var seen int64
	v.OnReceive("0xtreasury", func(ctx context.Context, tr vault.Transfer) error {
		seen = balance(t, v, "0xbob")
		return errors.New("treasury paused")
	})

	err := v.Payout(ctx,
		vault.Transfer{Asset: "HONEY", To: "0xbob", Amount: 9},
		vault.Transfer{Asset: "HONEY", To: "0xtreasury", Amount: 1},
	)
	assert.ErrorIs(t, err, vault.ErrRejected)
	assert.Equal(t, int64(9), seen, "hooks run after the batch commits")
	assert.Zero(t, balance(t, v, "0xbob"), "first leg reverted")
	assert.Zero(t, balance(t, v, "0xtreasury"))
	assert.Equal(t, int64(10), custody(t, v))

	v.OnReceive("0xtreasury", nil)
	require.NoError(t, v.Payout(ctx, vault.Transfer{Asset: "HONEY", To: "0xtreasury", Amount: 1}))
}

func TestSQLVault_SeedOnce(t *testing.T) {
	ctx := context.Background()
	v := openSQLiteVault(t)
	grants := []vault.Grant{
		{Asset: "HONEY", Account: "0xalice", Amount: 100},
		{Asset: "HONEY", Account: "0xbob", Amount: 5},
	}

	seeded, err := v.Seed(ctx, "governance", grants)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = v.Seed(ctx, "governance", grants)
	require.NoError(t, err)
	assert.False(t, seeded)
	assert.Equal(t, int64(100), balance(t, v, "0xalice"))
	assert.Equal(t, int64(5), balance(t, v, "0xbob"))

	_, err = v.Seed(ctx, "bad", []vault.Grant{{Asset: "HONEY", Account: "0xalice", Amount: 0}})
	assert.ErrorIs(t, err, vault.ErrInvalidAmount)
}

func TestSQLVault_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	v, err := vault.NewSQLiteVault(ctx, db)
	require.NoError(t, err)
	require.NoError(t, v.Mint(ctx, "HONEY", "0xalice", 30))
	require.NoError(t, v.Collect(ctx, "HONEY", "0xalice", 20))
	require.NoError(t, db.Close())

	db, err = sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	v, err = vault.NewSQLiteVault(ctx, db)
	require.NoError(t, err)

	assert.Equal(t, int64(10), balance(t, v, "0xalice"))
	assert.Equal(t, int64(20), custody(t, v))
	require.NoError(t, v.Payout(ctx, vault.Transfer{Asset: "HONEY", To: "0xbob", Amount: 20}))
}

func TestPostgresVault_Collect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	v := vault.NewPostgresVault(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE vault_balances SET amount = amount - $1 WHERE asset = $2 AND account = $3 AND amount >= $4")).
		WithArgs(int64(7), "HONEY", "0xalice", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vault_custody (asset, amount) VALUES ($1, $2)")).
		WithArgs("HONEY", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, v.Collect(context.Background(), "HONEY", "0xalice", 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresVault_PayoutShortCustodyRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	v := vault.NewPostgresVault(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE vault_custody SET amount = amount - $1 WHERE asset = $2 AND amount >= $3")).
		WithArgs(int64(9), "HONEY", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT amount FROM vault_custody WHERE asset = $1")).
		WithArgs("HONEY").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(4))
	mock.ExpectRollback()

	err = v.Payout(context.Background(), vault.Transfer{Asset: "HONEY", To: "0xbob", Amount: 9})
	assert.ErrorIs(t, err, vault.ErrInsufficientCustody)
	assert.ErrorContains(t, err, "4 HONEY held")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresVault_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"vault_balances", "vault_custody", "vault_seeds"} {
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS " + table + " (")).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, vault.NewPostgresVault(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
