package main

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/config"
	"github.com/honeycomb-labs/settlement/pkg/escrow"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"settlementd", "help"}, &out, &errOut)

	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "verify-audit")
	assert.Contains(t, out.String(), "issue-token")
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"settlementd", "mint"}, &out, &errOut)

	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command: mint")
}

func TestRun_DefaultsToServe(t *testing.T) {
	orig := startServer
	t.Cleanup(func() { startServer = orig })

	var gotArgs []string
	calls := 0
	startServer = func(args []string, stdout, stderr io.Writer) int {
		calls++
		gotArgs = args
		return 0
	}

	assert.Equal(t, 0, Run([]string{"settlementd"}, io.Discard, io.Discard))
	assert.Equal(t, 0, Run([]string{"settlementd", "serve", "--addr", ":9999"}, io.Discard, io.Discard))
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"--addr", ":9999"}, gotArgs)
}

func TestHealthCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"settlementd", "health", "--addr", srv.URL + "/"}, &out, &errOut))
	assert.Equal(t, "OK\n", out.String())

	errOut.Reset()
	assert.Equal(t, 1, Run([]string{"settlementd", "health", "--addr", srv.URL + "/nowhere"}, io.Discard, &errOut))
	assert.Contains(t, errOut.String(), "status 404")
}

type noteEvent struct {
	N int `json:"n"`
}

func (noteEvent) EventName() string { return "test.Note" }

func writeAuditLog(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	sink, err := audit.NewSQLiteSink(db)
	require.NoError(t, err)
	log := audit.NewLog().WithSink(sink)
	for i := 1; i <= n; i++ {
		require.NoError(t, log.Emit(context.Background(), noteEvent{N: i}))
	}
	return path
}

func TestVerifyAuditCmd(t *testing.T) {
	path := writeAuditLog(t, 3)

	var out, errOut bytes.Buffer
	code := Run([]string{"settlementd", "verify-audit", "--db", path}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "3 entries")

	out.Reset()
	code = Run([]string{"settlementd", "verify-audit", "--db", path, "--json"}, &out, &errOut)
	require.Equal(t, 0, code)
	var report verifyReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.True(t, report.Verified)
	assert.Equal(t, 3, report.Entries)
}

func TestVerifyAuditCmd_DetectsTampering(t *testing.T) {
	path := writeAuditLog(t, 3)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE audit_entries SET payload = '{"n":99}' WHERE sequence = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var out bytes.Buffer
	code := Run([]string{"settlementd", "verify-audit", "--db", path}, &out, io.Discard)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "BROKEN")
}

func TestVerifyAuditCmd_MissingFile(t *testing.T) {
	var errOut bytes.Buffer
	code := Run([]string{"settlementd", "verify-audit", "--db", filepath.Join(t.TempDir(), "none.db")}, io.Discard, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "cannot read audit log")
}

func TestExportAuditCmd(t *testing.T) {
	path := writeAuditLog(t, 2)
	zipPath := filepath.Join(t.TempDir(), "pack.zip")

	var out, errOut bytes.Buffer
	code := Run([]string{"settlementd", "export-audit", "--db", path, "-o", zipPath, "--event", "test.Note"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "sha256:")

	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	assert.NotEmpty(t, zr.File)
}

func TestExportAuditCmd_Validation(t *testing.T) {
	path := writeAuditLog(t, 1)

	var errOut bytes.Buffer
	assert.Equal(t, 2, Run([]string{"settlementd", "export-audit", "--db", path}, io.Discard, &errOut))
	assert.Contains(t, errOut.String(), "--out is required")

	errOut.Reset()
	out := filepath.Join(t.TempDir(), "pack.zip")
	assert.Equal(t, 2, Run([]string{"settlementd", "export-audit", "--db", path, "-o", out, "--since", "yesterday"}, io.Discard, &errOut))
	assert.Contains(t, errOut.String(), "--since")

	assert.Equal(t, 1, Run([]string{"settlementd", "export-audit", "--db", path, "-o", out,
		"--since", "2026-02-01T00:00:00Z", "--until", "2026-01-01T00:00:00Z"}, io.Discard, io.Discard))
}

func TestIssueTokenCmd(t *testing.T) {
	t.Setenv("SETTLEMENT_JWT_SECRET", testSecret)

	var out, errOut bytes.Buffer
	code := Run([]string{"settlementd", "issue-token", "--account", "acct:alice", "--ttl", "5m"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	tm, err := identity.NewTokenManager([]byte(testSecret), tokenIssuer)
	require.NoError(t, err)
	account, err := tm.Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, identity.Account("acct:alice"), account)

	assert.Equal(t, 2, Run([]string{"settlementd", "issue-token"}, io.Discard, io.Discard))
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(io.Discard, "debug")
	require.NoError(t, err)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	_, err = newLogger(io.Discard, "chatty")
	assert.Error(t, err)
}

const appGovernance = `
schema_version: "1.0.0"
authority: acct:admin
treasury: acct:treasury
fee_bps: 100
allowed_targets: [acct:vendor]
condition_modules:
  - name: mutual
    type: mutual_signature
    approved: true
  - name: quorum
    type: validator_quorum
    threshold: 1
    validators: [acct:v1]
identities:
  - label: agent
    account: acct:alice
    operators: [acct:bot]
  - label: vendor
    account: acct:vendor
balances:
  - account: acct:alice
    asset: USDC
    amount: 500
`

func TestBuildApp_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		SQLitePath: filepath.Join(dir, "settlement.db"),
		AuditPath:  filepath.Join(dir, "audit.db"),
		JWTSecret:  testSecret,
		TokenTTL:   time.Hour,
		RateRPS:    100,
		RateBurst:  100,
	}
	gov, err := config.ParseGovernance([]byte(appGovernance))
	require.NoError(t, err)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, gov, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	tm, err := identity.NewTokenManager([]byte(testSecret), tokenIssuer)
	require.NoError(t, err)
	call := func(method, path string, account identity.Account, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		token, err := tm.Issue(account, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, req)
		return rec
	}

	agent := identity.DeriveID("agent").String()
	rec := call(http.MethodPost, "/v1/budgets/"+agent+"/USDC/deposit", "acct:alice", `{"amount":100}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(http.MethodPost, "/v1/budgets/"+agent+"/USDC/spend", "acct:bot", `{"target":"acct:vendor","amount":30,"memo":"invoice 7"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, int64(70), view.Balance)

	rec = call(http.MethodPost, "/v1/budgets/"+agent+"/USDC/spend", "acct:bot", `{"target":"acct:stranger","amount":1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = call(http.MethodGet, "/v1/governance", "acct:bot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"fee_bps":100`)

	entries, err := loadAuditEntries(ctx, cfg.AuditPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "budget.Deposited", entries[0].Name)
	assert.Equal(t, "budget.Spent", entries[1].Name)
	require.NoError(t, audit.VerifyEntries(entries))
	require.NoError(t, a.engine.CheckConservation(ctx))
}

func TestBuildApp_ResumesAuditChain(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		SQLitePath: filepath.Join(dir, "settlement.db"),
		AuditPath:  writeAuditLog(t, 2),
		JWTSecret:  testSecret,
		RateRPS:    1,
		RateBurst:  1,
	}
	gov, err := config.ParseGovernance([]byte(appGovernance))
	require.NoError(t, err)

	a, err := buildApp(context.Background(), cfg, gov, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))
}

func TestBuildApp_RejectsShortSecret(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		SQLitePath: filepath.Join(dir, "settlement.db"),
		AuditPath:  filepath.Join(dir, "audit.db"),
		JWTSecret:  "short",
		RateRPS:    1,
		RateBurst:  1,
	}
	gov, err := config.ParseGovernance([]byte(appGovernance))
	require.NoError(t, err)

	_, err = buildApp(context.Background(), cfg, gov, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "SETTLEMENT_JWT_SECRET")
}

func TestBuildApp_RestartKeepsCustody(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		SQLitePath: filepath.Join(dir, "settlement.db"),
		AuditPath:  filepath.Join(dir, "audit.db"),
		JWTSecret:  testSecret,
		RateRPS:    1,
		RateBurst:  1,
	}
	gov, err := config.ParseGovernance([]byte(appGovernance))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	agent := identity.DeriveID("agent")

	a, err := buildApp(ctx, cfg, gov, logger)
	require.NoError(t, err)
	esc, err := a.engine.Create(ctx, "acct:alice", escrow.CreateRequest{
		Payer:     agent,
		Payee:     identity.DeriveID("vendor"),
		Asset:     "USDC",
		Amount:    100,
		Deadline:  time.Now().Add(time.Hour),
		TermsHash: audit.Keccak256([]byte("terms")),
		Condition: "mutual",
	})
	require.NoError(t, err)
	require.NoError(t, a.engine.Fund(ctx, "acct:alice", esc.ID))
	require.NoError(t, a.ledger.Deposit(ctx, "acct:alice", agent, "USDC", 40))
	require.NoError(t, a.Close(ctx))

	a, err = buildApp(ctx, cfg, gov, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	held, err := a.vault.Custody(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(140), held)
	balance, err := a.vault.Balance(ctx, "USDC", "acct:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(360), balance, "governance balances are credited once")

	require.NoError(t, a.engine.Dispute(ctx, "acct:alice", esc.ID))
	require.NoError(t, a.engine.ResolveDispute(ctx, "acct:admin", esc.ID, false))

	b, err := a.ledger.Get(ctx, agent, "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.Balance)
	require.NoError(t, a.ledger.Withdraw(ctx, "acct:alice", agent, "USDC", 40, "acct:alice"))

	balance, err = a.vault.Balance(ctx, "USDC", "acct:alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
	held, err = a.vault.Custody(ctx, "USDC")
	require.NoError(t, err)
	assert.Zero(t, held)
	require.NoError(t, a.engine.CheckConservation(ctx))
}
