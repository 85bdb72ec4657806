package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/honeycomb-labs/settlement/pkg/audit"
	"github.com/honeycomb-labs/settlement/pkg/config"
	"github.com/honeycomb-labs/settlement/pkg/identity"
)

// loadAuditEntries reads every entry of the SQLite audit log at path.
func loadAuditEntries(ctx context.Context, path string) ([]audit.Entry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	sink, err := audit.NewSQLiteSink(db)
	if err != nil {
		return nil, err
	}
	return sink.Load(ctx)
}

type verifyReport struct {
	Path     string `json:"path"`
	Entries  int    `json:"entries"`
	Head     string `json:"head"`
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

// runVerifyAuditCmd recomputes the hash chain of an audit log.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify-audit", stderr)
	path := fs.String("db", "", "path to the SQLite audit log (defaults to SETTLEMENT_AUDIT_PATH)")
	jsonOut := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		cfg, err := config.Load()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		*path = cfg.AuditPath
	}

	entries, err := loadAuditEntries(context.Background(), *path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read audit log %s: %v\n", *path, err)
		return 2
	}

	report := verifyReport{Path: *path, Entries: len(entries), Head: audit.GenesisHash, Verified: true}
	if n := len(entries); n > 0 {
		report.Head = entries[n-1].Hash
	}
	if err := audit.VerifyEntries(entries); err != nil {
		report.Verified = false
		report.Error = err.Error()
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return 2
		}
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "Audit chain verified: %d entries, head %s\n", report.Entries, report.Head)
	} else {
		_, _ = fmt.Fprintf(stdout, "Audit chain BROKEN: %s\n", report.Error)
	}

	if !report.Verified {
		return 1
	}
	return 0
}

// runExportAuditCmd writes an evidence pack for a time window of the log.
func runExportAuditCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export-audit", stderr)
	path := fs.String("db", "", "path to the SQLite audit log (defaults to SETTLEMENT_AUDIT_PATH)")
	out := fs.StringP("out", "o", "", "output zip file (REQUIRED)")
	since := fs.String("since", "", "RFC 3339 start of the window")
	until := fs.String("until", "", "RFC 3339 end of the window")
	names := fs.StringSlice("event", nil, "event names to include (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *out == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --out is required")
		return 2
	}
	if *path == "" {
		cfg, err := config.Load()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		*path = cfg.AuditPath
	}

	req := audit.ExportRequest{Names: *names}
	var err error
	if req.Start, err = parseTime(*since); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --since: %v\n", err)
		return 2
	}
	if req.End, err = parseTime(*until); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --until: %v\n", err)
		return 2
	}

	entries, err := loadAuditEntries(context.Background(), *path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read audit log %s: %v\n", *path, err)
		return 2
	}
	archive, checksum, err := audit.Export(entries, req, time.Now().UTC())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out, archive, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Wrote %s (sha256:%s)\n", *out, checksum)
	return 0
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// runIssueTokenCmd signs a bearer token with SETTLEMENT_JWT_SECRET.
func runIssueTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("issue-token", stderr)
	account := fs.String("account", "", "account the token authenticates (REQUIRED)")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to SETTLEMENT_TOKEN_TTL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *account == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --account is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	tokens, err := identity.NewTokenManager([]byte(cfg.JWTSecret), tokenIssuer)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *ttl == 0 {
		*ttl = cfg.TokenTTL
	}
	token, err := tokens.Issue(identity.Account(*account), *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
