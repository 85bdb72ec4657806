package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// ANSI color codes for terminal output
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[90m"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is swapped out in tests.
var startServer = runServe

// Run dispatches a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "export-audit":
		return runExportAuditCmd(args[2:], stdout, stderr)
	case "issue-token":
		return runIssueTokenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "%ssettlementd%s conditional escrow and budget ledger\n\n", ColorBold+ColorBlue, ColorReset)
	_, _ = fmt.Fprintln(w, "Usage: settlementd <command> [flags]")

	printSection(w, "Server")
	printCommand(w, "serve", "Run the HTTP API (default)")
	printCommand(w, "health", "Probe a running server's /health endpoint")

	printSection(w, "Audit")
	printCommand(w, "verify-audit", "Verify the hash chain of a SQLite audit log")
	printCommand(w, "export-audit", "Write an evidence pack (zip) from a SQLite audit log")

	printSection(w, "Access")
	printCommand(w, "issue-token", "Issue a bearer token for an account")

	_, _ = fmt.Fprintf(w, "\nConfiguration is read from SETTLEMENT_* environment variables.\n")
}

func printSection(w io.Writer, name string) {
	_, _ = fmt.Fprintf(w, "\n%s%s%s\n", ColorBold+ColorCyan, name, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-14s %s%s%s\n", name, ColorGray, desc, ColorReset)
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("health", stderr)
	addr := fs.String("addr", "http://localhost:8080", "base URL of the server")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(strings.TrimSuffix(*addr, "/") + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
