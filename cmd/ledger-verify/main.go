// Command ledger-verify audits a Postgres ledger: balances are non-negative,
// every transfer's request_hash matches its row, and every transfer has exactly
// one event_log entry whose canonical payload matches the row.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"transfer-ledger/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledger-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		dsn     = fs.String("dsn", os.Getenv("LEDGER_DB_DSN"), "Postgres DSN (default $LEDGER_DB_DSN)")
		timeout = fs.Duration("timeout", 2*time.Minute, "audit deadline")
		asJSON  = fs.Bool("json", false, "print the report as JSON")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dsn == "" {
		fmt.Fprintln(stderr, "missing -dsn")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		fmt.Fprintln(stderr, "connect:", err)
		return 2
	}
	defer pool.Close()

	report, err := store.New(pool).Verify(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "verify:", err)
		return 2
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintln(stderr, "encode:", err)
			return 2
		}
	} else {
		printReport(stdout, report)
	}

	if !report.OK() {
		return 1
	}
	return 0
}

func printReport(w io.Writer, r store.AuditReport) {
	fmt.Fprintf(w, "accounts=%d transfers=%d events=%d\n", r.Accounts, r.Transfers, r.Events)

	currencies := make([]string, 0, len(r.Totals))
	for cur := range r.Totals {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	for _, cur := range currencies {
		fmt.Fprintf(w, "total %s %s\n", cur, r.Totals[cur].String())
	}

	listFailures(w, "negative balance", r.NegativeBalances)
	listFailures(w, "request hash mismatch", r.HashMismatches)
	listFailures(w, "missing event", r.MissingEvents)
	listFailures(w, "event payload mismatch", r.EventMismatches)

	if r.OK() {
		fmt.Fprintln(w, "OK: ledger verified")
	} else {
		fmt.Fprintln(w, "FAIL: ledger audit found problems")
	}
}

func listFailures(w io.Writer, label string, ids []string) {
	for _, id := range ids {
		fmt.Fprintf(w, "FAIL: %s: %s\n", label, id)
	}
}
