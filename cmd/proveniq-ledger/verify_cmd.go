package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/proveniq/ledger-core/pkg/integrity"
	"github.com/proveniq/ledger-core/pkg/store"
)

// runVerifyCmd implements `proveniq-ledger verify`.
//
// Replays the hash chain from the database and recomputes every payload
// hash, entry hash, and previous-hash link. Reads DATABASE_URL directly so
// it can run against a ledger without the server's full configuration.
//
// Exit codes:
//
//	0 = chain valid
//	1 = chain invalid
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dsn        string
		from       int64
		to         int64
		limit      int
		jsonOutput bool
	)

	cmd.StringVar(&dsn, "db", "", "Database URL (defaults to DATABASE_URL, sqlite lite mode when empty)")
	cmd.Int64Var(&from, "from", 0, "First sequence number to check (default 1)")
	cmd.Int64Var(&to, "to", 0, "Last sequence number to check (default head)")
	cmd.IntVar(&limit, "limit", 0, "Maximum entries to walk (default 100000)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var (
		entries     store.LedgerStore
		checkpoints *store.ReadModelStore
	)
	if dsn == "" || strings.HasPrefix(dsn, "sqlite:") {
		path := strings.TrimPrefix(dsn, "sqlite:")
		if path == "" {
			path = os.Getenv("LITE_DB_PATH")
			if path == "" {
				path = "proveniq.db"
			}
		}
		lite, err := store.OpenLite(path, logger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: open %s: %v\n", path, err)
			return 2
		}
		entries = lite
		checkpoints = store.NewReadModelStore(lite.DB())
	} else {
		db, err := store.OpenPostgres(ctx, dsn, logger)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: connect: %v\n", err)
			return 2
		}
		entries = store.NewPostgresLedgerStore(db, logger)
		checkpoints = store.NewReadModelStore(db)
	}

	report, err := integrity.NewVerifier(entries, checkpoints, logger).VerifyRange(ctx, from, to, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Valid {
		_, _ = fmt.Fprintf(stdout, "✅ Ledger chain VALID\n")
		_, _ = fmt.Fprintf(stdout, "Entries checked: %d (sequence %d..%d)\n",
			report.EntriesChecked, report.FirstSequence, report.LastSequence)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ Ledger chain INVALID\n")
		_, _ = fmt.Fprintf(stdout, "Entries checked: %d (sequence %d..%d)\n",
			report.EntriesChecked, report.FirstSequence, report.LastSequence)
		for _, e := range report.Errors {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", e)
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}
