// Package store persists the ledger and its derived read models. Two
// backends exist: Postgres for production (advisory-locked append, SKIP
// LOCKED delivery claims) and SQLite for Lite Mode, where a process mutex
// serializes the chain. All placeholders use the $N form, which both drivers
// accept.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lib/pq"
)

// maxOpenConns bounds the connection pool per instance.
const maxOpenConns = 10

// chainLockKey is the process-global advisory lock key serializing appends.
// The value spells "PROV"; the key space is reserved for this subsystem.
const chainLockKey int64 = 0x50524F56

// OpenPostgres connects to Postgres with bounded retry and a bounded pool.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	ping := func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	if _, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(30*time.Second),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("postgres not ready, retrying", "error", err, "wait", wait)
		}),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	logger.Info("postgres connected", "max_open_conns", maxOpenConns)
	return db, nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation from
// either backend. The append engine converts idempotency-key violations into
// deduplicated responses.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite surfaces constraint errors as text.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// txRollback rolls back a transaction, logging nothing: rollback after commit
// is a no-op by contract.
func txRollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// execInsert runs stmt and wraps failures with op for diagnostics.
func execInsert(ctx context.Context, tx *sql.Tx, op, stmt string, args ...any) error {
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return nil
}
