package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// PostgresLedgerStore backs the chain with Postgres. Append serialization
// uses a transaction-scoped advisory lock so concurrent writers queue on the
// database rather than in any single process.
type PostgresLedgerStore struct {
	readStore
	logger *slog.Logger
}

func NewPostgresLedgerStore(db *sql.DB, logger *slog.Logger) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		readStore: readStore{db: db},
		logger:    logger.With("component", "ledger_store"),
	}
}

// Migrate applies the schema. Statements are idempotent.
func (s *PostgresLedgerStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("store: migrate postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresLedgerStore) InChainLock(ctx context.Context, fn func(ctx context.Context, tx *ChainTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin chain tx: %w", err)
	}
	defer txRollback(tx)

	// Held until commit or rollback; all appenders contend on this one key.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return fmt.Errorf("store: acquire chain lock: %w", err)
	}

	if err := fn(ctx, &ChainTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit chain tx: %w", err)
	}
	return nil
}
