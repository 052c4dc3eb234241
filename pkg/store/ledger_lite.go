package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// LiteLedgerStore runs the chain on embedded SQLite for single-process
// deployments and tests. SQLite has no advisory locks, so appenders
// serialize on a process mutex instead; the write-once trigger still guards
// against anything that slips past it.
type LiteLedgerStore struct {
	readStore
	mu     sync.Mutex
	logger *slog.Logger
}

// OpenLite opens (or creates) a SQLite database at path. Use ":memory:" for
// an ephemeral instance.
func OpenLite(path string, logger *slog.Logger) (*LiteLedgerStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// A single connection avoids SQLITE_BUSY under concurrent readers.
	db.SetMaxOpenConns(1)
	return NewLiteLedgerStore(db, logger), nil
}

func NewLiteLedgerStore(db *sql.DB, logger *slog.Logger) *LiteLedgerStore {
	return &LiteLedgerStore{
		readStore: readStore{db: db},
		logger:    logger.With("component", "ledger_store_lite"),
	}
}

func (s *LiteLedgerStore) DB() *sql.DB { return s.db }

func (s *LiteLedgerStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, liteSchema); err != nil {
		return fmt.Errorf("store: migrate sqlite schema: %w", err)
	}
	return nil
}

func (s *LiteLedgerStore) InChainLock(ctx context.Context, fn func(ctx context.Context, tx *ChainTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin chain tx: %w", err)
	}
	defer txRollback(tx)

	if err := fn(ctx, &ChainTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit chain tx: %w", err)
	}
	return nil
}
