package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/proveniq/ledger-core/pkg/audit"
	"github.com/proveniq/ledger-core/pkg/ledger"
	"github.com/proveniq/ledger-core/pkg/webhook"
)

const entryColumns = `id, sequence_number, event_type, schema_version, source, producer,
	correlation_id, actor_id, asset_id, anchor_id, payload, payload_hash,
	previous_hash, entry_hash, asset_state_hash, evidence_set_hash,
	ruleset_version, created_at, idempotency_key`

// ChainTx is the transactional surface available while the chain lock is
// held. Everything executed here commits or rolls back atomically with the
// appended entry.
type ChainTx struct {
	tx *sql.Tx
}

// Chain serializes appenders against the single logical chain.
type Chain interface {
	// InChainLock runs fn inside a transaction holding the chain lock. A nil
	// error from fn commits; any error rolls back.
	InChainLock(ctx context.Context, fn func(ctx context.Context, tx *ChainTx) error) error
}

// LedgerStore is the full persistence surface over the ledger table.
type LedgerStore interface {
	ledger.Store
	Chain
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*ledger.Entry, error) {
	var e ledger.Entry
	var correlationID, actorID, assetID, anchorID sql.NullString
	var previousHash, assetStateHash, evidenceSetHash, rulesetVersion sql.NullString
	var payload []byte

	err := row.Scan(
		&e.ID, &e.SequenceNumber, &e.EventType, &e.SchemaVersion, &e.Source, &e.Producer,
		&correlationID, &actorID, &assetID, &anchorID, &payload, &e.PayloadHash,
		&previousHash, &e.EntryHash, &assetStateHash, &evidenceSetHash,
		&rulesetVersion, &e.CreatedAt, &e.IdempotencyKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}

	e.CorrelationID = correlationID.String
	e.ActorID = actorID.String
	e.AssetID = assetID.String
	e.AnchorID = anchorID.String
	e.PreviousHash = previousHash.String
	e.AssetStateHash = assetStateHash.String
	e.EvidenceSetHash = evidenceSetHash.String
	e.RulesetVersion = rulesetVersion.String
	e.Payload = payload
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Head returns the entry with the maximum sequence number, or nil when the
// chain is empty.
func (t *ChainTx) Head(ctx context.Context) (*ledger.Entry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries ORDER BY sequence_number DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// ByIdempotencyKey loads the entry recorded for a producer key.
func (t *ChainTx) ByIdempotencyKey(ctx context.Context, key string) (*ledger.Entry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key)
	return scanEntry(row)
}

// InsertEntry persists one immutable ledger row.
func (t *ChainTx) InsertEntry(ctx context.Context, e *ledger.Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		e.ID, e.SequenceNumber, e.EventType, e.SchemaVersion, e.Source, e.Producer,
		nullable(e.CorrelationID), nullable(e.ActorID), nullable(e.AssetID), nullable(e.AnchorID),
		[]byte(e.Payload), e.PayloadHash,
		nullable(e.PreviousHash), e.EntryHash,
		nullable(e.AssetStateHash), nullable(e.EvidenceSetHash), nullable(e.RulesetVersion),
		e.CreatedAt, e.IdempotencyKey,
	)
	return err
}

// EnqueueDeliveries inserts pending webhook deliveries in the append
// transaction, the outbox that guarantees at-least-once fan-out.
func (t *ChainTx) EnqueueDeliveries(ctx context.Context, deliveries []*webhook.Delivery) error {
	for _, d := range deliveries {
		if err := execInsert(ctx, t.tx, "enqueue delivery", `
			INSERT INTO webhook_deliveries
				(id, subscription_id, event_id, status, attempts, next_retry_at, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			d.ID, d.SubscriptionID, d.EventID, d.Status, d.Attempts, d.NextRetryAt, d.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// UpsertEvidenceSnapshot projects evidence rows at write time.
func (t *ChainTx) UpsertEvidenceSnapshot(ctx context.Context, s *ledger.EvidenceSnapshot) error {
	return execInsert(ctx, t.tx, "upsert evidence snapshot", `
		INSERT INTO evidence_snapshots (asset_id, evidence_id, content_hash, storage_ref, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (asset_id, evidence_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			storage_ref = excluded.storage_ref,
			metadata = excluded.metadata`,
		s.AssetID, s.EvidenceID, s.ContentHash, nullable(s.StorageRef),
		nullable(string(s.Metadata)), s.CreatedAt,
	)
}

// InsertAudit records an audit row atomically with the append.
func (t *ChainTx) InsertAudit(ctx context.Context, rec *audit.Record) error {
	return execInsert(ctx, t.tx, "insert audit", `
		INSERT INTO audit_log (id, action, actor_id, resource, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, string(rec.Action), nullable(rec.ActorID), nullable(rec.Resource),
		nullable(string(rec.Detail)), rec.CreatedAt,
	)
}

// readStore implements the shared, lock-free read surface for both backends.
type readStore struct {
	db *sql.DB
}

func (s *readStore) GetByID(ctx context.Context, id string) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
	return scanEntry(row)
}

func (s *readStore) GetBySequence(ctx context.Context, seq int64) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE sequence_number = $1`, seq)
	return scanEntry(row)
}

func (s *readStore) GetByIdempotencyKey(ctx context.Context, key string) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key)
	return scanEntry(row)
}

func (s *readStore) Head(ctx context.Context) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries ORDER BY sequence_number DESC LIMIT 1`)
	return scanEntry(row)
}

func (s *readStore) List(ctx context.Context, q ledger.Query) ([]*ledger.Entry, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if q.AssetID != "" {
		add("asset_id = $%d", q.AssetID)
	}
	if q.AnchorID != "" {
		add("anchor_id = $%d", q.AnchorID)
	}
	if q.CorrelationID != "" {
		add("correlation_id = $%d", q.CorrelationID)
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.Source != "" {
		add("source = $%d", q.Source)
	}
	if q.FromSequence > 0 {
		add("sequence_number >= $%d", q.FromSequence)
	}
	if q.ToSequence > 0 {
		add("sequence_number <= $%d", q.ToSequence)
	}

	stmt := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY sequence_number ASC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		stmt += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*ledger.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *readStore) Stats(ctx context.Context) (*ledger.Stats, error) {
	stats := &ledger.Stats{
		BySource:    make(map[string]int64),
		ByEventType: make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries`).Scan(&stats.TotalEntries); err != nil {
		return nil, err
	}

	head, err := s.Head(ctx)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		// empty chain
	case err != nil:
		return nil, err
	default:
		stats.HeadSequence = head.SequenceNumber
		stats.HeadHash = head.EntryHash
	}

	for col, dest := range map[string]map[string]int64{
		"source":     stats.BySource,
		"event_type": stats.ByEventType,
	} {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+col+`, COUNT(*) FROM ledger_entries GROUP BY `+col)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				_ = rows.Close()
				return nil, err
			}
			dest[key] = n
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return stats, nil
}
