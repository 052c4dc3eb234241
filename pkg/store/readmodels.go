package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/proveniq/ledger-core/pkg/audit"
	"github.com/proveniq/ledger-core/pkg/ledger"
)

// ReadModelStore owns the rebuildable projections: evidence snapshots, the
// verification cache, and integrity checkpoints. Everything here can be
// truncated and recomputed from the ledger.
type ReadModelStore struct {
	db *sql.DB
}

func NewReadModelStore(db *sql.DB) *ReadModelStore {
	return &ReadModelStore{db: db}
}

func (s *ReadModelStore) UpsertEvidenceSnapshot(ctx context.Context, snap *ledger.EvidenceSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_snapshots (asset_id, evidence_id, content_hash, storage_ref, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (asset_id, evidence_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			storage_ref = excluded.storage_ref,
			metadata = excluded.metadata`,
		snap.AssetID, snap.EvidenceID, snap.ContentHash,
		nullable(snap.StorageRef), nullable(string(snap.Metadata)), snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert evidence snapshot: %w", err)
	}
	return nil
}

func (s *ReadModelStore) ListEvidence(ctx context.Context, assetID string) ([]*ledger.EvidenceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, evidence_id, content_hash, storage_ref, metadata, created_at
		FROM evidence_snapshots WHERE asset_id = $1 ORDER BY evidence_id ASC`,
		assetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	snaps := make([]*ledger.EvidenceSnapshot, 0)
	for rows.Next() {
		var snap ledger.EvidenceSnapshot
		var storageRef, metadata sql.NullString
		if err := rows.Scan(&snap.AssetID, &snap.EvidenceID, &snap.ContentHash,
			&storageRef, &metadata, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snap.StorageRef = storageRef.String
		if metadata.Valid {
			snap.Metadata = []byte(metadata.String)
		}
		snap.CreatedAt = snap.CreatedAt.UTC()
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

func (s *ReadModelStore) UpsertVerification(ctx context.Context, row *ledger.VerificationCacheRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_cache
			(asset_id, status, reason_code, confidence_bps, last_verification_event_id,
			 active_freeze, ruleset_version, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (asset_id) DO UPDATE SET
			status = excluded.status,
			reason_code = excluded.reason_code,
			confidence_bps = excluded.confidence_bps,
			last_verification_event_id = excluded.last_verification_event_id,
			active_freeze = excluded.active_freeze,
			ruleset_version = excluded.ruleset_version,
			updated_at = excluded.updated_at`,
		row.AssetID, row.Status, nullable(row.ReasonCode), row.ConfidenceBps,
		nullable(row.LastVerificationEventID), row.ActiveFreeze, row.RulesetVersion,
		row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert verification cache: %w", err)
	}
	return nil
}

func (s *ReadModelStore) GetVerification(ctx context.Context, assetID string) (*ledger.VerificationCacheRow, error) {
	var row ledger.VerificationCacheRow
	var reasonCode, lastEventID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT asset_id, status, reason_code, confidence_bps, last_verification_event_id,
			active_freeze, ruleset_version, updated_at
		FROM verification_cache WHERE asset_id = $1`, assetID,
	).Scan(&row.AssetID, &row.Status, &reasonCode, &row.ConfidenceBps,
		&lastEventID, &row.ActiveFreeze, &row.RulesetVersion, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	row.ReasonCode = reasonCode.String
	row.LastVerificationEventID = lastEventID.String
	row.UpdatedAt = row.UpdatedAt.UTC()
	return &row, nil
}

func (s *ReadModelStore) InsertCheckpoint(ctx context.Context, cp *ledger.IntegrityCheckpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrity_checkpoints (checkpoint_sequence, checkpoint_hash, entries_count, verified_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (checkpoint_sequence) DO UPDATE SET
			checkpoint_hash = excluded.checkpoint_hash,
			entries_count = excluded.entries_count,
			verified_at = excluded.verified_at`,
		cp.CheckpointSequence, cp.CheckpointHash, cp.EntriesCount, cp.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert checkpoint: %w", err)
	}
	return nil
}

func (s *ReadModelStore) LatestCheckpoint(ctx context.Context) (*ledger.IntegrityCheckpoint, error) {
	var cp ledger.IntegrityCheckpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_sequence, checkpoint_hash, entries_count, verified_at
		FROM integrity_checkpoints ORDER BY checkpoint_sequence DESC LIMIT 1`,
	).Scan(&cp.CheckpointSequence, &cp.CheckpointHash, &cp.EntriesCount, &cp.VerifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	cp.VerifiedAt = cp.VerifiedAt.UTC()
	return &cp, nil
}

// TruncateDerived clears every rebuildable projection ahead of a replay.
// Proof views are included: issuance and revocation live in the ledger as
// PROOF_VIEW_CREATED / PROOF_VIEW_REVOKED events, so the table is derived too.
func (s *ReadModelStore) TruncateDerived(ctx context.Context) error {
	for _, table := range []string{"evidence_snapshots", "verification_cache", "proof_views"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("store: truncate %s: %w", table, err)
		}
	}
	return nil
}

// AuditSQLStore appends audit rows outside the append transaction, for admin
// actions that have no ledger entry of their own.
type AuditSQLStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditSQLStore {
	return &AuditSQLStore{db: db}
}

var _ audit.Store = (*AuditSQLStore)(nil)

func (s *AuditSQLStore) Insert(ctx context.Context, rec *audit.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, actor_id, resource, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, string(rec.Action), nullable(rec.ActorID), nullable(rec.Resource),
		nullable(string(rec.Detail)), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert audit record: %w", err)
	}
	return nil
}
