package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/proveniq/ledger-core/pkg/ledger"
)

const proofColumns = `proof_id, asset_id, verification_event_id, snapshot_hash,
	asset_state_hash, evidence_set_hash, ruleset_version, expires_at, revoked_at,
	created_by, scope, created_at`

// ProofStore persists proof views. Rows are derived state: issuance and
// revocation are first recorded as ledger events, then mirrored here for
// direct lookup.
type ProofStore struct {
	db *sql.DB
}

func NewProofStore(db *sql.DB) *ProofStore {
	return &ProofStore{db: db}
}

func (s *ProofStore) Insert(ctx context.Context, p *ledger.ProofView) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proof_views (`+proofColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ProofID, p.AssetID, p.VerificationEventID, p.SnapshotHash,
		p.AssetStateHash, p.EvidenceSetHash, p.RulesetVersion,
		p.ExpiresAt, p.RevokedAt, p.CreatedBy, nullable(p.Scope), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert proof: %w", err)
	}
	return nil
}

func (s *ProofStore) Get(ctx context.Context, proofID string) (*ledger.ProofView, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proofColumns+` FROM proof_views WHERE proof_id = $1`, proofID)
	return scanProof(row)
}

func (s *ProofStore) ListByAsset(ctx context.Context, assetID string) ([]*ledger.ProofView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proofColumns+` FROM proof_views WHERE asset_id = $1 ORDER BY created_at DESC`,
		assetID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	proofs := make([]*ledger.ProofView, 0)
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, p)
	}
	return proofs, rows.Err()
}

// Revoke stamps revoked_at once. Already-revoked proofs are left untouched so
// the first revocation timestamp is authoritative.
func (s *ProofStore) Revoke(ctx context.Context, proofID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proof_views SET revoked_at = $1
		WHERE proof_id = $2 AND revoked_at IS NULL`,
		at, proofID,
	)
	if err != nil {
		return fmt.Errorf("store: revoke proof: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already revoked.
		if _, err := s.Get(ctx, proofID); err != nil {
			return err
		}
	}
	return nil
}

func scanProof(row scanner) (*ledger.ProofView, error) {
	var p ledger.ProofView
	var revokedAt sql.NullTime
	var scope sql.NullString
	err := row.Scan(&p.ProofID, &p.AssetID, &p.VerificationEventID, &p.SnapshotHash,
		&p.AssetStateHash, &p.EvidenceSetHash, &p.RulesetVersion,
		&p.ExpiresAt, &revokedAt, &p.CreatedBy, &scope, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		p.RevokedAt = &t
	}
	p.Scope = scope.String
	p.ExpiresAt = p.ExpiresAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
