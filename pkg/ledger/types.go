// Package ledger defines the append-only hash-chained ledger entry, the
// derived read-model rows, and the storage contracts the engines depend on.
//
// A LedgerEntry is created exactly once by the append engine and never
// mutated. Derived tables (evidence snapshots, verification cache, proof
// views) may be truncated and rebuilt from the ledger at any time.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an entry or derived row does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrHashMismatch is returned when a stored hash fails recomputation.
	// The chain is evidence of tampering; the error is surfaced, never repaired.
	ErrHashMismatch = errors.New("ledger: hash mismatch")
	// ErrDuplicateIdempotencyKey signals a concurrent duplicate submission.
	// The append engine converts it into a deduplicated success.
	ErrDuplicateIdempotencyKey = errors.New("ledger: duplicate idempotency key")
)

// Entry is one immutable, hash-chained ledger row.
type Entry struct {
	ID             string          `json:"id"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	SchemaVersion  string          `json:"schema_version"`
	Source         string          `json:"source"`
	Producer       string          `json:"producer"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
	AssetID        string          `json:"asset_id,omitempty"`
	AnchorID       string          `json:"anchor_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	PreviousHash   string          `json:"previous_hash,omitempty"` // empty for GENESIS
	EntryHash      string          `json:"entry_hash"`

	// Projection columns, populated for verification-relevant events only.
	AssetStateHash  string `json:"asset_state_hash,omitempty"`
	EvidenceSetHash string `json:"evidence_set_hash,omitempty"`
	RulesetVersion  string `json:"ruleset_version,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// EvidenceSnapshot is the materialized evidence projection. Rebuildable.
type EvidenceSnapshot struct {
	AssetID     string          `json:"asset_id"`
	EvidenceID  string          `json:"evidence_id"`
	ContentHash string          `json:"content_hash"`
	StorageRef  string          `json:"storage_ref,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ProofView is a time-bound, snapshot-bound verification statement.
type ProofView struct {
	ProofID             string     `json:"proof_id"`
	AssetID             string     `json:"asset_id"`
	VerificationEventID string     `json:"verification_event_id"`
	SnapshotHash        string     `json:"snapshot_hash"`
	AssetStateHash      string     `json:"asset_state_hash"`
	EvidenceSetHash     string     `json:"evidence_set_hash"`
	RulesetVersion      string     `json:"ruleset_version"`
	ExpiresAt           time.Time  `json:"expires_at"`
	RevokedAt           *time.Time `json:"revoked_at,omitempty"`
	CreatedBy           string     `json:"created_by"`
	Scope               string     `json:"scope,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// VerificationCacheRow is the per-asset derived verification state.
type VerificationCacheRow struct {
	AssetID                 string    `json:"asset_id"`
	Status                  string    `json:"status"`
	ReasonCode              string    `json:"reason_code,omitempty"`
	ConfidenceBps           int       `json:"confidence_bps"`
	LastVerificationEventID string    `json:"last_verification_event_id,omitempty"`
	ActiveFreeze            bool      `json:"active_freeze"`
	RulesetVersion          string    `json:"ruleset_version"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// IntegrityCheckpoint records a fully verified chain prefix.
type IntegrityCheckpoint struct {
	CheckpointSequence int64     `json:"checkpoint_sequence"`
	CheckpointHash     string    `json:"checkpoint_hash"`
	EntriesCount       int64     `json:"entries_count"`
	VerifiedAt         time.Time `json:"verified_at"`
}

// Query filters entry listings. Zero values mean "no filter".
type Query struct {
	AssetID       string
	AnchorID      string
	CorrelationID string
	EventType     string
	Source        string
	FromSequence  int64
	ToSequence    int64
	Limit         int
	Offset        int
}

// Stats aggregates ledger counters for /stats and /health.
type Stats struct {
	TotalEntries int64            `json:"total_entries"`
	HeadSequence int64            `json:"head_sequence"`
	HeadHash     string           `json:"head_hash,omitempty"`
	BySource     map[string]int64 `json:"by_source"`
	ByEventType  map[string]int64 `json:"by_event_type"`
}

// Store is the read surface over the ledger table. The append path goes
// through AppendTx; everything here relies on snapshot isolation only.
type Store interface {
	GetByID(ctx context.Context, id string) (*Entry, error)
	GetBySequence(ctx context.Context, seq int64) (*Entry, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Entry, error)
	List(ctx context.Context, q Query) ([]*Entry, error)
	Head(ctx context.Context) (*Entry, error)
	Stats(ctx context.Context) (*Stats, error)
}
