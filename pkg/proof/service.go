// Package proof issues and validates proof views: time-bound, snapshot-bound
// statements that an asset was verified at a given moment. Issuance and
// revocation go through the append engine first so the ledger stays the
// system of record; the proof_views table is a rebuildable projection.
package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	ledgerappend "github.com/proveniq/ledger-core/pkg/append"
	"github.com/proveniq/ledger-core/pkg/canonical"
	"github.com/proveniq/ledger-core/pkg/envelope"
	"github.com/proveniq/ledger-core/pkg/events"
	"github.com/proveniq/ledger-core/pkg/ledger"
	"github.com/proveniq/ledger-core/pkg/replay"
)

// Validation outcome reasons, in ladder order.
const (
	ReasonProofRevoked     = "PROOF_REVOKED"
	ReasonProofExpired     = "PROOF_EXPIRED"
	ReasonAssetFrozen      = "ASSET_FROZEN"
	ReasonAssetRevoked     = "ASSET_REVOKED"
	ReasonInvalidated      = "INVALIDATED"
	ReasonNotActiveGrant   = "NOT_ACTIVE_GRANT"
	ReasonSnapshotMismatch = "SNAPSHOT_MISMATCH"
	ReasonOK               = "OK"
)

const internalProducer = "proveniq-ledger"

const assetPageSize = 1000

// Appender is the slice of the append engine the service needs.
type Appender interface {
	Append(ctx context.Context, env *envelope.Normalized) (*ledgerappend.Result, error)
}

// Store is the proof-view persistence surface.
type Store interface {
	Insert(ctx context.Context, p *ledger.ProofView) error
	Get(ctx context.Context, proofID string) (*ledger.ProofView, error)
	ListByAsset(ctx context.Context, assetID string) ([]*ledger.ProofView, error)
	Revoke(ctx context.Context, proofID string, at time.Time) error
}

// IssueRequest carries the inputs for a new proof view.
type IssueRequest struct {
	AssetID             string    `json:"asset_id"`
	VerificationEventID string    `json:"verification_event_id"`
	AssetStateHash      string    `json:"asset_state_hash"`
	EvidenceSetHash     string    `json:"evidence_set_hash"`
	RulesetVersion      string    `json:"ruleset_version"`
	ExpiresAt           time.Time `json:"expires_at"`
	Scope               string    `json:"scope,omitempty"`
	CreatedBy           string    `json:"created_by"`
}

// Validation is the outcome of checking one proof against current replay
// state.
type Validation struct {
	OK          bool              `json:"ok"`
	Reason      string            `json:"reason"`
	Proof       *ledger.ProofView `json:"proof"`
	AssetStatus string            `json:"asset_status,omitempty"`
	CheckedAt   time.Time         `json:"checked_at"`
}

// Service composes the append engine, the reducer, and proof storage.
type Service struct {
	appender      Appender
	proofs        Store
	entries       ledger.Store
	schemaVersion string
	logger        *slog.Logger
}

func NewService(appender Appender, proofs Store, entries ledger.Store, logger *slog.Logger) *Service {
	return &Service{
		appender:      appender,
		proofs:        proofs,
		entries:       entries,
		schemaVersion: "1.0.0",
		logger:        logger.With("component", "proof_service"),
	}
}

// WithSchemaVersion sets the envelope schema version stamped on internally
// emitted events. It must match the validator's active version or appends
// from this service will be rejected.
func (s *Service) WithSchemaVersion(v string) *Service {
	if v != "" {
		s.schemaVersion = v
	}
	return s
}

// Issue emits a PROOF_VIEW_CREATED event and inserts the proof row. The
// snapshot hash binds the proof to the exact asset state it certifies.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*ledger.ProofView, error) {
	if req.AssetID == "" || req.VerificationEventID == "" {
		return nil, fmt.Errorf("proof: asset_id and verification_event_id are required")
	}
	if req.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("proof: expires_at is required")
	}

	snapshotHash, err := canonical.HashSnapshot(req.AssetStateHash, req.EvidenceSetHash)
	if err != nil {
		return nil, fmt.Errorf("proof: snapshot hash: %w", err)
	}

	proofID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"proof_id":              proofID,
		"asset_id":              req.AssetID,
		"verification_event_id": req.VerificationEventID,
		"snapshot_hash":         snapshotHash,
		"asset_state_hash":      req.AssetStateHash,
		"evidence_set_hash":     req.EvidenceSetHash,
		"ruleset_version":       req.RulesetVersion,
		"expires_at":            req.ExpiresAt.UTC().Format(time.RFC3339),
		"scope":                 req.Scope,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.appender.Append(ctx, s.internalEnvelope(
		events.ProofViewCreated, req.AssetID, req.CreatedBy, payload,
		"proof-created-"+proofID))
	if err != nil {
		return nil, fmt.Errorf("proof: append creation event: %w", err)
	}

	view := &ledger.ProofView{
		ProofID:             proofID,
		AssetID:             req.AssetID,
		VerificationEventID: req.VerificationEventID,
		SnapshotHash:        snapshotHash,
		AssetStateHash:      req.AssetStateHash,
		EvidenceSetHash:     req.EvidenceSetHash,
		RulesetVersion:      req.RulesetVersion,
		ExpiresAt:           req.ExpiresAt.UTC(),
		CreatedBy:           req.CreatedBy,
		Scope:               req.Scope,
		CreatedAt:           res.Entry.CreatedAt,
	}
	if err := s.proofs.Insert(ctx, view); err != nil {
		return nil, fmt.Errorf("proof: insert view: %w", err)
	}

	s.logger.Info("proof issued", "proof_id", proofID, "asset_id", req.AssetID)
	return view, nil
}

// Revoke emits PROOF_VIEW_REVOKED and stamps revoked_at. Revoking an already
// revoked proof is a no-op success.
func (s *Service) Revoke(ctx context.Context, proofID, actorID string) (*ledger.ProofView, error) {
	view, err := s.proofs.Get(ctx, proofID)
	if err != nil {
		return nil, err
	}
	if view.RevokedAt != nil {
		return view, nil
	}

	payload, err := json.Marshal(map[string]any{
		"proof_id": proofID,
		"asset_id": view.AssetID,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.appender.Append(ctx, s.internalEnvelope(
		events.ProofViewRevoked, view.AssetID, actorID, payload,
		"proof-revoked-"+proofID))
	if err != nil {
		return nil, fmt.Errorf("proof: append revocation event: %w", err)
	}

	if err := s.proofs.Revoke(ctx, proofID, res.Entry.CreatedAt); err != nil {
		return nil, err
	}

	s.logger.Info("proof revoked", "proof_id", proofID, "asset_id", view.AssetID)
	return s.proofs.Get(ctx, proofID)
}

// Get loads one proof view.
func (s *Service) Get(ctx context.Context, proofID string) (*ledger.ProofView, error) {
	return s.proofs.Get(ctx, proofID)
}

// Validate checks a proof against the asset's replayed state at now. The
// ladder is evaluated strictly in order; the first failing rung is the
// reason.
func (s *Service) Validate(ctx context.Context, proofID string, now time.Time) (*Validation, error) {
	view, err := s.proofs.Get(ctx, proofID)
	if err != nil {
		return nil, err
	}

	rows, err := s.assetHistory(ctx, view.AssetID)
	if err != nil {
		return nil, fmt.Errorf("proof: load asset history: %w", err)
	}
	state, err := replay.Reduce(view.AssetID, rows, now)
	if err != nil {
		return nil, fmt.Errorf("proof: replay: %w", err)
	}

	v := &Validation{Proof: view, AssetStatus: state.Status, CheckedAt: now.UTC()}
	v.Reason = s.decide(view, state, now)
	v.OK = v.Reason == ReasonOK
	return v, nil
}

func (s *Service) decide(view *ledger.ProofView, state *replay.Result, now time.Time) string {
	recomputedSnapshot, err := canonical.HashSnapshot(view.AssetStateHash, view.EvidenceSetHash)
	if err != nil {
		return ReasonSnapshotMismatch
	}

	switch {
	case view.RevokedAt != nil:
		return ReasonProofRevoked
	case view.ExpiresAt.IsZero() || now.After(view.ExpiresAt):
		return ReasonProofExpired
	case state.Status == replay.StatusFrozen:
		return ReasonAssetFrozen
	case state.Status == replay.StatusRevoked:
		return ReasonAssetRevoked
	case state.Status == replay.StatusInvalidated:
		return ReasonInvalidated
	case state.LastVerificationEventID != view.VerificationEventID:
		return ReasonNotActiveGrant
	case state.CurrentAssetStateHash != view.AssetStateHash ||
		state.CurrentEvidenceSetHash != view.EvidenceSetHash:
		return ReasonInvalidated
	case recomputedSnapshot != view.SnapshotHash:
		return ReasonSnapshotMismatch
	case state.Status != replay.StatusVerifiedActive:
		return "NOT_VERIFIED_ACTIVE:" + state.Status
	default:
		return ReasonOK
	}
}

func (s *Service) assetHistory(ctx context.Context, assetID string) ([]*ledger.Entry, error) {
	var all []*ledger.Entry
	offset := 0
	for {
		page, err := s.entries.List(ctx, ledger.Query{
			AssetID: assetID,
			Limit:   assetPageSize,
			Offset:  offset,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < assetPageSize {
			return all, nil
		}
		offset += assetPageSize
	}
}

func (s *Service) internalEnvelope(t events.Type, assetID, actorID string, payload json.RawMessage, idempotencyKey string) *envelope.Normalized {
	return &envelope.Normalized{
		Envelope: envelope.Envelope{
			SchemaVersion:  s.schemaVersion,
			EventType:      string(t),
			OccurredAt:     time.Now().UTC(),
			CorrelationID:  uuid.NewString(),
			IdempotencyKey: idempotencyKey,
			Producer:       internalProducer,
			Subject: envelope.Subject{
				Source:  "ops",
				AssetID: assetID,
				ActorID: actorID,
			},
			Payload: payload,
		},
		CanonicalType: t,
	}
}
