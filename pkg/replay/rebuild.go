package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/proveniq/ledger-core/pkg/audit"
	"github.com/proveniq/ledger-core/pkg/ledger"
)

const rebuildPageSize = 1000

// ProjectionStore is the writable surface of the rebuildable read models.
type ProjectionStore interface {
	TruncateDerived(ctx context.Context) error
	UpsertEvidenceSnapshot(ctx context.Context, snap *ledger.EvidenceSnapshot) error
	UpsertVerification(ctx context.Context, row *ledger.VerificationCacheRow) error
}

// ProofProjection rebuilds proof_views from PROOF_VIEW_CREATED and
// PROOF_VIEW_REVOKED events.
type ProofProjection interface {
	Insert(ctx context.Context, p *ledger.ProofView) error
	Revoke(ctx context.Context, proofID string, at time.Time) error
}

// Report summarizes one rebuild.
type Report struct {
	EntriesReplayed int64     `json:"entries_replayed"`
	AssetsRebuilt   int       `json:"assets_rebuilt"`
	ProofsRebuilt   int       `json:"proofs_rebuilt"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Rebuilder truncates every derived table and replays the full ledger
// through the reducer and projectors. The ledger itself is read-only here.
type Rebuilder struct {
	entries     ledger.Store
	projections ProjectionStore
	proofs      ProofProjection
	trail       *audit.Trail
	logger      *slog.Logger
	clock       func() time.Time
}

func NewRebuilder(entries ledger.Store, projections ProjectionStore, proofs ProofProjection, trail *audit.Trail, logger *slog.Logger) *Rebuilder {
	return &Rebuilder{
		entries:     entries,
		projections: projections,
		proofs:      proofs,
		trail:       trail,
		logger:      logger.With("component", "rebuild"),
		clock:       time.Now,
	}
}

func (r *Rebuilder) WithClock(clock func() time.Time) *Rebuilder {
	r.clock = clock
	return r
}

type proofCreatedPayload struct {
	ProofID             string `json:"proof_id"`
	AssetID             string `json:"asset_id"`
	VerificationEventID string `json:"verification_event_id"`
	SnapshotHash        string `json:"snapshot_hash"`
	AssetStateHash      string `json:"asset_state_hash"`
	EvidenceSetHash     string `json:"evidence_set_hash"`
	RulesetVersion      string `json:"ruleset_version"`
	ExpiresAt           string `json:"expires_at"`
	Scope               string `json:"scope"`
}

type proofRevokedPayload struct {
	ProofID string `json:"proof_id"`
}

// Rebuild replays the full ledger. actorID goes into the audit trail.
func (r *Rebuilder) Rebuild(ctx context.Context, actorID string) (*Report, error) {
	report := &Report{StartedAt: r.clock().UTC()}

	if err := r.projections.TruncateDerived(ctx); err != nil {
		return nil, fmt.Errorf("replay: truncate derived tables: %w", err)
	}

	byAsset := make(map[string][]*ledger.Entry)
	var from int64 = 1
	for {
		page, err := r.entries.List(ctx, ledger.Query{
			FromSequence: from,
			Limit:        rebuildPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("replay: list entries: %w", err)
		}
		for _, e := range page {
			report.EntriesReplayed++
			if e.AssetID != "" {
				byAsset[e.AssetID] = append(byAsset[e.AssetID], e)
			}
			if err := r.projectEntry(ctx, e, report); err != nil {
				return nil, err
			}
			from = e.SequenceNumber + 1
		}
		if len(page) < rebuildPageSize {
			break
		}
	}

	// deterministic asset order keeps rebuilds reproducible in logs
	assets := make([]string, 0, len(byAsset))
	for id := range byAsset {
		assets = append(assets, id)
	}
	sort.Strings(assets)

	now := r.clock().UTC()
	for _, assetID := range assets {
		res, err := Reduce(assetID, byAsset[assetID], now)
		if err != nil {
			return nil, fmt.Errorf("replay: reduce %s: %w", assetID, err)
		}
		if err := r.projections.UpsertVerification(ctx, res.CacheRow(now)); err != nil {
			return nil, fmt.Errorf("replay: project verification %s: %w", assetID, err)
		}
		report.AssetsRebuilt++
	}

	report.FinishedAt = r.clock().UTC()
	if r.trail != nil {
		if err := r.trail.Record(ctx, audit.ActionRebuild, actorID, "read-models", report); err != nil {
			r.logger.Warn("rebuild audit failed", "error", err)
		}
	}
	r.logger.Info("read models rebuilt",
		"entries", report.EntriesReplayed,
		"assets", report.AssetsRebuilt,
		"proofs", report.ProofsRebuilt)
	return report, nil
}

func (r *Rebuilder) projectEntry(ctx context.Context, e *ledger.Entry, report *Report) error {
	switch e.EventType {
	case "EVIDENCE_ADDED":
		var p struct {
			EvidenceID  string          `json:"evidence_id"`
			ContentHash string          `json:"content_hash"`
			StorageRef  string          `json:"storage_ref"`
			Metadata    json.RawMessage `json:"metadata"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil || e.AssetID == "" || p.EvidenceID == "" || p.ContentHash == "" {
			return nil
		}
		return r.projections.UpsertEvidenceSnapshot(ctx, &ledger.EvidenceSnapshot{
			AssetID:     e.AssetID,
			EvidenceID:  p.EvidenceID,
			ContentHash: p.ContentHash,
			StorageRef:  p.StorageRef,
			Metadata:    p.Metadata,
			CreatedAt:   e.CreatedAt,
		})

	case "PROOF_VIEW_CREATED":
		if r.proofs == nil {
			return nil
		}
		var p proofCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.ProofID == "" {
			return nil
		}
		expiresAt, _ := time.Parse(time.RFC3339, p.ExpiresAt)
		if err := r.proofs.Insert(ctx, &ledger.ProofView{
			ProofID:             p.ProofID,
			AssetID:             p.AssetID,
			VerificationEventID: p.VerificationEventID,
			SnapshotHash:        p.SnapshotHash,
			AssetStateHash:      p.AssetStateHash,
			EvidenceSetHash:     p.EvidenceSetHash,
			RulesetVersion:      p.RulesetVersion,
			ExpiresAt:           expiresAt,
			CreatedBy:           e.ActorID,
			Scope:               p.Scope,
			CreatedAt:           e.CreatedAt,
		}); err != nil {
			return fmt.Errorf("replay: project proof %s: %w", p.ProofID, err)
		}
		report.ProofsRebuilt++
		return nil

	case "PROOF_VIEW_REVOKED":
		if r.proofs == nil {
			return nil
		}
		var p proofRevokedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.ProofID == "" {
			return nil
		}
		return r.proofs.Revoke(ctx, p.ProofID, e.CreatedAt)
	}
	return nil
}
