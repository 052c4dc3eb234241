// Package replay derives per-asset verification state by folding the asset's
// ledger history. Reduce is pure: no I/O, no clock reads, deterministic for
// identical inputs. It runs online for reads and offline during read-model
// rebuilds, and both paths must agree.
package replay

import (
	"encoding/json"
	"time"

	"github.com/proveniq/ledger-core/pkg/canonical"
	"github.com/proveniq/ledger-core/pkg/events"
	"github.com/proveniq/ledger-core/pkg/ledger"
)

// Verification statuses, ordered by decision precedence.
const (
	StatusRevoked        = "REVOKED"
	StatusFrozen         = "FROZEN"
	StatusUnverified     = "UNVERIFIED"
	StatusInvalidated    = "INVALIDATED"
	StatusVerifiedDecay  = "VERIFIED_DECAYED"
	StatusVerifiedActive = "VERIFIED_ACTIVE"
)

// ReasonStateHashMismatch marks an INVALIDATED result caused by the current
// snapshot drifting from the one recorded on the grant.
const ReasonStateHashMismatch = "STATE_HASH_MISMATCH"

// DefaultRulesetVersion applies when no event carried one.
const DefaultRulesetVersion = "v1.0.0"

const maxConfidenceBps = 10000

// Result is the derived verification state of one asset at AsOf.
type Result struct {
	AssetID        string `json:"asset_id"`
	Status         string `json:"status"`
	ReasonCode     string `json:"reason_code,omitempty"`
	RulesetVersion string `json:"ruleset_version"`
	ConfidenceBps  int    `json:"confidence_bps"`

	// Snapshot recorded on the last grant versus the snapshot recomputed
	// from replayed inputs. Producer-supplied "current" values never enter
	// here; only the fold does.
	GrantAssetStateHash    string `json:"grant_asset_state_hash,omitempty"`
	GrantEvidenceSetHash   string `json:"grant_evidence_set_hash,omitempty"`
	CurrentAssetStateHash  string `json:"current_asset_state_hash"`
	CurrentEvidenceSetHash string `json:"current_evidence_set_hash"`

	LastVerificationEventID string     `json:"last_verification_event_id,omitempty"`
	RevokedByEventID        string     `json:"revoked_by_event_id,omitempty"`
	FreezeEventID           string     `json:"freeze_event_id,omitempty"`
	ActiveFreeze            bool       `json:"active_freeze"`
	GrantExpiresAt          *time.Time `json:"grant_expires_at,omitempty"`

	EvidenceEventIDs []string  `json:"evidence_event_ids,omitempty"`
	AsOf             time.Time `json:"as_of"`
}

type grant struct {
	eventID         string
	assetStateHash  string
	evidenceSetHash string
	rulesetVersion  string
	confidenceBps   int
	expiresAt       *time.Time
}

type grantPayload struct {
	AssetStateHash  string     `json:"asset_state_hash"`
	EvidenceSetHash string     `json:"evidence_set_hash"`
	RulesetVersion  string     `json:"ruleset_version"`
	ConfidenceBps   int        `json:"confidence_bps"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

type claimPayload struct {
	Claim json.RawMessage `json:"claim"`
}

type evidenceAddedPayload struct {
	ContentHash string `json:"content_hash"`
}

// Reduce folds rows (the asset's entries, ascending by sequence) into a
// verification result evaluated at asOf. Rows for other assets must not be
// passed in; the fold trusts its caller's filtering.
func Reduce(assetID string, rows []*ledger.Entry, asOf time.Time) (*Result, error) {
	var (
		claim            json.RawMessage
		evidenceHashes   []string
		evidenceEventIDs []string
		rulesetVersion   string
		activeFreeze     bool
		freezeEventID    string
		revokedBy        string
		last             *grant
	)

	for _, row := range rows {
		switch events.Type(row.EventType) {
		case events.ClaimAdded, events.ClaimUpdated:
			var p claimPayload
			if err := json.Unmarshal(row.Payload, &p); err == nil && len(p.Claim) > 0 {
				claim = p.Claim
			} else {
				claim = row.Payload
			}
		case events.EvidenceAdded:
			var p evidenceAddedPayload
			if err := json.Unmarshal(row.Payload, &p); err == nil && p.ContentHash != "" {
				evidenceHashes = append(evidenceHashes, p.ContentHash)
				evidenceEventIDs = append(evidenceEventIDs, row.ID)
			}
		case events.EvidenceFrozen, events.DisputeFiled:
			activeFreeze = true
			freezeEventID = row.ID
		case events.FreezeLifted, events.DisputeResolved:
			activeFreeze = false
			freezeEventID = ""
		case events.VerificationRevoked:
			revokedBy = row.ID
		case events.VerificationGranted:
			// A later grant replaces the last one wholesale; the replaced
			// grant only matters to proofs, which bind to a specific
			// verification event and fail NOT_ACTIVE_GRANT once displaced.
			g := grantFromRow(row)
			last = g
			revokedBy = ""
			if g.rulesetVersion != "" {
				rulesetVersion = g.rulesetVersion
			}
		}
	}

	if rulesetVersion == "" {
		rulesetVersion = DefaultRulesetVersion
	}

	currentEvidenceHash := canonical.HashEvidenceSet(evidenceHashes)
	currentStateHash, err := canonical.HashAssetState(canonical.AssetState{
		Claim:          claim,
		EvidenceHashes: evidenceHashes,
		RulesetVersion: rulesetVersion,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		AssetID:                assetID,
		RulesetVersion:         rulesetVersion,
		CurrentAssetStateHash:  currentStateHash,
		CurrentEvidenceSetHash: currentEvidenceHash,
		RevokedByEventID:       revokedBy,
		ActiveFreeze:           activeFreeze,
		FreezeEventID:          freezeEventID,
		EvidenceEventIDs:       evidenceEventIDs,
		AsOf:                   asOf,
	}
	if last != nil {
		res.LastVerificationEventID = last.eventID
		res.GrantAssetStateHash = last.assetStateHash
		res.GrantEvidenceSetHash = last.evidenceSetHash
		res.ConfidenceBps = clampBps(last.confidenceBps)
		res.GrantExpiresAt = last.expiresAt
	}

	res.Status, res.ReasonCode = decide(res)
	return res, nil
}

// decide applies the precedence ladder; the first matching rule wins.
func decide(r *Result) (status, reason string) {
	switch {
	case r.RevokedByEventID != "":
		return StatusRevoked, ""
	case r.ActiveFreeze:
		return StatusFrozen, ""
	case r.LastVerificationEventID == "":
		return StatusUnverified, ""
	case r.CurrentAssetStateHash != r.GrantAssetStateHash ||
		r.CurrentEvidenceSetHash != r.GrantEvidenceSetHash:
		return StatusInvalidated, ReasonStateHashMismatch
	case r.GrantExpiresAt != nil && r.AsOf.After(*r.GrantExpiresAt):
		return StatusVerifiedDecay, ""
	default:
		return StatusVerifiedActive, ""
	}
}

func grantFromRow(row *ledger.Entry) *grant {
	var p grantPayload
	_ = json.Unmarshal(row.Payload, &p)

	g := &grant{
		eventID:         row.ID,
		assetStateHash:  p.AssetStateHash,
		evidenceSetHash: p.EvidenceSetHash,
		rulesetVersion:  p.RulesetVersion,
		confidenceBps:   p.ConfidenceBps,
		expiresAt:       p.ExpiresAt,
	}
	// Write-time projection columns take precedence over the raw payload.
	if row.AssetStateHash != "" {
		g.assetStateHash = row.AssetStateHash
	}
	if row.EvidenceSetHash != "" {
		g.evidenceSetHash = row.EvidenceSetHash
	}
	if row.RulesetVersion != "" {
		g.rulesetVersion = row.RulesetVersion
	}
	return g
}

func clampBps(v int) int {
	if v < 0 {
		return 0
	}
	if v > maxConfidenceBps {
		return maxConfidenceBps
	}
	return v
}

// CacheRow converts a reducer result to its verification_cache projection.
func (r *Result) CacheRow(updatedAt time.Time) *ledger.VerificationCacheRow {
	return &ledger.VerificationCacheRow{
		AssetID:                 r.AssetID,
		Status:                  r.Status,
		ReasonCode:              r.ReasonCode,
		ConfidenceBps:           r.ConfidenceBps,
		LastVerificationEventID: r.LastVerificationEventID,
		ActiveFreeze:            r.ActiveFreeze,
		RulesetVersion:          r.RulesetVersion,
		UpdatedAt:               updatedAt,
	}
}
